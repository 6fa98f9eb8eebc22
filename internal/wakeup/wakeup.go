// Package wakeup shortens the delay between publishing an issue and the first
// delivery attempt. The publishing side announces committed issue ids on a
// Redis channel; workers listen and start a cycle immediately instead of
// waiting for their next poll. The queue table stays the source of truth: a
// lost message only means the work is picked up on the next poll.
package wakeup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Connect opens a Redis client and checks it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// Publisher announces issues on a Redis channel.
type Publisher struct {
	RDB     *redis.Client
	Channel string
}

// NewPublisher returns a Publisher on channel.
func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	return &Publisher{RDB: rdb, Channel: channel}
}

// Notify publishes issueID.
func (p *Publisher) Notify(ctx context.Context, issueID string) error {
	if err := p.RDB.Publish(ctx, p.Channel, issueID).Err(); err != nil {
		return fmt.Errorf("publish wake-up: %w", err)
	}
	return nil
}

// Noop is used when Redis is not configured.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, string) error { return nil }

// Listen subscribes to channel and returns a signal channel that receives a
// value after each message. Bursts collapse into one pending signal. The
// subscription is confirmed before Listen returns and is closed when ctx
// ends.
func Listen(ctx context.Context, rdb *redis.Client, channel string, log zerolog.Logger) (<-chan struct{}, error) {
	ps := rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}

	out := make(chan struct{}, 1)
	msgs := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				log.Debug().Str("issue_id", m.Payload).Msg("wake-up received")
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
