// Package services – Sweeper
//
// Sweeper is the maintenance job for the idempotency table. A record whose
// response is still empty after StaleAfter belongs to a request that died
// between claim and commit; deleting it lets a retry with the same key claim
// it again instead of failing forever with ErrInvariantViolation. With a
// positive Retention, completed records older than it are removed too.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

var idempotencySwept = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "idempotency_records_swept_total",
		Help: "Idempotency records deleted by the maintenance sweeper.",
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(idempotencySwept)
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Stale   int64
	Expired int64
}

// Sweeper deletes stale and expired idempotency records on a cron schedule.
type Sweeper struct {
	DB         *gorm.DB
	Log        zerolog.Logger
	Schedule   string
	StaleAfter time.Duration
	Retention  time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

// NewSweeper constructs a Sweeper.
func NewSweeper(db *gorm.DB, log zerolog.Logger, schedule string, staleAfter, retention time.Duration) *Sweeper {
	return &Sweeper{
		DB:         db,
		Log:        log,
		Schedule:   schedule,
		StaleAfter: staleAfter,
		Retention:  retention,
	}
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// SweepOnce runs one pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	if s.StaleAfter > 0 {
		n, err := repo.DeleteStaleIdempotency(ctx, s.DB, now.Add(-s.StaleAfter))
		if err != nil {
			return res, unexpected("delete stale idempotency records", err)
		}
		res.Stale = n
		idempotencySwept.WithLabelValues("stale").Add(float64(n))
	}
	if s.Retention > 0 {
		n, err := repo.DeleteCompletedIdempotency(ctx, s.DB, now.Add(-s.Retention))
		if err != nil {
			return res, unexpected("delete expired idempotency records", err)
		}
		res.Expired = n
		idempotencySwept.WithLabelValues("expired").Add(float64(n))
	}
	return res, nil
}

// Start schedules SweepOnce. Each run is bounded by ctx.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		res, err := s.SweepOnce(ctx)
		if err != nil {
			s.Log.Error().Err(err).Msg("idempotency sweep failed")
			return
		}
		if res.Stale > 0 || res.Expired > 0 {
			s.Log.Warn().
				Int64("stale", res.Stale).
				Int64("expired", res.Expired).
				Msg("idempotency records swept")
		}
	})
	if err != nil {
		return fmt.Errorf("sweeper schedule %q: %w", s.Schedule, err)
	}
	c.Start()
	s.c = c
	s.Log.Info().Str("schedule", s.Schedule).Dur("stale_after", s.StaleAfter).Msg("idempotency sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep, or ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
