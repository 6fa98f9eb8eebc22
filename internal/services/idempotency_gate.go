// Package services – IdempotencyGate
//
// IdempotencyGate claims or replays a (user, idempotency key) pair. A claim
// is an uncommitted insert of the idempotency record; the caller performs
// its side effects inside the same transaction and finishes with
// SaveResponse, which writes the response and commits. Record, side effects
// and replay cache therefore become visible together or not at all.
//
// A second request for the same pair blocks on the first one's uncommitted
// row (PostgreSQL/MySQL), or on the single SQLite writer connection, until
// the first commits or rolls back. It then either replays the saved response
// or, after a rollback, claims the key itself.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MaxIdempotencyKeyLen is the longest accepted key, in bytes.
const MaxIdempotencyKeyLen = 50

// ErrClaimFinished is returned when a claim is used after commit or rollback.
var ErrClaimFinished = errors.New("claim already finished")

// IdempotencyKey is a validated idempotency key.
type IdempotencyKey string

// ParseIdempotencyKey validates a raw key: non-empty and at most
// MaxIdempotencyKeyLen bytes.
func ParseIdempotencyKey(raw string) (IdempotencyKey, error) {
	if raw == "" {
		return "", invalid("idempotency_key", "cannot be empty")
	}
	if len(raw) > MaxIdempotencyKeyLen {
		return "", invalid("idempotency_key", "must be at most 50 characters")
	}
	return IdempotencyKey(raw), nil
}

// SavedResponse is the exact response replayed for a completed key.
type SavedResponse struct {
	StatusCode int
	Headers    []domain.HeaderPair
	Body       []byte
}

// Header returns the first value of the named header, if present.
func (r SavedResponse) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if h.Name == name {
			return string(h.Value), true
		}
	}
	return "", false
}

// Claim is the right to process a key. It owns the open transaction that
// holds the idempotency record; work done through Tx commits with the
// response in SaveResponse.
type Claim struct {
	tx     *gorm.DB
	cancel context.CancelFunc
	userID string
	key    IdempotencyKey
	done   bool
}

// Tx returns the claim's transaction. All side effects of the claimed
// request must go through it.
func (c *Claim) Tx() *gorm.DB { return c.tx }

// UserID returns the caller that owns the claim.
func (c *Claim) UserID() string { return c.userID }

// Key returns the claimed key.
func (c *Claim) Key() IdempotencyKey { return c.key }

// Rollback abandons the claim. The record disappears with the transaction so
// a retry can claim the key again. Safe to call after SaveResponse.
func (c *Claim) Rollback() error {
	if c == nil || c.done {
		return nil
	}
	c.done = true
	err := c.tx.Rollback().Error
	c.cancel()
	return err
}

// Decision is the outcome of TryClaim: exactly one of Claim or Replay is set.
type Decision struct {
	Claim  *Claim
	Replay *SavedResponse
}

// IdempotencyGate implements claim-or-replay over the idempotency table.
type IdempotencyGate struct {
	DB *gorm.DB

	// AcquireTimeout bounds the wait for a connection and for a conflicting
	// claim to finish. Zero means 5s.
	AcquireTimeout time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// NewIdempotencyGate returns a gate over db.
func NewIdempotencyGate(db *gorm.DB, acquireTimeout time.Duration) *IdempotencyGate {
	return &IdempotencyGate{DB: db, AcquireTimeout: acquireTimeout}
}

func (g *IdempotencyGate) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *IdempotencyGate) acquireTimeout() time.Duration {
	if g.AcquireTimeout > 0 {
		return g.AcquireTimeout
	}
	return 5 * time.Second
}

// TryClaim validates rawKey and then either claims (userID, key) for the
// caller or returns the response saved by the request that claimed it first.
//
// Errors: *ValidationError for a bad key (before any store access),
// ErrInvariantViolation for a record without a response, ErrUnexpected for
// store faults and timeouts.
func (g *IdempotencyGate) TryClaim(ctx context.Context, userID, rawKey string) (Decision, error) {
	key, err := ParseIdempotencyKey(rawKey)
	if err != nil {
		return Decision{}, err
	}

	tr := otel.Tracer("services/IdempotencyGate")
	ctx, span := tr.Start(ctx, "TryClaim",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	// A record can vanish between the conflicting insert and the read (the
	// winner rolled back, or the sweeper released it); claim again then.
	for attempt := 0; attempt < 2; attempt++ {
		claim, err := g.insertClaim(ctx, userID, key)
		if err != nil {
			span.RecordError(err)
			return Decision{}, err
		}
		if claim != nil {
			span.SetAttributes(attribute.Bool("idempotency.claimed", true))
			return Decision{Claim: claim}, nil
		}

		rec, err := repo.GetIdempotency(ctx, g.DB, userID, string(key))
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return Decision{}, unexpected("load idempotency record", err)
		}
		if !rec.Completed() {
			return Decision{}, ErrInvariantViolation
		}
		span.SetAttributes(attribute.Bool("idempotency.claimed", false))
		return Decision{Replay: &SavedResponse{
			StatusCode: *rec.ResponseStatusCode,
			Headers:    rec.ResponseHeaders,
			Body:       rec.ResponseBody,
		}}, nil
	}
	return Decision{}, ErrInvariantViolation
}

// insertClaim opens a transaction and inserts the record if absent. It
// returns a live claim when the insert happened, nil when the key was
// already taken.
func (g *IdempotencyGate) insertClaim(ctx context.Context, userID string, key IdempotencyKey) (*Claim, error) {
	// The transaction lives as long as txCtx; the timer only bounds the
	// acquisition and the conflicting-insert wait.
	txCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(g.acquireTimeout(), cancel)

	tx := g.DB.WithContext(txCtx).Begin()
	if tx.Error != nil {
		timer.Stop()
		cancel()
		return nil, unexpected("begin transaction", tx.Error)
	}

	created, err := repo.InsertIdempotencyIfAbsent(txCtx, tx, userID, string(key), g.now())
	if fired := !timer.Stop(); fired && err == nil {
		err = context.DeadlineExceeded
	}
	if err != nil {
		tx.Rollback()
		cancel()
		return nil, unexpected("claim idempotency key", err)
	}
	if !created {
		tx.Rollback()
		cancel()
		return nil, nil
	}
	return &Claim{tx: tx, cancel: cancel, userID: userID, key: key}, nil
}

// SaveResponse stores resp on the claimed record and commits the claim's
// transaction. This is the single commit point of a claimed request. On
// failure the transaction is rolled back.
func (g *IdempotencyGate) SaveResponse(ctx context.Context, claim *Claim, resp SavedResponse) error {
	if claim == nil || claim.done {
		return ErrClaimFinished
	}

	tr := otel.Tracer("services/IdempotencyGate")
	ctx, span := tr.Start(ctx, "SaveResponse",
		trace.WithAttributes(
			attribute.String("user.id", claim.userID),
			attribute.Int("http.status_code", resp.StatusCode),
		),
	)
	defer span.End()

	if err := repo.SaveIdempotencyResponse(ctx, claim.tx, claim.userID, string(claim.key), resp.StatusCode, resp.Headers, resp.Body); err != nil {
		_ = claim.Rollback()
		span.RecordError(err)
		return unexpected("save response", err)
	}
	claim.done = true
	err := claim.tx.Commit().Error
	claim.cancel()
	if err != nil {
		span.RecordError(err)
		return unexpected("commit", err)
	}
	return nil
}
