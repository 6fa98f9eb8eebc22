package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

func TestSweepOnce_ReleasesWedgedKey(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	created := time.Now().UTC()

	// A request that claimed the key and died before saving a response.
	if _, err := repo.InsertIdempotencyIfAbsent(ctx, db, "op1", "wedged", created); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gate := NewIdempotencyGate(db, time.Second)
	if _, err := gate.TryClaim(ctx, "op1", "wedged"); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation before sweep, got %v", err)
	}

	sw := NewSweeper(db, zerolog.Nop(), "@every 1m", 10*time.Minute, 0)

	// Too young to sweep.
	sw.Now = func() time.Time { return created.Add(5 * time.Minute) }
	res, err := sw.SweepOnce(ctx)
	if err != nil || res.Stale != 0 {
		t.Fatalf("young record swept: %+v err=%v", res, err)
	}

	sw.Now = func() time.Time { return created.Add(11 * time.Minute) }
	res, err = sw.SweepOnce(ctx)
	if err != nil || res.Stale != 1 || res.Expired != 0 {
		t.Fatalf("unexpected sweep result: %+v err=%v", res, err)
	}

	dec, err := gate.TryClaim(ctx, "op1", "wedged")
	if err != nil || dec.Claim == nil {
		t.Fatalf("key should be claimable after sweep: %+v err=%v", dec, err)
	}
	_ = dec.Claim.Rollback()
}

func TestSweepOnce_RetentionKeepsRecentResponses(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	gate := NewIdempotencyGate(db, time.Second)

	dec, err := gate.TryClaim(ctx, "op1", "done")
	if err != nil || dec.Claim == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := gate.SaveResponse(ctx, dec.Claim, SavedResponse{StatusCode: 201, Body: []byte("{}")}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Retention disabled: completed records stay forever.
	sw := NewSweeper(db, zerolog.Nop(), "@every 1m", 10*time.Minute, 0)
	sw.Now = func() time.Time { return time.Now().Add(365 * 24 * time.Hour) }
	if res, err := sw.SweepOnce(ctx); err != nil || res.Stale != 0 || res.Expired != 0 {
		t.Fatalf("completed record swept without retention: %+v err=%v", res, err)
	}
	if n := countRows(t, db, &domain.Idempotency{}); n != 1 {
		t.Fatalf("expected record to remain, got %d", n)
	}

	sw.Retention = 24 * time.Hour
	if res, err := sw.SweepOnce(ctx); err != nil || res.Expired != 1 {
		t.Fatalf("expected expired record removed: %+v err=%v", res, err)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	db := newServiceDB(t)
	sw := NewSweeper(db, zerolog.Nop(), "not a schedule", time.Minute, 0)
	if err := sw.Start(context.Background()); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}

	sw.Schedule = "@every 1h"
	if err := sw.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sw.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sw.Stop(ctx)
	sw.Stop(ctx)
}
