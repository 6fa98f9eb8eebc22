package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

func TestParseIdempotencyKey(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"", false},
		{"a", true},
		{strings.Repeat("k", 50), true},
		{strings.Repeat("k", 51), false},
		// 25 two-byte runes are 50 bytes; 26 are 52.
		{strings.Repeat("é", 25), true},
		{strings.Repeat("é", 26), false},
	}
	for _, tc := range cases {
		_, err := ParseIdempotencyKey(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("ParseIdempotencyKey(len=%d): err=%v want ok=%v", len(tc.in), err, tc.ok)
		}
		if err != nil {
			var ve *ValidationError
			if !errors.As(err, &ve) || !errors.Is(err, ErrValidation) || ve.Field != "idempotency_key" {
				t.Fatalf("expected ValidationError for idempotency_key, got %v", err)
			}
		}
	}
}

func TestTryClaim_InvalidKeyTouchesNoStore(t *testing.T) {
	// A nil DB would panic on any store access.
	g := &IdempotencyGate{}
	for _, k := range []string{"", strings.Repeat("x", 51)} {
		if _, err := g.TryClaim(context.Background(), "u1", k); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	}
}

func TestTryClaim_ClaimThenReplay(t *testing.T) {
	db := newServiceDB(t)
	g := NewIdempotencyGate(db, time.Second)
	ctx := context.Background()

	dec, err := g.TryClaim(ctx, "u1", "key-1")
	if err != nil || dec.Claim == nil || dec.Replay != nil {
		t.Fatalf("first TryClaim should claim: %+v err=%v", dec, err)
	}
	if dec.Claim.UserID() != "u1" || dec.Claim.Key() != "key-1" {
		t.Fatalf("unexpected claim identity: %s/%s", dec.Claim.UserID(), dec.Claim.Key())
	}

	resp := SavedResponse{
		StatusCode: 201,
		Headers:    []domain.HeaderPair{{Name: "Content-Type", Value: []byte("application/json")}},
		Body:       []byte(`{"issue_id":"abc"}`),
	}
	if err := g.SaveResponse(ctx, dec.Claim, resp); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := g.SaveResponse(ctx, dec.Claim, resp); !errors.Is(err, ErrClaimFinished) {
		t.Fatalf("second save on same claim should fail, got %v", err)
	}

	again, err := g.TryClaim(ctx, "u1", "key-1")
	if err != nil || again.Replay == nil || again.Claim != nil {
		t.Fatalf("second TryClaim should replay: %+v err=%v", again, err)
	}
	if again.Replay.StatusCode != 201 || string(again.Replay.Body) != `{"issue_id":"abc"}` {
		t.Fatalf("unexpected replay: %+v", again.Replay)
	}
	if ct, ok := again.Replay.Header("Content-Type"); !ok || ct != "application/json" {
		t.Fatalf("replayed header missing: %q %v", ct, ok)
	}

	// Keys are scoped per user.
	other, err := g.TryClaim(ctx, "u2", "key-1")
	if err != nil || other.Claim == nil {
		t.Fatalf("another user should claim the same key: %+v err=%v", other, err)
	}
	_ = other.Claim.Rollback()
}

func TestTryClaim_RollbackReleasesKey(t *testing.T) {
	db := newServiceDB(t)
	g := NewIdempotencyGate(db, time.Second)
	ctx := context.Background()

	dec, err := g.TryClaim(ctx, "u1", "k")
	if err != nil || dec.Claim == nil {
		t.Fatalf("claim: %+v err=%v", dec, err)
	}
	if _, err := repo.CreateIssue(ctx, dec.Claim.Tx(), "T", "t", "h", time.Now().UTC()); err != nil {
		t.Fatalf("create issue in claim: %v", err)
	}
	if err := dec.Claim.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := dec.Claim.Rollback(); err != nil {
		t.Fatalf("second rollback should be a no-op: %v", err)
	}

	if n := countRows(t, db, &domain.Issue{}); n != 0 {
		t.Fatalf("rolled back claim left %d issues", n)
	}
	if n := countRows(t, db, &domain.Idempotency{}); n != 0 {
		t.Fatalf("rolled back claim left %d idempotency rows", n)
	}

	dec, err = g.TryClaim(ctx, "u1", "k")
	if err != nil || dec.Claim == nil {
		t.Fatalf("key should be claimable again: %+v err=%v", dec, err)
	}
	_ = dec.Claim.Rollback()
}

func TestTryClaim_RecordWithoutResponseIsInvariantViolation(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	if _, err := repo.InsertIdempotencyIfAbsent(ctx, db, "u1", "crashed", time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	g := NewIdempotencyGate(db, time.Second)
	if _, err := g.TryClaim(ctx, "u1", "crashed"); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestTryClaim_AcquireTimeoutIsUnexpected(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()

	holder := NewIdempotencyGate(db, time.Second)
	dec, err := holder.TryClaim(ctx, "u1", "slow")
	if err != nil || dec.Claim == nil {
		t.Fatalf("claim: %+v err=%v", dec, err)
	}
	defer dec.Claim.Rollback()

	// The single connection is held by the open claim.
	impatient := NewIdempotencyGate(db, 50*time.Millisecond)
	start := time.Now()
	_, err = impatient.TryClaim(ctx, "u1", "slow")
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("expected ErrUnexpected on timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took too long: %v", time.Since(start))
	}
}

func TestTryClaim_CancelledContextLeavesNothing(t *testing.T) {
	db := newServiceDB(t)
	g := NewIdempotencyGate(db, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	dec, err := g.TryClaim(ctx, "u1", "k")
	if err != nil || dec.Claim == nil {
		t.Fatalf("claim: %+v err=%v", dec, err)
	}
	cancel()
	if err := g.SaveResponse(ctx, dec.Claim, SavedResponse{StatusCode: 201}); !errors.Is(err, ErrUnexpected) {
		t.Fatalf("save after cancel should fail, got %v", err)
	}
	if n := countRows(t, db, &domain.Idempotency{}); n != 0 {
		t.Fatalf("cancelled request left %d idempotency rows", n)
	}
}
