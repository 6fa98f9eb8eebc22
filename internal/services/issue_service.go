// Package services – IssueService
//
// IssueService runs the publish command end to end: key validation, claim or
// replay through the IdempotencyGate, issue insert and enqueue through the
// IssuePublisher, and the single commit that stores the response. It also
// serves the operator's issue listing.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PublishResult is what a claimed publish produced, handed to the
// ResponseBuilder before commit.
type PublishResult struct {
	IssueID  string
	Enqueued int64
}

// ResponseBuilder renders the response stored for a claimed publish. It runs
// inside the claim, so a failure rolls everything back.
type ResponseBuilder func(PublishResult) (SavedResponse, error)

// Waker is told about a committed issue so idle workers can start early.
type Waker interface {
	Notify(ctx context.Context, issueID string) error
}

// IssueSummary is an issue plus the number of its tasks still queued.
type IssueSummary struct {
	domain.Issue
	Pending int64 `json:"pending_deliveries"`
}

// IssueService coordinates idempotent publishing.
type IssueService struct {
	DB        *gorm.DB
	Gate      *IdempotencyGate
	Publisher *IssuePublisher

	// Waker is optional.
	Waker Waker
}

// NewIssueService wires a service over db with the given gate.
func NewIssueService(db *gorm.DB, gate *IdempotencyGate, waker Waker) *IssueService {
	return &IssueService{
		DB:        db,
		Gate:      gate,
		Publisher: &IssuePublisher{Now: gate.Now},
		Waker:     waker,
	}
}

// PublishIdempotent publishes d for userID under rawKey. The first request
// for the key creates the issue and its tasks and stores the response built
// by build; every later request with the same key gets that response back
// with replayed=true and changes nothing. The key and draft are validated
// before the claim, so a retry with an invalid draft fails validation even
// when the key already has a saved response.
func (s *IssueService) PublishIdempotent(ctx context.Context, userID, rawKey string, d IssueDraft, build ResponseBuilder) (resp SavedResponse, replayed bool, err error) {
	if _, err := ParseIdempotencyKey(rawKey); err != nil {
		return SavedResponse{}, false, err
	}
	d, err = d.Normalize()
	if err != nil {
		return SavedResponse{}, false, err
	}

	tr := otel.Tracer("services/IssueService")
	ctx, span := tr.Start(ctx, "PublishIdempotent",
		trace.WithAttributes(
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	dec, err := s.Gate.TryClaim(ctx, userID, rawKey)
	if err != nil {
		span.RecordError(err)
		return SavedResponse{}, false, err
	}
	if dec.Replay != nil {
		span.SetAttributes(attribute.Bool("idempotency.replayed", true))
		return *dec.Replay, true, nil
	}

	claim := dec.Claim
	defer claim.Rollback()

	issueID, err := s.Publisher.Publish(ctx, claim.Tx(), d)
	if err != nil {
		return SavedResponse{}, false, err
	}
	n, err := s.Publisher.Enqueue(ctx, claim.Tx(), issueID)
	if err != nil {
		return SavedResponse{}, false, err
	}
	resp, err = build(PublishResult{IssueID: issueID, Enqueued: n})
	if err != nil {
		return SavedResponse{}, false, unexpected("build response", err)
	}
	if err := s.Gate.SaveResponse(ctx, claim, resp); err != nil {
		return SavedResponse{}, false, err
	}

	span.SetAttributes(
		attribute.String("issue.id", issueID),
		attribute.Int64("delivery.enqueued", n),
	)
	if s.Waker != nil && n > 0 {
		if werr := s.Waker.Notify(ctx, issueID); werr != nil {
			span.RecordError(werr)
		}
	}
	return resp, false, nil
}

// ListPage returns a page of issues, newest first, with pending task counts.
func (s *IssueService) ListPage(ctx context.Context, page, pageSize int) ([]IssueSummary, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountIssues(ctx, s.DB)
	if err != nil {
		return nil, 0, unexpected("count issues", err)
	}
	if total == 0 {
		return []IssueSummary{}, 0, nil
	}
	items, err := repo.ListIssuesPage(ctx, s.DB, offset, pageSize)
	if err != nil {
		return nil, 0, unexpected("list issues", err)
	}
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	counts, err := repo.PendingTaskCounts(ctx, s.DB, ids)
	if err != nil {
		return nil, 0, unexpected("count pending tasks", err)
	}
	out := make([]IssueSummary, len(items))
	for i := range items {
		out[i] = IssueSummary{Issue: items[i], Pending: counts[items[i].ID]}
	}
	return out, total, nil
}

// Get returns one issue.
func (s *IssueService) Get(ctx context.Context, id string) (*domain.Issue, error) {
	is, err := repo.GetIssue(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrIssueNotFound
	}
	if err != nil {
		return nil, unexpected("get issue", err)
	}
	return is, nil
}
