// Package services – IssuePublisher
//
// IssuePublisher writes a new issue and its delivery tasks. Both operations
// run on a transaction handed out by a successful IdempotencyGate claim, so
// they become visible only when the claim's response is saved.
package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/unicode/norm"
)

// MaxIssueTitleLen caps issue titles in characters after normalization.
const MaxIssueTitleLen = 256

// IssueDraft is the content of an issue to publish.
type IssueDraft struct {
	Title string
	Text  string
	HTML  string
}

// Normalize trims the draft, NFC-normalizes the title and checks that every
// field is present.
func (d IssueDraft) Normalize() (IssueDraft, error) {
	d.Title = norm.NFC.String(strings.TrimSpace(d.Title))
	if d.Title == "" {
		return d, invalid("title", "cannot be empty")
	}
	if utf8.RuneCountInString(d.Title) > MaxIssueTitleLen {
		return d, invalid("title", "must be at most 256 characters")
	}
	if strings.TrimSpace(d.Text) == "" {
		return d, invalid("text_content", "cannot be empty")
	}
	if strings.TrimSpace(d.HTML) == "" {
		return d, invalid("html_content", "cannot be empty")
	}
	return d, nil
}

// IssuePublisher persists issues and fans them out to the delivery queue.
type IssuePublisher struct {
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (p *IssuePublisher) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Publish inserts the issue on tx and returns its id. The draft must already
// be normalized.
func (p *IssuePublisher) Publish(ctx context.Context, tx *gorm.DB, d IssueDraft) (string, error) {
	tr := otel.Tracer("services/IssuePublisher")
	ctx, span := tr.Start(ctx, "Publish",
		trace.WithAttributes(
			attribute.Int("issue.title_len", len(d.Title)),
		),
	)
	defer span.End()

	is, err := repo.CreateIssue(ctx, tx, d.Title, d.Text, d.HTML, p.now())
	if err != nil {
		span.RecordError(err)
		return "", unexpected("insert issue", err)
	}
	span.SetAttributes(attribute.String("issue.id", is.ID))
	return is.ID, nil
}

// Enqueue creates one delivery task per subscriber confirmed at this point
// of tx, in one set-based statement, and returns the number created.
func (p *IssuePublisher) Enqueue(ctx context.Context, tx *gorm.DB, issueID string) (int64, error) {
	tr := otel.Tracer("services/IssuePublisher")
	ctx, span := tr.Start(ctx, "Enqueue",
		trace.WithAttributes(
			attribute.String("issue.id", issueID),
		),
	)
	defer span.End()

	n, err := repo.EnqueueDeliveryTasks(ctx, tx, issueID, p.now())
	if err != nil {
		span.RecordError(err)
		return 0, unexpected("enqueue delivery tasks", err)
	}
	span.SetAttributes(attribute.Int64("delivery.enqueued", n))
	return n, nil
}
