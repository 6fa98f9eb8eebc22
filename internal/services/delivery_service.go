// Package services – DeliveryService
//
// DeliveryService is the operator's view of the delivery queue: dead-letter
// inspection, manual requeue and queue statistics. Sending is done by the
// delivery worker, never here.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// DeliveryService serves dead-letter and queue queries.
type DeliveryService struct {
	DB *gorm.DB

	// Waker is optional.
	Waker Waker
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// NewDeliveryService constructs a DeliveryService.
func NewDeliveryService(db *gorm.DB, waker Waker) *DeliveryService {
	return &DeliveryService{DB: db, Waker: waker}
}

func (s *DeliveryService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// DeadLetters returns a page of dead letters, newest first. An empty issueID
// lists all issues.
func (s *DeliveryService) DeadLetters(ctx context.Context, issueID string, page, pageSize int) ([]domain.DeadLetter, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	total, err := repo.CountDeadLetters(ctx, s.DB, issueID)
	if err != nil {
		return nil, 0, unexpected("count dead letters", err)
	}
	if total == 0 {
		return []domain.DeadLetter{}, 0, nil
	}
	items, err := repo.ListDeadLettersPage(ctx, s.DB, issueID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, unexpected("list dead letters", err)
	}
	return items, total, nil
}

// Requeue moves one dead letter back into the queue with a fresh attempt
// budget.
func (s *DeliveryService) Requeue(ctx context.Context, issueID, email string) error {
	if issueID == "" {
		return invalid("issue_id", "cannot be empty")
	}
	if email == "" {
		return invalid("email", "cannot be empty")
	}
	err := repo.RequeueDeadLetter(ctx, s.DB, issueID, email, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return ErrDeadLetterNotFound
	}
	if err != nil {
		return unexpected("requeue dead letter", err)
	}
	if s.Waker != nil {
		_ = s.Waker.Notify(ctx, issueID)
	}
	return nil
}

// Stats summarizes the queue, optionally for one issue. The audience size is
// only reported for the whole queue.
func (s *DeliveryService) Stats(ctx context.Context, issueID string) (repo.QueueStats, error) {
	st, err := repo.DeliveryQueueStats(ctx, s.DB, issueID, s.now())
	if err != nil {
		return st, unexpected("queue stats", err)
	}
	if issueID == "" {
		if st.Audience, err = repo.CountConfirmedSubscribers(ctx, s.DB); err != nil {
			return st, unexpected("count audience", err)
		}
	}
	return st, nil
}
