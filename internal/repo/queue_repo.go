// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file holds the delivery queue: the set-based enqueue
// run inside the publish transaction, the lease-based batch claim used by
// workers, and the fenced completion, reschedule and dead-letter writes.
//
// Claim semantics:
//   - A task is eligible when execute_after <= now and it carries no live
//     lease (locked_until IS NULL or in the past).
//   - Claiming stamps a fresh claim_token and locked_until on the batch.
//     PostgreSQL and MySQL select the batch with FOR UPDATE SKIP LOCKED;
//     SQLite runs the claim as a single UPDATE, which its writer lock makes
//     atomic.
//   - Every later write on a claimed task matches on claim_token, so a worker
//     whose lease expired and was re-claimed elsewhere changes nothing.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// ErrLeaseLost is returned when a claimed task no longer carries the
// caller's claim token.
var ErrLeaseLost = errors.New("delivery lease lost")

// EnqueueDeliveryTasks inserts one task per currently confirmed subscriber
// for issueID in a single INSERT ... SELECT and returns how many were added.
func EnqueueDeliveryTasks(ctx context.Context, db *gorm.DB, issueID string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO issue_delivery_queue (issue_id, subscriber_email, attempts, execute_after, last_error, created_at)
		 SELECT ?, email, 0, ?, '', ? FROM subscriptions WHERE status = ?`,
		issueID, now, now, domain.StatusConfirmed,
	)
	return res.RowsAffected, res.Error
}

// ClaimDeliveryTasks leases up to limit eligible tasks until now+lease and
// returns them. Tasks leased by this call are never returned by a concurrent
// call until the lease expires.
func ClaimDeliveryTasks(ctx context.Context, db *gorm.DB, now time.Time, lease time.Duration, limit int) ([]domain.DeliveryTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	token := uuid.NewString()
	until := now.Add(lease)

	if Dialect(db) == DriverSQLite {
		return claimSingleStatement(ctx, db, token, now, until, limit)
	}
	return claimSkipLocked(ctx, db, token, now, until, limit)
}

func claimSingleStatement(ctx context.Context, db *gorm.DB, token string, now, until time.Time, limit int) ([]domain.DeliveryTask, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE issue_delivery_queue SET claim_token = ?, locked_until = ?
		 WHERE rowid IN (
		   SELECT rowid FROM issue_delivery_queue
		   WHERE execute_after <= ? AND (locked_until IS NULL OR locked_until <= ?)
		   ORDER BY execute_after
		   LIMIT ?
		 )`,
		token, until, now, now, limit,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	var out []domain.DeliveryTask
	err := db.WithContext(ctx).Where("claim_token = ?", token).Order("execute_after").Find(&out).Error
	return out, err
}

func claimSkipLocked(ctx context.Context, db *gorm.DB, token string, now, until time.Time, limit int) ([]domain.DeliveryTask, error) {
	var out []domain.DeliveryTask
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("execute_after <= ? AND (locked_until IS NULL OR locked_until <= ?)", now, now).
			Order("execute_after").
			Limit(limit).
			Find(&out).Error; err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		keys := make([][]interface{}, 0, len(out))
		for _, t := range out {
			keys = append(keys, []interface{}{t.IssueID, t.SubscriberEmail})
		}
		return tx.Model(&domain.DeliveryTask{}).
			Where("(issue_id, subscriber_email) IN ?", keys).
			Updates(map[string]interface{}{"claim_token": token, "locked_until": until}).Error
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		tok := token
		lu := until
		out[i].ClaimToken = &tok
		out[i].LockedUntil = &lu
	}
	return out, nil
}

// fenced scopes a query to the exact claim held by task.
func fenced(db *gorm.DB, task domain.DeliveryTask) *gorm.DB {
	tok := ""
	if task.ClaimToken != nil {
		tok = *task.ClaimToken
	}
	return db.Where("issue_id = ? AND subscriber_email = ? AND claim_token = ?", task.IssueID, task.SubscriberEmail, tok)
}

// CompleteDeliveryTask deletes a delivered task. ErrLeaseLost means the
// caller no longer held the claim.
func CompleteDeliveryTask(ctx context.Context, db *gorm.DB, task domain.DeliveryTask) error {
	res := fenced(db.WithContext(ctx), task).Delete(&domain.DeliveryTask{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ExtendDeliveryLease moves the lease of a claimed task to until.
// ErrLeaseLost means another claim has replaced the caller's.
func ExtendDeliveryLease(ctx context.Context, db *gorm.DB, task domain.DeliveryTask, until time.Time) error {
	res := fenced(db.WithContext(ctx).Model(&domain.DeliveryTask{}), task).
		Update("locked_until", until)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RescheduleDeliveryTask records a failed attempt, releases the lease and
// makes the task eligible again at next.
func RescheduleDeliveryTask(ctx context.Context, db *gorm.DB, task domain.DeliveryTask, attempts int, next time.Time, lastErr string) error {
	res := fenced(db.WithContext(ctx).Model(&domain.DeliveryTask{}), task).
		Updates(map[string]interface{}{
			"attempts":      attempts,
			"execute_after": next,
			"locked_until":  nil,
			"claim_token":   nil,
			"last_error":    lastErr,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetterDeliveryTask moves a claimed task into the dead-letter table in
// one transaction.
func DeadLetterDeliveryTask(ctx context.Context, db *gorm.DB, task domain.DeliveryTask, attempts int, reason, lastErr string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := fenced(tx, task).Delete(&domain.DeliveryTask{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		dl := &domain.DeadLetter{
			IssueID:         task.IssueID,
			SubscriberEmail: task.SubscriberEmail,
			Attempts:        attempts,
			Reason:          reason,
			LastError:       lastErr,
			FailedAt:        now,
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(dl).Error
	})
}

// CountDeadLetters returns the number of dead letters, optionally for one issue.
func CountDeadLetters(ctx context.Context, db *gorm.DB, issueID string) (int64, error) {
	var n int64
	q := db.WithContext(ctx).Model(&domain.DeadLetter{})
	if issueID != "" {
		q = q.Where("issue_id = ?", issueID)
	}
	err := q.Count(&n).Error
	return n, err
}

// ListDeadLettersPage returns dead letters newest first, optionally for one issue.
func ListDeadLettersPage(ctx context.Context, db *gorm.DB, issueID string, offset, limit int) ([]domain.DeadLetter, error) {
	var out []domain.DeadLetter
	q := db.WithContext(ctx)
	if issueID != "" {
		q = q.Where("issue_id = ?", issueID)
	}
	err := q.Order("failed_at DESC").
		Order("subscriber_email").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// RequeueDeadLetter moves a dead letter back into the queue with a fresh
// attempt budget. ErrNotFound when there is no such dead letter.
func RequeueDeadLetter(ctx context.Context, db *gorm.DB, issueID, email string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("issue_id = ? AND subscriber_email = ?", issueID, email).Delete(&domain.DeadLetter{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		task := &domain.DeliveryTask{
			IssueID:         issueID,
			SubscriberEmail: email,
			ExecuteAfter:    now,
			CreatedAt:       now,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(task).Error
	})
}
