// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the
// delivery queue used by the admin endpoints and the worker's gauges.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// QueueStats summarizes the delivery queue at a point in time.
type QueueStats struct {
	Pending        int64      `json:"pending"`
	InFlight       int64      `json:"in_flight"`
	DeadLetters    int64      `json:"dead_letters"`
	OldestEligible *time.Time `json:"oldest_eligible,omitempty"`

	// Audience is the number of confirmed subscribers, i.e. the tasks a
	// publish would enqueue right now. Zero when stats are per issue.
	Audience int64 `json:"audience"`
}

// DeliveryQueueStats counts pending, in-flight and dead-lettered tasks,
// optionally restricted to one issue. A task is in flight while its lease is
// live at now.
func DeliveryQueueStats(ctx context.Context, db *gorm.DB, issueID string, now time.Time) (QueueStats, error) {
	var st QueueStats
	base := func() *gorm.DB {
		q := db.WithContext(ctx).Model(&domain.DeliveryTask{})
		if issueID != "" {
			q = q.Where("issue_id = ?", issueID)
		}
		return q
	}

	if err := base().Where("locked_until IS NOT NULL AND locked_until > ?", now).Count(&st.InFlight).Error; err != nil {
		return st, err
	}
	if err := base().Where("locked_until IS NULL OR locked_until <= ?", now).Count(&st.Pending).Error; err != nil {
		return st, err
	}
	n, err := CountDeadLetters(ctx, db, issueID)
	if err != nil {
		return st, err
	}
	st.DeadLetters = n

	if st.Pending == 0 {
		return st, nil
	}
	// Read the earliest execute_after (avoid MIN() -> TEXT in SQLite)
	var row struct {
		ExecuteAfter time.Time
	}
	if err := base().Where("locked_until IS NULL OR locked_until <= ?", now).
		Select("execute_after").Order("execute_after ASC").Limit(1).Scan(&row).Error; err != nil {
		return st, err
	}
	st.OldestEligible = &row.ExecuteAfter
	return st, nil
}

// PendingTaskCounts returns the number of queued tasks per issue for ids.
func PendingTaskCounts(ctx context.Context, db *gorm.DB, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		IssueID string
		N       int64
	}
	err := db.WithContext(ctx).Model(&domain.DeliveryTask{}).
		Select("issue_id, COUNT(*) AS n").
		Where("issue_id IN ?", ids).
		Group("issue_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.IssueID] = r.N
	}
	return out, nil
}
