// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model: the insert-if-absent claim, the response write, lookups, and the
// maintenance deletes used by the sweeper.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// InsertIdempotencyIfAbsent inserts a bare (user_id, key) record and reports
// whether this call created it. A conflicting row is left untouched. When the
// conflicting row belongs to an uncommitted transaction, PostgreSQL and MySQL
// block here until that transaction ends.
func InsertIdempotencyIfAbsent(ctx context.Context, db *gorm.DB, userID, key string, now time.Time) (bool, error) {
	rec := &domain.Idempotency{
		UserID:    userID,
		Key:       key,
		CreatedAt: now,
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetIdempotency returns the record for (userID, key) or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, key string) (*domain.Idempotency, error) {
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveIdempotencyResponse attaches the response to a claimed record. Only a
// record without a response is updated; ErrNotFound means there was none.
func SaveIdempotencyResponse(ctx context.Context, db *gorm.DB, userID, key string, status int, headers []domain.HeaderPair, body []byte) error {
	if headers == nil {
		headers = []domain.HeaderPair{}
	}
	if body == nil {
		body = []byte{}
	}
	res := db.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("user_id = ? AND idempotency_key = ? AND response_status_code IS NULL", userID, key).
		Select("response_status_code", "response_headers", "response_body").
		Updates(&domain.Idempotency{
			ResponseStatusCode: &status,
			ResponseHeaders:    headers,
			ResponseBody:       body,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStaleIdempotency removes records that never received a response and
// were created before cutoff. It returns the number of rows removed.
func DeleteStaleIdempotency(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("response_status_code IS NULL AND created_at < ?", cutoff).
		Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

// DeleteCompletedIdempotency removes completed records created before cutoff.
func DeleteCompletedIdempotency(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("response_status_code IS NOT NULL AND created_at < ?", cutoff).
		Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
