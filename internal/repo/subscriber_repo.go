// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for subscribers
// and their confirmation tokens.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// CreateSubscriber inserts a pending subscriber. ErrDuplicate is returned
// when the email is already registered.
func CreateSubscriber(ctx context.Context, db *gorm.DB, email, name string, now time.Time) (*domain.Subscriber, error) {
	s := &domain.Subscriber{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		Status:       domain.StatusPendingConfirmation,
		SubscribedAt: now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return s, nil
}

// GetSubscriberByEmail fetches a subscriber by email, or ErrNotFound.
func GetSubscriberByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.Subscriber, error) {
	var s domain.Subscriber
	err := db.WithContext(ctx).Where("email = ?", email).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// StoreSubscriptionToken associates token with subscriberID.
func StoreSubscriptionToken(ctx context.Context, db *gorm.DB, subscriberID, token string, now time.Time) error {
	return db.WithContext(ctx).Create(&domain.SubscriptionToken{
		Token:        token,
		SubscriberID: subscriberID,
		CreatedAt:    now,
	}).Error
}

// GetSubscriberIDByToken resolves a confirmation token, or ErrNotFound.
func GetSubscriberIDByToken(ctx context.Context, db *gorm.DB, token string) (string, error) {
	var tok domain.SubscriptionToken
	err := db.WithContext(ctx).Where("token = ?", token).First(&tok).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return tok.SubscriberID, nil
}

// ConfirmSubscriber marks a subscriber as confirmed. It is a no-op for an
// already confirmed subscriber and returns ErrNotFound for an unknown id.
func ConfirmSubscriber(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.Subscriber{}).
		Where("id = ?", id).
		Update("status", domain.StatusConfirmed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL reports unchanged rows as unaffected.
	var n int64
	if err := db.WithContext(ctx).Model(&domain.Subscriber{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountConfirmedSubscribers returns the size of the current audience.
func CountConfirmedSubscribers(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Subscriber{}).Where("status = ?", domain.StatusConfirmed).Count(&n).Error
	return n, err
}
