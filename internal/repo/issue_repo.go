// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for newsletter
// issues.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// A missing row surfaces as ErrNotFound; other driver errors pass through.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// CreateIssue inserts an issue with a fresh UUID and the given publish time.
func CreateIssue(ctx context.Context, db *gorm.DB, title, text, html string, publishedAt time.Time) (*domain.Issue, error) {
	is := &domain.Issue{
		ID:          uuid.NewString(),
		Title:       title,
		TextContent: text,
		HTMLContent: html,
		PublishedAt: publishedAt,
	}
	if err := db.WithContext(ctx).Create(is).Error; err != nil {
		return nil, err
	}
	return is, nil
}

// GetIssue fetches an issue by id, or ErrNotFound.
func GetIssue(ctx context.Context, db *gorm.DB, id string) (*domain.Issue, error) {
	var is domain.Issue
	err := db.WithContext(ctx).Where("id = ?", id).First(&is).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &is, nil
}

// CountIssues returns the number of published issues.
func CountIssues(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Issue{}).Count(&n).Error
	return n, err
}

// ListIssuesPage returns issues newest first.
func ListIssuesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Issue, error) {
	var out []domain.Issue
	err := db.WithContext(ctx).
		Order("published_at DESC").
		Order("id").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
