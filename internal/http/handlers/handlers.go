// Package handlers exposes the REST endpoints of the newsletter backend.
//
// Handlers are transport-thin: they bind input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"math"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/services"
	"github.com/tbourn/go-newsletter-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// IssueService publishes and lists newsletter issues.
type IssueService interface {
	// PublishIdempotent publishes d once per (userID, key) and returns the
	// response to send, replayed=true when it comes from the store.
	PublishIdempotent(ctx context.Context, userID, key string, d services.IssueDraft, build services.ResponseBuilder) (services.SavedResponse, bool, error)
	// ListPage returns a page of issues, newest first, and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]services.IssueSummary, int64, error)
	// Get returns one issue.
	Get(ctx context.Context, id string) (*domain.Issue, error)
}

// SubscriptionService registers and confirms subscribers.
type SubscriptionService interface {
	Subscribe(ctx context.Context, name, email string) error
	Confirm(ctx context.Context, token string) error
}

// AuthService authenticates operators.
type AuthService interface {
	Login(ctx context.Context, username, password string) (string, time.Time, error)
	ChangePassword(ctx context.Context, userID, current, next string) error
}

// DeliveryService exposes dead letters and queue statistics.
type DeliveryService interface {
	DeadLetters(ctx context.Context, issueID string, page, pageSize int) ([]domain.DeadLetter, int64, error)
	Requeue(ctx context.Context, issueID, email string) error
	Stats(ctx context.Context, issueID string) (repo.QueueStats, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints. It depends on abstract service
// interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	issueSvc    IssueService
	subSvc      SubscriptionService
	authSvc     AuthService
	deliverySvc DeliveryService
}

// New constructs a Handlers instance bound to the given services.
func New(issueSvc IssueService, subSvc SubscriptionService, authSvc AuthService, deliverySvc DeliveryService) *Handlers {
	return &Handlers{issueSvc: issueSvc, subSvc: subSvc, authSvc: authSvc, deliverySvc: deliverySvc}
}

// userID returns the operator id stashed by middleware.RequireOperator, or
// "" on routes without authentication.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.Clamp(utils.AtoiDefault(c.Query("page"), defaultPage), 1, math.MaxInt32)
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}
