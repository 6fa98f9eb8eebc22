// Issue HTTP handlers.
//
//   - POST /admin/issues          (publish, idempotent)
//   - GET  /admin/issues          (list, paginated)
//   - GET  /admin/issues/{id}     (fetch one)
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

// PublishIssueRequest is the form or JSON payload for publishing an issue.
// The idempotency key may come from the Idempotency-Key header instead.
type PublishIssueRequest struct {
	Title          string `form:"title"           json:"title"           example:"October digest"`
	TextContent    string `form:"text_content"    json:"text_content"    example:"Hello readers..."`
	HTMLContent    string `form:"html_content"    json:"html_content"    example:"<p>Hello readers...</p>"`
	IdempotencyKey string `form:"idempotency_key" json:"idempotency_key" example:"4f1c1a0e-digest-2025-10"`
}

// PublishIssueResponse is the body stored and replayed for a publish.
type PublishIssueResponse struct {
	IssueID  string `json:"issue_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	Enqueued int64  `json:"enqueued" example:"1250"`
}

// ListIssuesResponse wraps a page of issues and pagination information.
type ListIssuesResponse struct {
	Issues     []services.IssueSummary `json:"issues"`
	Pagination Pagination              `json:"pagination"`
}

// PublishIssue godoc
// @ID          publishIssue
// @Summary     Publish a newsletter issue
// @Description Stores the issue and queues one delivery per confirmed subscriber. Retries with the same idempotency key return the first response unchanged, marked with Idempotency-Replayed.
// @Tags        Issues
// @Accept      json
// @Accept      x-www-form-urlencoded
// @Produce     json
// @Security    BearerAuth
//
// @Param       Idempotency-Key  header  string  false "Idempotency key (1-50 bytes); may be sent as idempotency_key in the body instead"
// @Param       body             body    handlers.PublishIssueRequest  true  "Issue content"
//
// @Success     201  {object}  handlers.PublishIssueResponse
// @Header      201  {string}  Location              "Issue resource"
// @Header      201  {string}  Idempotency-Replayed  "true when served from the idempotency store"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/issues [post]
func (h *Handlers) PublishIssue(c *gin.Context) {
	var req PublishIssueRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	key, fromHeader := middleware.GetIdempotencyKey(c)
	if !fromHeader {
		key = req.IdempotencyKey
	}

	location := strings.TrimSuffix(c.Request.URL.Path, "/")
	build := func(r services.PublishResult) (services.SavedResponse, error) {
		body, err := json.Marshal(PublishIssueResponse{IssueID: r.IssueID, Enqueued: r.Enqueued})
		if err != nil {
			return services.SavedResponse{}, err
		}
		return services.SavedResponse{
			StatusCode: http.StatusCreated,
			Headers: []domain.HeaderPair{
				{Name: "Content-Type", Value: []byte("application/json; charset=utf-8")},
				{Name: "Location", Value: []byte(location + "/" + r.IssueID)},
			},
			Body: body,
		}, nil
	}

	resp, replayed, err := h.issueSvc.PublishIdempotent(c.Request.Context(), userID(c), key, services.IssueDraft{
		Title: req.Title,
		Text:  req.TextContent,
		HTML:  req.HTMLContent,
	}, build)
	if err != nil {
		failErr(c, err)
		return
	}
	if replayed {
		middleware.LoggerFrom(c).Info().Msg("idempotent replay served")
	}
	writeSaved(c, resp, replayed)
}

// ListIssues godoc
// @ID          listIssues
// @Summary     List issues (paginated)
// @Description Returns published issues, newest first, with the number of deliveries still queued.
// @Tags        Issues
// @Produce     json
// @Security    BearerAuth
//
// @Param       page       query  int  false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListIssuesResponse
// @Failure     401  {object}  handlers.ErrorResponse "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /admin/issues [get]
func (h *Handlers) ListIssues(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.issueSvc.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListIssuesResponse{
		Issues:     items,
		Pagination: newPagination(page, pageSize, total),
	})
}

// GetIssue godoc
// @ID          getIssue
// @Summary     Fetch an issue
// @Tags        Issues
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Issue ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.Issue
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse "Issue not found"
// @Router      /admin/issues/{id} [get]
func (h *Handlers) GetIssue(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "issue id must be a UUID")
		return
	}
	is, err := h.issueSvc.Get(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, is)
}
