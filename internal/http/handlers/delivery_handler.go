// Delivery queue administration handlers.
//
//   - GET  /admin/dead-letters                      (list, paginated, optional issue_id filter)
//   - POST /admin/dead-letters/{issue_id}/requeue   (move one back to the queue)
//   - GET  /admin/queue                             (queue statistics)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// ListDeadLettersResponse wraps a page of dead letters.
type ListDeadLettersResponse struct {
	DeadLetters []domain.DeadLetter `json:"dead_letters"`
	Pagination  Pagination          `json:"pagination"`
}

// ListDeadLetters godoc
// @ID          listDeadLetters
// @Summary     List dead-lettered deliveries
// @Tags        Delivery
// @Produce     json
// @Security    BearerAuth
//
// @Param       issue_id   query  string  false "Restrict to one issue"  format(uuid)
// @Param       page       query  int     false "Page number"            minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"         minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListDeadLettersResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Router      /admin/dead-letters [get]
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	issueID := c.Query("issue_id")
	if issueID != "" {
		if _, err := uuid.Parse(issueID); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "issue_id must be a UUID")
			return
		}
	}
	page, pageSize := clampPagination(c)
	items, total, err := h.deliverySvc.DeadLetters(c.Request.Context(), issueID, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListDeadLettersResponse{
		DeadLetters: items,
		Pagination:  newPagination(page, pageSize, total),
	})
}

// RequeueDeadLetter godoc
// @ID          requeueDeadLetter
// @Summary     Requeue a dead-lettered delivery
// @Description Moves the dead letter back into the delivery queue with its attempt count reset.
// @Tags        Delivery
// @Security    BearerAuth
//
// @Param       issue_id  path   string  true  "Issue ID (UUID)"  format(uuid)
// @Param       email     query  string  true  "Subscriber email"
//
// @Success     204  {string}  string "No Content"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse "Dead letter not found"
// @Router      /admin/dead-letters/{issue_id}/requeue [post]
func (h *Handlers) RequeueDeadLetter(c *gin.Context) {
	issueID := c.Param("issue_id")
	if _, err := uuid.Parse(issueID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "issue id must be a UUID")
		return
	}
	if err := h.deliverySvc.Requeue(c.Request.Context(), issueID, c.Query("email")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// QueueStats godoc
// @ID          queueStats
// @Summary     Delivery queue statistics
// @Tags        Delivery
// @Produce     json
// @Security    BearerAuth
//
// @Param       issue_id  query  string  false "Restrict to one issue"  format(uuid)
//
// @Success     200  {object}  repo.QueueStats
// @Router      /admin/queue [get]
func (h *Handlers) QueueStats(c *gin.Context) {
	issueID := c.Query("issue_id")
	if issueID != "" {
		if _, err := uuid.Parse(issueID); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "issue_id must be a UUID")
			return
		}
	}
	st, err := h.deliverySvc.Stats(c.Request.Context(), issueID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}
