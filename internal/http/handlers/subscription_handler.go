// Subscription HTTP handlers.
//
//   - POST /subscriptions          (register, sends a confirmation email)
//   - GET  /subscriptions/confirm  (redeem the emailed token)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SubscribeRequest is the form or JSON payload for subscribing.
type SubscribeRequest struct {
	Name  string `form:"name"  json:"name"  example:"Ursula Le Guin"`
	Email string `form:"email" json:"email" example:"ursula@example.com"`
}

// Subscribe godoc
// @ID          subscribe
// @Summary     Subscribe to the newsletter
// @Description Registers a pending subscriber and emails a confirmation link. Subscribing an already confirmed address is a no-op.
// @Tags        Subscriptions
// @Accept      x-www-form-urlencoded
// @Accept      json
//
// @Param       body  body  handlers.SubscribeRequest  true  "Subscriber"
//
// @Success     200  {string}  string  "OK"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid name or email"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /subscriptions [post]
func (h *Handlers) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if err := h.subSvc.Subscribe(c.Request.Context(), req.Name, req.Email); err != nil {
		failErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// ConfirmSubscription godoc
// @ID          confirmSubscription
// @Summary     Confirm a subscription
// @Tags        Subscriptions
//
// @Param       subscription_token  query  string  true  "Token from the confirmation email"
//
// @Success     200  {string}  string  "OK"
// @Failure     400  {object}  handlers.ErrorResponse  "Missing token"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown token"
// @Router      /subscriptions/confirm [get]
func (h *Handlers) ConfirmSubscription(c *gin.Context) {
	if err := h.subSvc.Confirm(c.Request.Context(), c.Query("subscription_token")); err != nil {
		failErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}
