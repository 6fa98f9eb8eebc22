// Operator authentication handlers.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// LoginRequest is the payload for POST /admin/login.
type LoginRequest struct {
	Username string `form:"username" json:"username" binding:"required" example:"admin"`
	Password string `form:"password" json:"password" binding:"required" example:"correct horse battery"`
}

// LoginResponse carries a bearer token for the admin endpoints.
type LoginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type" example:"Bearer"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChangePasswordRequest is the payload for POST /admin/password.
type ChangePasswordRequest struct {
	CurrentPassword string `form:"current_password" json:"current_password" binding:"required"`
	NewPassword     string `form:"new_password"     json:"new_password"     binding:"required"`
	// NewPasswordCheck must repeat NewPassword.
	NewPasswordCheck string `form:"new_password_check" json:"new_password_check" binding:"required"`
}

// Login godoc
// @ID          login
// @Summary     Log in as an operator
// @Tags        Auth
// @Accept      json
// @Accept      x-www-form-urlencoded
// @Produce     json
//
// @Param       body  body  handlers.LoginRequest  true  "Credentials"
//
// @Success     200  {object}  handlers.LoginResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid credentials"
// @Router      /admin/login [post]
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "username and password required")
		return
	}
	token, exp, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, LoginResponse{Token: token, TokenType: "Bearer", ExpiresAt: exp})
}

// ChangePassword godoc
// @ID          changePassword
// @Summary     Change the operator's password
// @Tags        Auth
// @Accept      json
// @Accept      x-www-form-urlencoded
// @Security    BearerAuth
//
// @Param       body  body  handlers.ChangePasswordRequest  true  "Passwords"
//
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Current password is wrong"
// @Router      /admin/password [post]
func (h *Handlers) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "current_password, new_password and new_password_check required")
		return
	}
	if req.NewPassword != req.NewPasswordCheck {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "new passwords do not match")
		return
	}
	if err := h.authSvc.ChangePassword(c.Request.Context(), userID(c), req.CurrentPassword, req.NewPassword); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
