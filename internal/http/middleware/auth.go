package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ctxKeyUserID is where RequireOperator stores the authenticated operator id.
const ctxKeyUserID = "userID"

// TokenVerifier checks a bearer token and returns the operator id it names.
type TokenVerifier func(token string) (userID string, err error)

// RequireOperator rejects requests without a valid "Authorization: Bearer"
// token and stores the operator id in the Gin context under "userID".
func RequireOperator(verify TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			abortUnauthorized(c, "authorization header missing")
			return
		}
		uid, err := verify(token)
		if err != nil || uid == "" {
			abortUnauthorized(c, "invalid access token")
			return
		}
		c.Set(ctxKeyUserID, uid)
		c.Next()
	}
}

func bearerToken(h string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(h), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="admin"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "unauthorized",
		"message":    msg,
	})
}
