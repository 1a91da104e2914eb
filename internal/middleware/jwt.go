package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jamaah/backend/internal/auth"
	"github.com/jamaah/backend/pkg/response"
)

const (
	// ContextUserID is the key for the verified user ID (string) in gin context.
	ContextUserID = "user_id"
	// ContextUserEmail is the key for user email in gin context.
	ContextUserEmail = "user_email"
)

// TokenVerifier resolves a bearer token to a user.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (auth.Identity, error)
}

// JWT returns a middleware that verifies the bearer token and sets the user in context.
func JWT(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		id, err := verifier.VerifyToken(c.Request.Context(), strings.TrimSpace(parts[1]))
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, id.UserID)
		c.Set(ContextUserEmail, id.Email)
		c.Next()
	}
}

// UserID returns the verified user ID set by JWT.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
