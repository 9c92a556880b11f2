package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/coachcall/pkg/response"
)

// Role returns the authenticated role set by JWT, or "" when the request is unauthenticated.
func Role(c *gin.Context) string {
	return c.GetString(ContextUserRole)
}

// RequireRole allows only the given roles. It must run after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextUserID); !ok {
			response.Unauthorized(c, "missing user context")
			return
		}
		if !allowed[Role(c)] {
			response.Forbidden(c, "insufficient permissions")
			return
		}
		c.Next()
	}
}
