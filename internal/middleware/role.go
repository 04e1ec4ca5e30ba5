package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-voice/callbridge/internal/auth"
	"github.com/aura-voice/callbridge/pkg/response"
)

// RequireRole admits operators whose role grants at least minimum. An admin
// token passes every viewer route; tokens with an unknown role pass none.
// Must run after JWT.
func RequireRole(minimum string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(ContextOperatorRole)
		if role == "" {
			response.Unauthorized(c, "missing operator context")
			c.Abort()
			return
		}
		if !auth.Grants(role, minimum) {
			response.Forbidden(c, "role "+role+" cannot access this endpoint")
			c.Abort()
			return
		}
		c.Next()
	}
}
