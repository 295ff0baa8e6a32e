// README: Identity middleware; trusts the upstream-verified caller headers.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"oasis/internal/types"
)

const (
	headerUserID   = "X-User-Id"
	headerUserType = "X-User-Type"

	ctxUID  = "caller_uid"
	ctxRole = "caller_role"
)

// Identity extracts the already-verified caller from gateway headers. No
// credential checking happens here; the edge proxy owns that.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader(headerUserID)
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
			return
		}
		c.Set(ctxUID, uid)
		c.Set(ctxRole, c.GetHeader(headerUserType))
		c.Next()
	}
}

// RequireRole gates a route group to one caller role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

func CallerUID(c *gin.Context) types.ID {
	return types.ID(c.GetString(ctxUID))
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}
