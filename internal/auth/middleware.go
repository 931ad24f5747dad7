package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding the verified *Claims.
const ClaimsKey = "auth_claims"

// GinAuth rejects requests without a valid bearer token. Read-scoped tokens
// are limited to GET and HEAD. A nil service disables authentication.
func GinAuth(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abort(c, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := s.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.Scope != ScopeAdmin && c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			abort(c, http.StatusForbidden, "token scope does not allow changes")
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "kind": "unauthorized"})
}
