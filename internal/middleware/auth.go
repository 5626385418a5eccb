// internal/middleware/auth.go
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/shubra2641/liceinc-sub010/internal/models"
	"github.com/shubra2641/liceinc-sub010/internal/utils"
)

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// AuthRequired validates the admin JWT and loads its claims into the
// request context.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			utils.ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)
			c.Abort()
			return
		}

		claims, err := utils.ValidateJWT(token)
		if err != nil {
			utils.ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token", nil)
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// AdminRequired gates a route group on the admin role. Must run after
// AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("role")
		if !exists || role != string(models.UserRoleAdmin) {
			utils.ErrorResponse(c, http.StatusForbidden, "FORBIDDEN", "Admin access required", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// APITokenRequired authenticates machine callers (installers, periodic
// checks) with the shared verification API token. Comparison is constant
// time.
func APITokenRequired(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			// No token configured means the verification surface is open.
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			utils.ErrorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "Valid API token required", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
