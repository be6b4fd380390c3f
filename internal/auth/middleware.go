package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/KevinKickass/MachineConnect/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	subjectKey     = "subject"
)

// AuthMiddleware requires a valid operator bearer token
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "invalid authorization header format", nil))
			return
		}

		claims, permissions, err := a.ValidateAccessToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeUnauthorized, "invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, permissions)
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

// RequirePermission checks if the caller has the required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(permissionsKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.CodeForbidden, "no permissions found", nil))
			return
		}

		permissions, _ := perms.([]Permission)
		if !slices.Contains(permissions, required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.CodeForbidden, "insufficient permissions", map[string]interface{}{
					"required": string(required),
				}))
			return
		}

		c.Next()
	}
}

// Subject returns the operator that made the request.
func Subject(c *gin.Context) string {
	return c.GetString(subjectKey)
}
