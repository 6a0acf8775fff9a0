package middleware

import (
	"net/http"
	"slices"

	"pdf-vector-ingest/utils"

	"github.com/gin-gonic/gin"
)

// RequireRole rejects callers whose role is not in allowedRoles. It must run
// after RequireAuth.
func RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		if role == "" {
			utils.RespondWithUnauthorized(c, "User role not found")
			return
		}
		if !slices.Contains(allowedRoles, role) {
			utils.RespondWithError(c, http.StatusForbidden, "forbidden", "Insufficient permissions", gin.H{
				"required_roles": allowedRoles,
				"user_role":      role,
			})
			return
		}
		c.Next()
	}
}

func AdminGuard() gin.HandlerFunc {
	return RequireRole(utils.RoleAdmin)
}

func ReaderGuard() gin.HandlerFunc {
	return RequireRole(utils.RoleReader, utils.RoleAdmin)
}

func IsAdmin(c *gin.Context) bool {
	return GetRole(c) == utils.RoleAdmin
}
