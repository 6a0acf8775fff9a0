package middleware

import (
	"errors"
	"net/http"

	"pdf-vector-ingest/utils"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type AuthMiddleware struct {
	secret string
}

// NewAuthMiddleware validates bearer tokens signed with secret. An empty
// secret leaves the API open and every caller is treated as admin.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: secret}
}

func (a *AuthMiddleware) Enabled() bool {
	return a.secret != ""
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Set("role", utils.RoleAdmin)
			c.Next()
			return
		}

		tokenString := utils.ExtractTokenFromHeader(c.GetHeader("Authorization"))
		if tokenString == "" {
			utils.RespondWithUnauthorized(c, "Authentication token is required")
			return
		}

		claims, err := utils.ValidateJWT(tokenString, a.secret)
		if err != nil {
			code := "invalid_token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = "token_expired"
			}
			utils.RespondWithError(c, http.StatusUnauthorized, code, "Invalid or expired token", nil)
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)
		c.Set("claims", claims)
		c.Next()
	}
}

// GetRole returns the role set by RequireAuth.
func GetRole(c *gin.Context) string {
	return c.GetString("role")
}

func GetSubject(c *gin.Context) string {
	return c.GetString("subject")
}
