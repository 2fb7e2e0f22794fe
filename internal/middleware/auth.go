package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/marianozunino/opshub/internal/apperr"
	"github.com/marianozunino/opshub/internal/auth"
)

// ClaimsKey is the echo context key holding verified admin claims.
const ClaimsKey = "admin_claims"

// AdminAuth requires a bearer token signed with secret and carrying the
// admin role. When disabled every request passes.
func AdminAuth(secret string, enabled bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !enabled {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				return apperr.Unauthorized("Missing bearer token")
			}

			claims, err := auth.ParseToken(secret, strings.TrimSpace(token))
			if err != nil {
				return apperr.Unauthorized("Invalid or expired token")
			}
			if claims.Role != auth.RoleAdmin {
				return apperr.Forbidden("Admin role required")
			}

			c.Set(ClaimsKey, claims)
			return next(c)
		}
	}
}

// UserID returns the subject of verified admin claims, or "" when absent.
func UserID(c echo.Context) string {
	if claims, ok := c.Get(ClaimsKey).(*auth.Claims); ok {
		return claims.Subject
	}
	return ""
}
