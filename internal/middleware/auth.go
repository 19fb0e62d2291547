package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/kavenhq/kaven/internal/tokens"
)

type claimsKey struct{}

// ClaimsFromContext returns the verified access claims of the request, if
// the request passed RequireAuth.
func ClaimsFromContext(ctx context.Context) (*tokens.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*tokens.AccessClaims)
	return claims, ok
}

type BearerAuth struct {
	Issuer *tokens.Issuer
}

func NewBearerAuth(issuer *tokens.Issuer) *BearerAuth {
	return &BearerAuth{Issuer: issuer}
}

// RequireAuth verifies the Authorization header and threads the claims into
// the request context. Handlers behind it can rely on a verified tenant and
// user identity being present.
func (m *BearerAuth) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return echo.NewHTTPError(http.StatusUnauthorized, "UNAUTHORIZED")
		}

		claims, err := m.Issuer.VerifyAccess(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil || claims == nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "UNAUTHORIZED")
		}

		ctx := context.WithValue(c.Request().Context(), claimsKey{}, claims)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
