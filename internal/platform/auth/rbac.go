package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/healthshare/healthshare/internal/platform/apperr"
)

// RequireRole rejects requests whose principal holds none of roles.
// Unlike the access controller it does not treat admin as a wildcard.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFromContext(c.Request().Context())
			if !ok {
				return apperr.ErrUnauthenticated
			}
			for _, r := range roles {
				if p.Role == r {
					return next(c)
				}
			}
			names := make([]string, len(roles))
			for i, r := range roles {
				names[i] = r.String()
			}
			return apperr.Newf(apperr.CodeForbidden, "required role: %s", strings.Join(names, " or "))
		}
	}
}

// CurrentPrincipal returns the authenticated principal of the request.
func CurrentPrincipal(c echo.Context) (Principal, error) {
	p, ok := PrincipalFromContext(c.Request().Context())
	if !ok {
		return Principal{}, apperr.ErrUnauthenticated
	}
	return p, nil
}
