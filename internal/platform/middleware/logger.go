package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthshare/healthshare/internal/platform/auth"
)

// Logger writes one structured line per request. Paths carrying a share
// token are logged by route pattern so the token never reaches the logs.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)
			if err != nil {
				// Let the error handler write the response so status is final.
				c.Error(err)
			}

			evt := logger.Info()
			status := c.Response().Status
			if status >= 500 {
				evt = logger.Error().Err(err)
			} else if status >= 400 {
				evt = logger.Warn()
			}

			path := req.URL.Path
			if c.Param("token") != "" {
				path = c.Path()
			}

			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())
			if p, ok := auth.PrincipalFromContext(req.Context()); ok {
				evt = evt.Str("principal_id", p.ID).Str("role", p.Role.String())
			}
			evt.Msg("request")

			return nil
		}
	}
}
