package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are routes that authenticate by other means or not at all.
// Share validation and access present the capability token itself.
var publicPaths = map[string]bool{
	"/health":                     true,
	"/health/db":                  true,
	"/api/v1/share/validate":      true,
	"/api/v1/share/access/:token": true,
}

// AuthSkipper reports whether the matched route bypasses session auth.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is a public route pattern.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
