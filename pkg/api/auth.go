package api

import (
	"net"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// bearerToken extracts the session token from the request.
// Priority: Authorization: Bearer header > "token" query parameter (the
// query form exists for WebSocket clients that cannot set headers).
func bearerToken(c *echo.Context) string {
	header := c.Request().Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return c.QueryParam("token")
}

// clientIP extracts the originating client address for session binding.
// Priority: first X-Forwarded-For hop > X-Real-IP > socket peer address.
func clientIP(c *echo.Context) string {
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if real := c.Request().Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}

// userAgent returns the client user agent for session binding.
func userAgent(c *echo.Context) string {
	return c.Request().UserAgent()
}
