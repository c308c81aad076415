package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/lighthouse-hq/lighthouse/pkg/config"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// corsMiddleware restricts cross-origin access to the configured allow-list
// and answers preflight requests. The credentialed-wildcard combination is
// rejected by config validation before the server is built.
func corsMiddleware(cfg config.CORSConfig) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(cfg.AllowOrigins))
	wildcard := false
	for _, origin := range cfg.AllowOrigins {
		if origin == "*" {
			wildcard = true
			continue
		}
		allowed[strings.ToLower(origin)] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Add("Vary", "Origin")

			origin := c.Request().Header.Get("Origin")
			permitted := origin != "" && (wildcard || allowed[strings.ToLower(origin)])
			if permitted {
				if wildcard && !cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
				}
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if c.Request().Method == http.MethodOptions {
				if permitted {
					h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					h.Set("Access-Control-Max-Age", "300")
				}
				c.Response().WriteHeader(http.StatusNoContent)
				return nil
			}
			return next(c)
		}
	}
}

// requireBearer rejects requests that carry no session token at all. Token
// validation itself happens in the service layer, which also checks the
// session binding against the caller's address and user agent.
func requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if bearerToken(c) == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
		}
		return next(c)
	}
}
