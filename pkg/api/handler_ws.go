package api

import (
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/lighthouse-hq/lighthouse/pkg/events"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// wsHandler authenticates the caller, upgrades to WebSocket, and hands the
// connection to the ConnectionManager. Browser clients cannot set an
// Authorization header on a WebSocket dial, so the token may also arrive as
// the "token" query parameter.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream not available")
	}

	identity, _, err := s.sessions.Current(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c))
	if err != nil {
		return s.mapServiceError(err)
	}
	viewer := events.Viewer{
		AgentID: identity.AgentID,
		Admin:   identity.Role == models.RoleSystemAdmin,
	}

	patterns, wildcard := originPatterns(s.cors.AllowOrigins)
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns:     patterns,
		InsecureSkipVerify: wildcard,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn, viewer)
	return nil
}

// originPatterns converts the CORS origin allow-list into the host patterns
// the WebSocket accept check matches against. An empty list keeps the
// upgrade same-origin only.
func originPatterns(origins []string) (patterns []string, wildcard bool) {
	for _, origin := range origins {
		if origin == "*" {
			return nil, true
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns, false
}
