package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/lighthouse-hq/lighthouse/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. The response is minimal and safe for
// unauthenticated access: component statuses, the head sequence, and the
// build version, never log content. The store is the only component that
// can take the whole process down, so the overall status is its status.
func (s *Server) healthHandler(c *echo.Context) error {
	store := s.storeHealth()

	checks := map[string]healthCheck{"store": store}
	if s.connManager != nil {
		checks["event_stream"] = healthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if store.Status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &healthResponse{
		Status:  store.Status,
		Version: version.GitCommit(),
		Head:    s.store.Head(),
		Checks:  checks,
	})
}

// storeHealth grades the event store: failed commits are unhealthy, a log
// whose torn tail was truncated at recovery serves but reports degraded.
func (s *Server) storeHealth() healthCheck {
	if err := s.store.Health(); err != nil {
		return healthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	}
	if s.store.Recovery().Truncated {
		return healthCheck{Status: healthStatusDegraded, Message: "log tail truncated at recovery"}
	}
	return healthCheck{Status: healthStatusHealthy}
}
