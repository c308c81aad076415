package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/lighthouse-hq/lighthouse/pkg/services"
)

// expertChallengeHandler starts the registration handshake: the expert asks
// for a nonce to HMAC with its provisioned secret.
func (s *Server) expertChallengeHandler(c *echo.Context) error {
	var req expertChallengeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	nonce, err := s.experts.Challenge(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), req.ExpertID)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &challengeResponse{ExpertID: req.ExpertID, Nonce: nonce})
}

// registerExpertHandler completes the handshake and activates the expert.
func (s *Server) registerExpertHandler(c *echo.Context) error {
	var req services.RegisterExpertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	expert, err := s.experts.Register(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), req)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, expert)
}

// delegateHandler asks the coordinator for an expert consensus on a command.
func (s *Server) delegateHandler(c *echo.Context) error {
	var req delegateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Command.Kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "command.kind is required")
	}

	budget := time.Duration(req.BudgetMs) * time.Millisecond
	result, err := s.experts.Delegate(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), &req.Command, req.Capabilities, budget)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// quarantineExpertHandler pulls an expert out of selection. Requires
// system.admin.
func (s *Server) quarantineExpertHandler(c *echo.Context) error {
	expertID := c.Param("id")
	if expertID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "expert id is required")
	}
	var req quarantineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.experts.Quarantine(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), expertID, req.Reason); err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &ackResponse{Status: "quarantined"})
}
