package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// createSessionHandler opens a session for an agent credential. This is the
// login endpoint and therefore takes no bearer token.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}
	if req.Credential == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "credential is required")
	}

	token, sess, err := s.sessions.Create(c.Request().Context(), req.AgentID, req.Credential, clientIP(c), userAgent(c))
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &sessionResponse{Token: token, Session: sess})
}

// currentSessionHandler validates the presented token and returns the
// identity and session bound to it.
func (s *Server) currentSessionHandler(c *echo.Context) error {
	identity, sess, err := s.sessions.Current(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c))
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &sessionResponse{Identity: identity, Session: sess})
}

// revokeSessionHandler revokes the presented token. Revocation does not
// check the session binding, so a stolen token can always be killed by
// whoever holds it.
func (s *Server) revokeSessionHandler(c *echo.Context) error {
	if err := s.sessions.Revoke(c.Request().Context(), bearerToken(c), ""); err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &revokeResponse{Revoked: 1})
}

// revokeAgentSessionsHandler revokes every live session of the named agent.
// Requires system.admin.
func (s *Server) revokeAgentSessionsHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	count, err := s.sessions.RevokeAgent(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), agentID)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &revokeResponse{Revoked: count})
}
