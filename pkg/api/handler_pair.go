package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// requestPairHandler opens a pair session request on behalf of a builder.
func (s *Server) requestPairHandler(c *echo.Context) error {
	var req requestPairRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	}

	pairID, err := s.pairs.Request(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), req.Task, req.Capabilities)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &pairCreatedResponse{PairID: pairID})
}

// getPairHandler returns the folded thread of one pair session.
func (s *Server) getPairHandler(c *echo.Context) error {
	pairID := c.Param("id")
	if pairID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pair id is required")
	}

	thread, err := s.pairs.Get(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), pairID)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, thread)
}

// acceptPairHandler joins the calling expert to a requested pair session.
func (s *Server) acceptPairHandler(c *echo.Context) error {
	pairID := c.Param("id")
	if pairID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pair id is required")
	}

	if err := s.pairs.Accept(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), pairID); err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &ackResponse{Status: "accepted"})
}

// pairSuggestionHandler records a code suggestion in an active pair session.
func (s *Server) pairSuggestionHandler(c *echo.Context) error {
	pairID := c.Param("id")
	if pairID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pair id is required")
	}
	var req pairSuggestionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	if err := s.pairs.Suggest(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), pairID, req.Line, req.Text); err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &ackResponse{Status: "recorded"})
}

// pairCommentHandler records a discussion message in an active pair session.
func (s *Server) pairCommentHandler(c *echo.Context) error {
	pairID := c.Param("id")
	if pairID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pair id is required")
	}
	var req pairCommentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	if err := s.pairs.Comment(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), pairID, req.Text); err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &ackResponse{Status: "recorded"})
}

// closePairHandler ends a pair session from either side.
func (s *Server) closePairHandler(c *echo.Context) error {
	pairID := c.Param("id")
	if pairID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pair id is required")
	}
	var req closePairRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.pairs.Close(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), pairID, req.Reason); err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &ackResponse{Status: "closed"})
}
