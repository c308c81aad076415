package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/services"
)

// appendEventHandler appends one event draft to the log on behalf of the
// authenticated agent.
func (s *Server) appendEventHandler(c *echo.Context) error {
	var req services.AppendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	event, err := s.events.Append(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), req)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &appendEventResponse{
		Sequence:     event.Sequence,
		EventID:      event.EventID,
		IntegrityTag: hex.EncodeToString(event.IntegrityTag),
	})
}

// queryEventsHandler reads a page of the log. Filters arrive as query
// parameters; event_types is comma separated.
func (s *Server) queryEventsHandler(c *echo.Context) error {
	filter := models.EventFilter{AggregateID: c.QueryParam("aggregate_id")}
	if raw := c.QueryParam("event_types"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			filter.EventTypes = append(filter.EventTypes, models.EventType(strings.TrimSpace(name)))
		}
	}

	var err error
	if filter.FromSequence, err = uintParam(c, "from_sequence"); err != nil {
		return err
	}
	if filter.ToSequence, err = uintParam(c, "to_sequence"); err != nil {
		return err
	}
	cursor, err := uintParam(c, "cursor")
	if err != nil {
		return err
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
	}

	page, err := s.events.Query(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), filter, cursor, limit)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// verifyIntegrityHandler re-verifies the HMAC chain over the whole log.
func (s *Server) verifyIntegrityHandler(c *echo.Context) error {
	through, err := s.events.VerifyIntegrity(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c))
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &integrityResponse{VerifiedThrough: through, Ok: true})
}

// uintParam parses an optional unsigned query parameter, zero when absent.
func uintParam(c *echo.Context, name string) (uint64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return v, nil
}
