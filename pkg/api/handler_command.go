package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// validateCommandHandler runs a proposed command through the speed layer
// and returns the verdict. Validation appends nothing to the log.
func (s *Server) validateCommandHandler(c *echo.Context) error {
	var cmd models.Command
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if cmd.Kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "kind is required")
	}

	result, err := s.commands.Validate(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), &cmd)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}
