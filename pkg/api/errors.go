package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// statusByKind maps the canonical service sentinels to HTTP statuses and
// fixed response phrases. Fixed phrases keep tokens, credentials, and event
// payloads out of responses.
var statusByKind = []struct {
	err     error
	status  int
	message string
}{
	{models.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{models.ErrInvalidToken, http.StatusUnauthorized, "invalid token"},
	{models.ErrBoundMismatch, http.StatusUnauthorized, "session binding mismatch"},
	{models.ErrPermissionDenied, http.StatusForbidden, "permission denied"},
	{models.ErrScopeViolation, http.StatusForbidden, "scope violation"},
	{models.ErrRateLimited, http.StatusTooManyRequests, "rate limited"},
	{models.ErrNotFound, http.StatusNotFound, "resource not found"},
	{models.ErrConflict, http.StatusConflict, "conflict with existing log state"},
	{models.ErrSchemaInvalid, http.StatusBadRequest, "schema invalid"},
	{models.ErrIntegrityViolation, http.StatusInternalServerError, "integrity violation"},
	{models.ErrCircuitOpen, http.StatusServiceUnavailable, "escalation circuit open"},
	{models.ErrLagging, http.StatusServiceUnavailable, "subscriber lagging"},
	{models.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
	{models.ErrIO, http.StatusInternalServerError, "storage error"},
}

// mapServiceError maps service-layer errors to HTTP error responses.
// Validation errors carry their field message; everything else answers with
// the fixed phrase for its kind.
func (s *Server) mapServiceError(err error) *echo.HTTPError {
	var validErr *models.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, s.redactor.Redact(validErr.Error()))
	}
	for _, k := range statusByKind {
		if errors.Is(err, k.err) {
			return echo.NewHTTPError(k.status, k.message)
		}
	}

	// Unexpected error
	s.logger.Error("unexpected service error", "error", s.redactor.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
