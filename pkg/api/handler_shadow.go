package api

import (
	"encoding/hex"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/lighthouse-hq/lighthouse/pkg/projection"
)

// shadowSearchHandler searches the current shadow tree by path predicate.
func (s *Server) shadowSearchHandler(c *echo.Context) error {
	query := projection.Query{
		PathGlob:      c.QueryParam("path_glob"),
		PathContains:  c.QueryParam("path_contains"),
		Extension:     c.QueryParam("extension"),
		AnnotatedOnly: c.QueryParam("annotated_only") == "true",
	}

	page, err := s.shadow.Search(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), query)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// annotateHandler anchors a review note to a line of a shadow file.
func (s *Server) annotateHandler(c *echo.Context) error {
	var req annotateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	event, err := s.shadow.Annotate(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), req.Path, req.Line, req.Category, req.Message)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &appendEventResponse{
		Sequence:     event.Sequence,
		EventID:      event.EventID,
		IntegrityTag: hex.EncodeToString(event.IntegrityTag),
	})
}

// createSnapshotHandler names the shadow tree at a sequence so it can be
// viewed later.
func (s *Server) createSnapshotHandler(c *echo.Context) error {
	var req createSnapshotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	event, err := s.shadow.CreateSnapshot(c.Request().Context(), bearerToken(c), clientIP(c), userAgent(c), req.Name, req.AtSequence)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &appendEventResponse{
		Sequence:     event.Sequence,
		EventID:      event.EventID,
		IntegrityTag: hex.EncodeToString(event.IntegrityTag),
	})
}

// shadowStateHandler reads shadow state. With no parameters it returns the
// head state; at_sequence refolds to a bound, snapshot resolves a named
// view, and path narrows the answer to one file with its annotations.
func (s *Server) shadowStateHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	token, ip, ua := bearerToken(c), clientIP(c), userAgent(c)

	if path := c.QueryParam("path"); path != "" {
		entry, annotations, err := s.shadow.File(ctx, token, ip, ua, path)
		if err != nil {
			return s.mapServiceError(err)
		}
		return c.JSON(http.StatusOK, &fileStateResponse{File: entry, Annotations: annotations})
	}

	if name := c.QueryParam("snapshot"); name != "" {
		state, err := s.shadow.SnapshotView(ctx, token, ip, ua, name)
		if err != nil {
			return s.mapServiceError(err)
		}
		return c.JSON(http.StatusOK, state)
	}

	seq, err := uintParam(c, "at_sequence")
	if err != nil {
		return err
	}
	if seq == 0 {
		seq = s.store.Head()
	}
	state, err := s.shadow.StateAt(ctx, token, ip, ua, seq)
	if err != nil {
		return s.mapServiceError(err)
	}
	return c.JSON(http.StatusOK, state)
}

// fileStateResponse is one shadow file with its annotations.
type fileStateResponse struct {
	File        *projection.FileEntry   `json:"file"`
	Annotations []projection.Annotation `json:"annotations,omitempty"`
}
