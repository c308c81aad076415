package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
	"github.com/lighthouse-hq/lighthouse/pkg/store"
)

// DefaultProjectAggregate is the aggregate snapshots land on when the
// request does not name a project
const DefaultProjectAggregate = "project:main"

// ShadowService serves the derived shadow tree: search, annotations,
// snapshots, and historical state
type ShadowService struct {
	authn
	store     *store.Store
	aggregate *projection.Aggregate
	pageSize  int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewShadowService creates a new ShadowService. pageSize bounds search
// results; non-positive uses the projection default.
func NewShadowService(sessions *session.Manager, st *store.Store, aggregate *projection.Aggregate, pageSize int, m *metrics.Metrics, logger *slog.Logger) *ShadowService {
	if pageSize <= 0 {
		pageSize = projection.DefaultPageSize
	}
	return &ShadowService{
		authn:     authn{sessions: sessions},
		store:     st,
		aggregate: aggregate,
		pageSize:  pageSize,
		metrics:   m,
		logger:    logger.With("service", "shadow"),
	}
}

// Search narrows the shadow tree by path predicates, bounded by the
// configured page size
func (s *ShadowService) Search(ctx context.Context, token, ip, userAgent string, query projection.Query) (*projection.Page, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(caller.Identity, models.PermShadowRead, ""); err != nil {
		return nil, err
	}
	return s.aggregate.Search(query, s.pageSize)
}

// File returns the latest shadow entry for one path, with its annotations
func (s *ShadowService) File(ctx context.Context, token, ip, userAgent, path string) (*projection.FileEntry, []projection.Annotation, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	if err := auth.Authorize(caller.Identity, models.PermShadowRead, "file:"+path); err != nil {
		return nil, nil, err
	}
	entry, err := s.aggregate.File(path)
	if err != nil {
		return nil, nil, err
	}
	return entry, s.aggregate.Annotations(path), nil
}

// Annotate anchors a remark to a path and line. The author is always the
// authenticated caller.
func (s *ShadowService) Annotate(ctx context.Context, token, ip, userAgent, path string, line int, category, message string) (*models.Event, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(caller.Identity, models.PermShadowWrite, "file:"+path); err != nil {
		return nil, err
	}
	if err := checkShadowPath(path); err != nil {
		return nil, err
	}

	payload, err := models.EncodePayload(&models.AnnotationAddedPayload{
		Path:     path,
		Line:     line,
		Category: category,
		Message:  message,
		Author:   caller.AgentID(),
	})
	if err != nil {
		return nil, err
	}
	return s.append(ctx, &models.EventDraft{
		EventType:   models.EventAnnotationAdded,
		AggregateID: "file:" + path,
		AgentID:     caller.AgentID(),
		Payload:     payload,
	})
}

// CreateSnapshot names the tree state at a sequence. Zero means "now": the
// head at append time.
func (s *ShadowService) CreateSnapshot(ctx context.Context, token, ip, userAgent, name string, atSequence uint64) (*models.Event, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(caller.Identity, models.PermShadowWrite, DefaultProjectAggregate); err != nil {
		return nil, err
	}
	if atSequence > s.store.Head() {
		return nil, fmt.Errorf("%w: at_sequence %d is past the log head %d", models.ErrSchemaInvalid, atSequence, s.store.Head())
	}

	payload, err := models.EncodePayload(&models.SnapshotCreatedPayload{
		Name:       name,
		AtSequence: atSequence,
	})
	if err != nil {
		return nil, err
	}
	event, err := s.append(ctx, &models.EventDraft{
		EventType:   models.EventSnapshotCreated,
		AggregateID: DefaultProjectAggregate,
		AgentID:     caller.AgentID(),
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("snapshot created", "name", name, "at_sequence", atSequence, "by", caller.AgentID())
	return event, nil
}

// StateAt reconstructs the shadow tree as of a sequence
func (s *ShadowService) StateAt(ctx context.Context, token, ip, userAgent string, seq uint64) (*projection.State, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(caller.Identity, models.PermShadowRead, ""); err != nil {
		return nil, err
	}
	return s.aggregate.StateAt(ctx, seq)
}

// SnapshotView materializes the named snapshot's tree
func (s *ShadowService) SnapshotView(ctx context.Context, token, ip, userAgent, name string) (*projection.State, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(caller.Identity, models.PermShadowRead, ""); err != nil {
		return nil, err
	}
	return s.aggregate.SnapshotView(ctx, name)
}

func (s *ShadowService) append(ctx context.Context, draft *models.EventDraft) (*models.Event, error) {
	start := time.Now()
	event, err := s.store.Append(ctx, draft)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAppend(string(event.EventType), time.Since(start).Seconds(), event.Sequence)
	if _, err := s.aggregate.CatchUp(ctx); err != nil {
		s.logger.Warn("fold catch-up after append failed", "sequence", event.Sequence, "error", err)
	}
	return event, nil
}
