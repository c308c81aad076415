package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
	"github.com/lighthouse-hq/lighthouse/pkg/ratelimit"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
	"github.com/lighthouse-hq/lighthouse/pkg/store"
)

// AppendRequest is one event submitted through the public append endpoint
type AppendRequest struct {
	EventType   models.EventType `json:"event_type"`
	AggregateID string           `json:"aggregate_id"`
	CausationID string           `json:"causation_id,omitempty"`
	Payload     json.RawMessage  `json:"payload"`
}

// EventService is the authenticated append/query pipeline over the log
type EventService struct {
	authn
	store     *store.Store
	registry  *auth.Registry
	aggregate *projection.Aggregate
	gate      *ratelimit.AgentGate
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewEventService creates a new EventService
func NewEventService(sessions *session.Manager, st *store.Store, registry *auth.Registry, aggregate *projection.Aggregate, gate *ratelimit.AgentGate, m *metrics.Metrics, logger *slog.Logger) *EventService {
	return &EventService{
		authn:     authn{sessions: sessions},
		store:     st,
		registry:  registry,
		aggregate: aggregate,
		gate:      gate,
		metrics:   m,
		logger:    logger.With("service", "event"),
	}
}

// Append runs the full write pipeline: session validation, the per-agent
// rate gate, the per-type permission check, payload validation against the
// declared type, aggregate agreement, and the durable append. The fold is
// brought up to date before returning so a follow-up read sees the write.
func (s *EventService) Append(ctx context.Context, token, ip, userAgent string, req AppendRequest) (*models.Event, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if !s.gate.Allow(caller.AgentID()) {
		return nil, fmt.Errorf("%w: append budget exhausted", models.ErrRateLimited)
	}

	perm, err := appendPermission(req.EventType)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(caller.Identity, perm, req.AggregateID); err != nil {
		return nil, err
	}

	decoded, err := models.DecodePayload(req.EventType, req.Payload)
	if err != nil {
		return nil, err
	}
	if err := checkAggregateAgreement(caller, req.AggregateID, decoded); err != nil {
		return nil, err
	}
	payload, err := models.EncodePayload(decoded)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	event, err := s.store.Append(ctx, &models.EventDraft{
		EventType:   req.EventType,
		AggregateID: req.AggregateID,
		AgentID:     caller.AgentID(),
		CausationID: req.CausationID,
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAppend(string(event.EventType), time.Since(start).Seconds(), event.Sequence)

	s.applyEffects(ctx, event, decoded)
	return event, nil
}

// applyEffects folds the new event into the derived views. Identity events
// reach the registry directly; everything foldable reaches the aggregate by
// catching up from the log, which keeps folding ordered under concurrent
// appends.
func (s *EventService) applyEffects(ctx context.Context, event *models.Event, decoded models.Payload) {
	switch p := decoded.(type) {
	case *models.IdentityCreatedPayload, *models.IdentityPromotedPayload:
		s.registry.Apply(event)
	case *models.IdentityRevokedPayload:
		s.registry.Apply(event)
		if revoked, err := s.sessions.RevokeAgent(ctx, p.AgentID, session.ReasonAgentRevoked); err == nil && revoked > 0 {
			s.logger.Info("revoked sessions of revoked agent", "agent_id", p.AgentID, "count", revoked)
		}
	default:
		if _, err := s.aggregate.CatchUp(ctx); err != nil {
			s.logger.Warn("fold catch-up after append failed", "sequence", event.Sequence, "error", err)
		}
	}
}

// Query returns events matching the filter, read-filtered by permission:
// identity and session events carry credentials and origin bindings, so only
// system.admin callers see them.
func (s *EventService) Query(ctx context.Context, token, ip, userAgent string, filter models.EventFilter, cursor uint64, limit int) (*models.EventPage, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(caller.Identity, models.PermEventQuery, filter.AggregateID); err != nil {
		return nil, err
	}

	page, err := s.store.Query(ctx, filter, cursor, limit)
	if err != nil {
		return nil, err
	}
	if !auth.HasPermission(caller.Role(), models.PermSystemAdmin) {
		page.Events = dropPrivileged(page.Events)
	}
	return page, nil
}

// VerifyIntegrity rescans the whole log against the chain and returns the
// verified head sequence
func (s *EventService) VerifyIntegrity(ctx context.Context, token, ip, userAgent string) (uint64, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return 0, err
	}
	if err := auth.Authorize(caller.Identity, models.PermEventQuery, "store"); err != nil {
		return 0, err
	}

	head, err := s.store.VerifyChain(ctx)
	if err != nil {
		s.metrics.RecordIntegrityFailure()
		s.logger.Error("integrity verification failed", "error", err)
		return 0, err
	}
	return head, nil
}

// appendPermission maps a publicly appendable event type to the permission
// it requires. Types owned by core components are not appendable from
// outside at all.
func appendPermission(t models.EventType) (models.Permission, error) {
	switch t {
	case models.EventFileWritten:
		return models.PermFilesystemWrite, nil
	case models.EventAnnotationAdded, models.EventSnapshotCreated:
		return models.PermShadowWrite, nil
	case models.EventIdentityCreated, models.EventIdentityPromoted, models.EventIdentityRevoked:
		return models.PermSystemAdmin, nil
	case models.EventPairRequested, models.EventPairAccepted, models.EventPairSuggestion,
		models.EventPairComment, models.EventPairClosed:
		return "", fmt.Errorf("%w: %s events are written through the pair endpoints", models.ErrPermissionDenied, t)
	case models.EventSessionCreated, models.EventSessionRevoked,
		models.EventExpertRegistered, models.EventExpertQuarantined,
		models.EventExpertDelegated, models.EventExpertDecision,
		models.EventStoreRecovered:
		return "", fmt.Errorf("%w: %s events are written by the core only", models.ErrPermissionDenied, t)
	default:
		return "", fmt.Errorf("%w: unknown event type %q", models.ErrSchemaInvalid, t)
	}
}

// checkAggregateAgreement verifies that the declared aggregate matches what
// the payload talks about, and that the caller is not writing under someone
// else's name.
func checkAggregateAgreement(caller principal, aggregateID string, decoded models.Payload) error {
	switch p := decoded.(type) {
	case *models.FileWrittenPayload:
		if err := checkShadowPath(p.Path); err != nil {
			return err
		}
		return requireAggregate(aggregateID, "file:"+p.Path)
	case *models.AnnotationAddedPayload:
		if err := checkShadowPath(p.Path); err != nil {
			return err
		}
		if p.Author != "" && p.Author != caller.AgentID() {
			return fmt.Errorf("%w: annotation author %q is not the caller", models.ErrScopeViolation, p.Author)
		}
		return requireAggregate(aggregateID, "file:"+p.Path)
	case *models.SnapshotCreatedPayload:
		if !strings.HasPrefix(aggregateID, "project:") {
			return fmt.Errorf("%w: snapshots live under a project aggregate, got %q", models.ErrSchemaInvalid, aggregateID)
		}
		return nil
	case *models.IdentityCreatedPayload:
		return requireAggregate(aggregateID, "agent:"+p.AgentID)
	case *models.IdentityPromotedPayload:
		return requireAggregate(aggregateID, "agent:"+p.AgentID)
	case *models.IdentityRevokedPayload:
		return requireAggregate(aggregateID, "agent:"+p.AgentID)
	default:
		return nil
	}
}

func requireAggregate(got, want string) error {
	if got != want {
		return fmt.Errorf("%w: aggregate_id %q does not match payload, want %q", models.ErrSchemaInvalid, got, want)
	}
	return nil
}

// checkShadowPath rejects paths that escape the project tree
func checkShadowPath(p string) error {
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: path must be project-relative", models.ErrSchemaInvalid)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("%w: path escapes the project tree", models.ErrSchemaInvalid)
	}
	return nil
}

// dropPrivileged filters identity and session events out of a result set
func dropPrivileged(events []*models.Event) []*models.Event {
	filtered := events[:0]
	for _, e := range events {
		if e.EventType.Privileged() {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}
