// Package pair runs pair sessions between a builder and an expert as an
// event chain: pair.requested, pair.accepted, then suggestions and comments
// until pair.closed. The manager enforces the lifecycle and the
// two-participant rule; the folded view lives in the project aggregate.
package pair

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
)

// EventAppender persists pair events to the log
type EventAppender interface {
	Append(ctx context.Context, draft *models.EventDraft) (*models.Event, error)
}

// View is the folded read side of pair sessions. CatchUp folds freshly
// appended events in log order so a follow-up call sees them; the fold
// watermark makes repeated catch-ups no-ops.
type View interface {
	Pair(pairID string) (*projection.PairThread, error)
	CatchUp(ctx context.Context) (int, error)
}

// Manager validates and appends pair-session events
type Manager struct {
	appender EventAppender
	view     View
	logger   *slog.Logger
}

func NewManager(appender EventAppender, view View, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		appender: appender,
		view:     view,
		logger:   logger.With("component", "pair_manager"),
	}
}

// Request opens a new pair session on behalf of the builder and returns its
// id
func (m *Manager) Request(ctx context.Context, builderID, task string, capabilities []string) (string, error) {
	pairID := uuid.New().String()
	payload, err := models.EncodePayload(&models.PairRequestedPayload{
		PairID:       pairID,
		BuilderID:    builderID,
		Task:         task,
		Capabilities: capabilities,
	})
	if err != nil {
		return "", err
	}
	if err := m.append(ctx, &models.EventDraft{
		EventType:   models.EventPairRequested,
		AggregateID: aggregateID(pairID),
		AgentID:     builderID,
		Payload:     payload,
	}); err != nil {
		return "", err
	}
	m.logger.Info("pair requested", "pair_id", pairID, "builder", builderID)
	return pairID, nil
}

// Accept binds an expert to a requested pair. The event references the
// originating request through causation_id.
func (m *Manager) Accept(ctx context.Context, pairID, expertID string) error {
	thread, err := m.view.Pair(pairID)
	if err != nil {
		return err
	}
	if thread.State != models.PairRequested {
		return fmt.Errorf("%w: pair %s is %s, only a requested pair can be accepted", models.ErrConflict, pairID, thread.State)
	}
	if expertID == thread.BuilderID {
		return fmt.Errorf("%w: builder cannot accept their own pair", models.ErrConflict)
	}
	payload, err := models.EncodePayload(&models.PairAcceptedPayload{
		PairID:   pairID,
		ExpertID: expertID,
	})
	if err != nil {
		return err
	}
	if err := m.append(ctx, &models.EventDraft{
		EventType:   models.EventPairAccepted,
		AggregateID: aggregateID(pairID),
		AgentID:     expertID,
		CausationID: thread.RequestID,
		Payload:     payload,
	}); err != nil {
		return err
	}
	m.logger.Info("pair accepted", "pair_id", pairID, "expert", expertID)
	return nil
}

// Suggest appends a code suggestion from one of the participants
func (m *Manager) Suggest(ctx context.Context, pairID, author string, line int, text string) error {
	if err := m.activeParticipant(pairID, author); err != nil {
		return err
	}
	payload, err := models.EncodePayload(&models.PairSuggestionPayload{
		PairID: pairID,
		Line:   line,
		Text:   text,
		Author: author,
	})
	if err != nil {
		return err
	}
	return m.append(ctx, &models.EventDraft{
		EventType:   models.EventPairSuggestion,
		AggregateID: aggregateID(pairID),
		AgentID:     author,
		Payload:     payload,
	})
}

// Comment appends a discussion message from one of the participants
func (m *Manager) Comment(ctx context.Context, pairID, author, text string) error {
	if err := m.activeParticipant(pairID, author); err != nil {
		return err
	}
	payload, err := models.EncodePayload(&models.PairCommentPayload{
		PairID: pairID,
		Text:   text,
		Author: author,
	})
	if err != nil {
		return err
	}
	return m.append(ctx, &models.EventDraft{
		EventType:   models.EventPairComment,
		AggregateID: aggregateID(pairID),
		AgentID:     author,
		Payload:     payload,
	})
}

// Close ends a pair session. Either participant may close an active pair;
// the builder may withdraw one nobody has accepted yet.
func (m *Manager) Close(ctx context.Context, pairID, author, reason string) error {
	thread, err := m.view.Pair(pairID)
	if err != nil {
		return err
	}
	if thread.State == models.PairClosed {
		return fmt.Errorf("%w: pair %s is already closed", models.ErrConflict, pairID)
	}
	if err := participant(thread, author); err != nil {
		return err
	}
	payload, err := models.EncodePayload(&models.PairClosedPayload{
		PairID: pairID,
		Reason: reason,
	})
	if err != nil {
		return err
	}
	if err := m.append(ctx, &models.EventDraft{
		EventType:   models.EventPairClosed,
		AggregateID: aggregateID(pairID),
		AgentID:     author,
		Payload:     payload,
	}); err != nil {
		return err
	}
	m.logger.Info("pair closed", "pair_id", pairID, "by", author, "reason", reason)
	return nil
}

// Authorize reports whether agentID may append into the pair's aggregate.
// Only the two participants may.
func (m *Manager) Authorize(pairID, agentID string) error {
	thread, err := m.view.Pair(pairID)
	if err != nil {
		return err
	}
	return participant(thread, agentID)
}

func (m *Manager) activeParticipant(pairID, agentID string) error {
	thread, err := m.view.Pair(pairID)
	if err != nil {
		return err
	}
	switch thread.State {
	case models.PairActive:
	case models.PairRequested:
		return fmt.Errorf("%w: pair %s has not been accepted yet", models.ErrConflict, pairID)
	default:
		return fmt.Errorf("%w: pair %s is closed", models.ErrConflict, pairID)
	}
	return participant(thread, agentID)
}

func participant(thread *projection.PairThread, agentID string) error {
	if agentID == thread.BuilderID {
		return nil
	}
	if thread.ExpertID != "" && agentID == thread.ExpertID {
		return nil
	}
	return fmt.Errorf("%w: agent %s is not a participant in pair %s", models.ErrScopeViolation, agentID, thread.PairID)
}

// Thread returns the folded state of one pair session
func (m *Manager) Thread(pairID string) (*projection.PairThread, error) {
	return m.view.Pair(pairID)
}

func (m *Manager) append(ctx context.Context, draft *models.EventDraft) error {
	event, err := m.appender.Append(ctx, draft)
	if err != nil {
		return err
	}
	if _, err := m.view.CatchUp(ctx); err != nil {
		m.logger.Warn("fold catch-up after append failed", "sequence", event.Sequence, "error", err)
	}
	return nil
}

func aggregateID(pairID string) string {
	return "pair:" + pairID
}
