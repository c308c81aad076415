package services

import (
	"context"
	"log/slog"

	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
)

// SessionService manages session lifecycle for the API
type SessionService struct {
	sessions *session.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewSessionService creates a new SessionService
func NewSessionService(sessions *session.Manager, m *metrics.Metrics, logger *slog.Logger) *SessionService {
	return &SessionService{
		sessions: sessions,
		metrics:  m,
		logger:   logger.With("service", "session"),
	}
}

// Create authenticates the agent by credential and opens a session bound to
// the caller's origin. Returns the bearer token and the session record.
func (s *SessionService) Create(ctx context.Context, agentID, credential, ip, userAgent string) (string, session.Session, error) {
	if agentID == "" {
		return "", session.Session{}, models.NewValidationError("agent_id", "required")
	}
	if credential == "" {
		return "", session.Session{}, models.NewValidationError("credential", "required")
	}

	token, sess, err := s.sessions.Create(ctx, agentID, credential, ip, userAgent)
	if err != nil {
		return "", session.Session{}, err
	}
	s.metrics.SessionCreated()
	s.metrics.SetActiveSessions(s.sessions.ActiveTotal())
	return token, sess, nil
}

// Current validates the token and returns the authenticated identity with
// its session
func (s *SessionService) Current(ctx context.Context, token, ip, userAgent string) (*models.AgentIdentity, session.Session, error) {
	return s.sessions.Validate(ctx, token, ip, userAgent)
}

// Revoke ends the caller's own session
func (s *SessionService) Revoke(ctx context.Context, token, reason string) error {
	if err := s.sessions.Revoke(ctx, token, reason); err != nil {
		return err
	}
	if reason == "" {
		reason = session.ReasonExplicit
	}
	s.metrics.SessionRevoked(reason)
	s.metrics.SetActiveSessions(s.sessions.ActiveTotal())
	return nil
}

// RevokeAgent ends every active session of the target agent. Requires
// system.admin.
func (s *SessionService) RevokeAgent(ctx context.Context, token, ip, userAgent, targetAgentID string) (int, error) {
	identity, _, err := s.sessions.Validate(ctx, token, ip, userAgent)
	if err != nil {
		return 0, err
	}
	if err := auth.Authorize(identity, models.PermSystemAdmin, "agent:"+targetAgentID); err != nil {
		return 0, err
	}

	revoked, err := s.sessions.RevokeAgent(ctx, targetAgentID, session.ReasonAgentRevoked)
	if err != nil {
		return 0, err
	}
	for i := 0; i < revoked; i++ {
		s.metrics.SessionRevoked(session.ReasonAgentRevoked)
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveTotal())
	s.logger.Info("agent sessions revoked", "agent_id", targetAgentID, "count", revoked, "by", identity.AgentID)
	return revoked, nil
}
