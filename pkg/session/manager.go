package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/ratelimit"
)

// EventAppender is the slice of the store the manager writes through
type EventAppender interface {
	Append(ctx context.Context, draft *models.EventDraft) (*models.Event, error)
}

// Config carries the session policy knobs
type Config struct {
	MaxConcurrentPerAgent int
	IdleTimeout           time.Duration
	AbsoluteTimeout       time.Duration
}

// Manager owns all sessions in the process. Tokens are HMAC-sealed with
// the shared secret; the identity registry is the singleton handed in at
// construction, never a private copy.
type Manager struct {
	registry *auth.Registry
	appender EventAppender
	gate     *ratelimit.AgentGate
	secret   []byte
	cfg      Config
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager backed by the shared registry
func NewManager(registry *auth.Registry, appender EventAppender, gate *ratelimit.AgentGate, secret []byte, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxConcurrentPerAgent <= 0 {
		cfg.MaxConcurrentPerAgent = 1
	}
	return &Manager{
		registry: registry,
		appender: appender,
		gate:     gate,
		secret:   secret,
		cfg:      cfg,
		logger:   logger.With("component", "session_manager"),
		sessions: make(map[string]*Session),
	}
}

// Create authenticates the agent and opens a session bound to (ip,
// userAgent). When the agent is at its concurrency cap, the oldest active
// session is revoked as superseded rather than failing the new login.
func (m *Manager) Create(ctx context.Context, agentID, credential, ip, userAgent string) (string, Session, error) {
	if !m.gate.Allow(agentID) {
		return "", Session{}, fmt.Errorf("%w: too many authentication attempts", models.ErrRateLimited)
	}

	if _, err := m.registry.VerifyCredential(agentID, credential); err != nil {
		return "", Session{}, err
	}

	if err := m.enforceCap(ctx, agentID); err != nil {
		return "", Session{}, err
	}

	now := time.Now().UTC()
	session := &Session{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		State:          StateActive,
		CreatedAt:      now,
		LastActivity:   now,
		BoundIP:        ip,
		BoundUserAgent: userAgent,
	}

	payload, err := models.EncodePayload(&models.SessionCreatedPayload{
		SessionID: session.ID,
		AgentID:   agentID,
		IPAddr:    ip,
		UserAgent: userAgent,
	})
	if err != nil {
		return "", Session{}, err
	}
	if _, err := m.appender.Append(ctx, &models.EventDraft{
		EventType:   models.EventSessionCreated,
		AggregateID: "session:" + session.ID,
		AgentID:     agentID,
		Payload:     payload,
	}); err != nil {
		return "", Session{}, err
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	token := EncodeToken(m.secret, session.ID, agentID, now)
	m.logger.Info("session created", "session_id", session.ID, "agent_id", agentID)
	return token, session.Clone(), nil
}

// enforceCap revokes the oldest active sessions until the agent is below
// its concurrency cap
func (m *Manager) enforceCap(ctx context.Context, agentID string) error {
	m.mu.RLock()
	var active []*Session
	for _, s := range m.sessions {
		if s.AgentID == agentID && s.State == StateActive {
			active = append(active, s)
		}
	}
	m.mu.RUnlock()

	if len(active) < m.cfg.MaxConcurrentPerAgent {
		return nil
	}

	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	excess := len(active) - m.cfg.MaxConcurrentPerAgent + 1
	for _, victim := range active[:excess] {
		if err := m.revokeSession(ctx, victim.ID, ReasonSuperseded); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a token and its binding, and returns the authenticated
// identity. A binding mismatch does not just fail the call, it revokes the
// session: a token observed from the wrong origin is treated as stolen.
func (m *Manager) Validate(ctx context.Context, token, ip, userAgent string) (*models.AgentIdentity, Session, error) {
	sessionID, agentID, _, err := ParseToken(m.secret, token)
	if err != nil {
		return nil, Session{}, err
	}

	if !m.gate.Allow(agentID) {
		return nil, Session{}, fmt.Errorf("%w: validation budget exhausted", models.ErrRateLimited)
	}

	now := time.Now().UTC()

	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok || session.AgentID != agentID {
		m.mu.Unlock()
		return nil, Session{}, fmt.Errorf("%w: no such session", models.ErrInvalidToken)
	}
	switch session.State {
	case StateRevoked:
		m.mu.Unlock()
		return nil, Session{}, fmt.Errorf("%w: session revoked", models.ErrInvalidToken)
	case StateExpired:
		m.mu.Unlock()
		return nil, Session{}, fmt.Errorf("%w: session expired", models.ErrInvalidToken)
	}
	if now.Sub(session.LastActivity) > m.cfg.IdleTimeout || now.Sub(session.CreatedAt) > m.cfg.AbsoluteTimeout {
		session.State = StateExpired
		m.mu.Unlock()
		return nil, Session{}, fmt.Errorf("%w: session expired", models.ErrInvalidToken)
	}
	if session.BoundIP != ip || session.BoundUserAgent != userAgent {
		session.State = StateRevoked
		m.mu.Unlock()
		m.appendRevoked(ctx, sessionID, agentID, ReasonBoundMismatch)
		m.logger.Warn("session binding mismatch", "session_id", sessionID, "agent_id", agentID)
		return nil, Session{}, fmt.Errorf("%w: token presented from a different origin", models.ErrBoundMismatch)
	}
	session.LastActivity = now
	snapshot := session.Clone()
	m.mu.Unlock()

	identity, err := m.registry.Get(agentID)
	if err != nil {
		return nil, Session{}, err
	}
	if identity.Revoked {
		return nil, Session{}, fmt.Errorf("%w: agent revoked", models.ErrUnauthenticated)
	}
	return identity, snapshot, nil
}

// Revoke ends the session named by a valid token
func (m *Manager) Revoke(ctx context.Context, token, reason string) error {
	sessionID, _, _, err := ParseToken(m.secret, token)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = ReasonExplicit
	}
	return m.revokeSession(ctx, sessionID, reason)
}

// RevokeAgent ends every active session the agent holds
func (m *Manager) RevokeAgent(ctx context.Context, agentID, reason string) (int, error) {
	if reason == "" {
		reason = ReasonAgentRevoked
	}

	m.mu.RLock()
	var ids []string
	for id, s := range m.sessions {
		if s.AgentID == agentID && s.State == StateActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.revokeSession(ctx, id, reason); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (m *Manager) revokeSession(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: no such session", models.ErrInvalidToken)
	}
	if session.State != StateActive {
		m.mu.Unlock()
		return nil
	}
	session.State = StateRevoked
	agentID := session.AgentID
	m.mu.Unlock()

	m.appendRevoked(ctx, sessionID, agentID, reason)
	m.logger.Info("session revoked", "session_id", sessionID, "agent_id", agentID, "reason", reason)
	return nil
}

// appendRevoked records the revocation in the log. The in-memory state has
// already changed; a log append failure here is reported but cannot
// resurrect the session.
func (m *Manager) appendRevoked(ctx context.Context, sessionID, agentID, reason string) {
	payload, err := models.EncodePayload(&models.SessionRevokedPayload{
		SessionID: sessionID,
		AgentID:   agentID,
		Reason:    reason,
	})
	if err != nil {
		m.logger.Error("encoding session.revoked failed", "session_id", sessionID, "error", err)
		return
	}
	if _, err := m.appender.Append(ctx, &models.EventDraft{
		EventType:   models.EventSessionRevoked,
		AggregateID: "session:" + sessionID,
		AgentID:     agentID,
		Payload:     payload,
	}); err != nil {
		m.logger.Error("appending session.revoked failed", "session_id", sessionID, "error", err)
	}
}

// Get returns a copy of the session
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: session %s", models.ErrNotFound, sessionID)
	}
	return session.Clone(), nil
}

// ActiveCount returns how many active sessions the agent holds
func (m *Manager) ActiveCount(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.AgentID == agentID && s.State == StateActive {
			count++
		}
	}
	return count
}

// ActiveTotal returns how many sessions are active across all agents
func (m *Manager) ActiveTotal() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State == StateActive {
			count++
		}
	}
	return count
}

// Sweep expires timed-out sessions and drops dead ones from memory.
// Returns (expired, removed). Run periodically by the cleanup worker.
func (m *Manager) Sweep(retainDead time.Duration) (int, int) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	expired, removed := 0, 0
	for id, s := range m.sessions {
		if s.State == StateActive &&
			(now.Sub(s.LastActivity) > m.cfg.IdleTimeout || now.Sub(s.CreatedAt) > m.cfg.AbsoluteTimeout) {
			s.State = StateExpired
			expired++
		}
		if s.State != StateActive && now.Sub(s.LastActivity) > retainDead {
			delete(m.sessions, id)
			removed++
		}
	}
	return expired, removed
}
