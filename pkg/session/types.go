// Package session implements authenticated session lifecycle: creation
// against the identity registry, token minting and validation, binding
// checks, concurrency caps, and idle/absolute expiry. Session state lives
// in memory; creations and revocations are appended to the event log.
package session

import "time"

// State is the lifecycle state of a session
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateRevoked State = "revoked"
	StateExpired State = "expired"
)

// Revocation reasons recorded in session.revoked events
const (
	ReasonExplicit      = "explicit"
	ReasonSuperseded    = "superseded"
	ReasonBoundMismatch = "bound_mismatch"
	ReasonAgentRevoked  = "agent_revoked"
)

// Session is one authenticated session bound to its origin
type Session struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	BoundIP        string    `json:"bound_ip"`
	BoundUserAgent string    `json:"bound_user_agent"`
}

// Clone returns a value copy safe to hand outside the manager's lock
func (s *Session) Clone() Session {
	return *s
}
