package api

import (
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
)

// sessionResponse answers session create and validate calls.
type sessionResponse struct {
	Token    string                `json:"token,omitempty"`
	Identity *models.AgentIdentity `json:"identity,omitempty"`
	Session  session.Session       `json:"session"`
}

// revokeResponse reports how many sessions a revocation touched.
type revokeResponse struct {
	Revoked int `json:"revoked"`
}

// appendEventResponse answers log writes with the assigned position and the
// chain tag, hex encoded.
type appendEventResponse struct {
	Sequence     uint64 `json:"sequence"`
	EventID      string `json:"event_id"`
	IntegrityTag string `json:"integrity_tag"`
}

// integrityResponse reports a full chain verification.
type integrityResponse struct {
	VerifiedThrough uint64 `json:"verified_through"`
	Ok              bool   `json:"ok"`
}

// challengeResponse hands the registration nonce back to the expert.
type challengeResponse struct {
	ExpertID string `json:"expert_id"`
	Nonce    string `json:"nonce"`
}

// pairCreatedResponse returns the id of a newly requested pair session.
type pairCreatedResponse struct {
	PairID string `json:"pair_id"`
}

// ackResponse acknowledges a state-changing call that returns no entity.
type ackResponse struct {
	Status string `json:"status"`
}

// healthResponse is the liveness and readiness report.
type healthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Head    uint64                 `json:"head"`
	Checks  map[string]healthCheck `json:"checks,omitempty"`
}

// healthCheck is one component's contribution to the health report.
type healthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
