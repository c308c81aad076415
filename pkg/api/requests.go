package api

import "github.com/lighthouse-hq/lighthouse/pkg/models"

// createSessionRequest is the login payload.
type createSessionRequest struct {
	AgentID    string `json:"agent_id"`
	Credential string `json:"credential"`
}

// delegateRequest asks the coordinator for an expert consensus on a command.
type delegateRequest struct {
	Command      models.Command `json:"command"`
	Capabilities []string       `json:"capabilities,omitempty"`
	BudgetMs     int            `json:"budget_ms,omitempty"`
}

// expertChallengeRequest starts an expert registration handshake.
type expertChallengeRequest struct {
	ExpertID string `json:"expert_id"`
}

// quarantineRequest records why an expert is being pulled from selection.
type quarantineRequest struct {
	Reason string `json:"reason,omitempty"`
}

// requestPairRequest opens a pair session request.
type requestPairRequest struct {
	Task         string   `json:"task"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// pairSuggestionRequest proposes code within a pair session.
type pairSuggestionRequest struct {
	Line int    `json:"line,omitempty"`
	Text string `json:"text"`
}

// pairCommentRequest adds a discussion message to a pair session.
type pairCommentRequest struct {
	Text string `json:"text"`
}

// closePairRequest ends a pair session.
type closePairRequest struct {
	Reason string `json:"reason,omitempty"`
}

// annotateRequest anchors a review note to a line of a shadow file.
type annotateRequest struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

// createSnapshotRequest names the shadow tree at a sequence.
type createSnapshotRequest struct {
	Name string `json:"name"`
	// AtSequence of zero snapshots the current head.
	AtSequence uint64 `json:"at_sequence,omitempty"`
}
