package experts

import (
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// Expert is the registry's view of one registered expert
type Expert struct {
	ID           string              `json:"id"`
	Capabilities []string            `json:"capabilities"`
	Endpoint     string              `json:"endpoint,omitempty"`
	Status       models.ExpertStatus `json:"status"`
	RegisteredAt time.Time           `json:"registered_at"`
}

// Clone returns a value copy safe to hand out of the registry
func (e *Expert) Clone() Expert {
	out := *e
	out.Capabilities = append([]string(nil), e.Capabilities...)
	return out
}

// DelegationRequest asks the coordinator to adjudicate a command
type DelegationRequest struct {
	Fingerprint          string
	RequesterID          string
	Command              *models.Command
	RequiredCapabilities []string
	// Budget is the requester's full time allowance; the coordinator works
	// within Budget minus its safety margin.
	Budget time.Duration
}

// DelegationResult is the adjudicated outcome handed back to the requester
type DelegationResult struct {
	DelegationID string              `json:"delegation_id"`
	Verdict      models.Verdict      `json:"verdict"`
	Votes        []models.ExpertVote `json:"votes"`
	ExpertIDs    []string            `json:"expert_ids"`
}

// Delegation tracks one adjudication through its state machine
type Delegation struct {
	ID           string                 `json:"id"`
	Fingerprint  string                 `json:"fingerprint"`
	RequesterID  string                 `json:"requester_id"`
	ExpertIDs    []string               `json:"expert_ids"`
	State        models.DelegationState `json:"state"`
	Verdict      models.Verdict         `json:"verdict,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Deadline     time.Time              `json:"deadline"`
}

// VoteRequest is the wire shape POSTed to an expert's endpoint
type VoteRequest struct {
	DelegationID string          `json:"delegation_id"`
	Fingerprint  string          `json:"fingerprint"`
	RequesterID  string          `json:"requester_id"`
	Command      *models.Command `json:"command"`
	DeadlineMs   int64           `json:"deadline_ms"`
}
