package speed

import (
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// Tier identifies which classification tier produced a decision
type Tier string

const (
	TierMemory     Tier = "memory"
	TierPolicy     Tier = "policy"
	TierPattern    Tier = "pattern"
	TierEscalation Tier = "escalation"
)

// Decision is the outcome of classifying one command
type Decision struct {
	Verdict    models.Verdict `json:"verdict"`
	Confidence float64        `json:"confidence"`
	Tier       Tier           `json:"tier"`
	RuleID     string         `json:"rule_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Escalation is one coalesced hand-off to the expert coordinator. Budget is
// the full time the coordinator may spend; it subtracts its own safety
// margin from it.
type Escalation struct {
	Fingerprint string
	Command     *models.Command
	Role        models.Role
	AgentID     string
	Budget      time.Duration
}
