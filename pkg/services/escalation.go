package services

import (
	"context"
	"strings"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/experts"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/speed"
)

// EscalationBridge adapts the expert coordinator to the speed layer's
// escalation port. Required capabilities are derived from the command when
// the escalation does not carry any.
type EscalationBridge struct {
	coordinator *experts.Coordinator
	metrics     *metrics.Metrics
}

// NewEscalationBridge creates the speed-to-experts adapter
func NewEscalationBridge(coordinator *experts.Coordinator, m *metrics.Metrics) *EscalationBridge {
	return &EscalationBridge{coordinator: coordinator, metrics: m}
}

// Escalate hands the undecided command to the expert coordinator and folds
// the adjudicated result back into a tier decision
func (b *EscalationBridge) Escalate(ctx context.Context, esc *speed.Escalation) (*speed.Decision, error) {
	start := time.Now()
	result, err := b.coordinator.Delegate(ctx, &experts.DelegationRequest{
		Fingerprint:          esc.Fingerprint,
		RequesterID:          esc.AgentID,
		Command:              esc.Command,
		RequiredCapabilities: RequiredCapabilities(esc.Command),
		Budget:               esc.Budget,
	})
	if err != nil {
		return nil, err
	}
	b.metrics.RecordDelegation(string(result.Verdict), time.Since(start).Seconds())
	for _, vote := range result.Votes {
		b.metrics.RecordVote(vote.ExpertID, string(vote.Verdict))
	}

	return &speed.Decision{
		Verdict:    result.Verdict,
		Confidence: verdictConfidence(result),
		Reason:     "expert consensus " + result.DelegationID,
	}, nil
}

// verdictConfidence derives a confidence for the consensus verdict: the mean
// confidence of the votes that agree with it, zero when none do (fail-closed
// denies).
func verdictConfidence(result *experts.DelegationResult) float64 {
	sum, n := 0.0, 0
	for _, vote := range result.Votes {
		if vote.Verdict == result.Verdict {
			sum += vote.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// RequiredCapabilities derives the expert capability tags a command's review
// needs. Anything touching execution or the network needs a security
// reviewer; structural work needs architecture; tuning needs performance.
// Unclassifiable commands default to security review.
func RequiredCapabilities(cmd *models.Command) []string {
	if cmd == nil {
		return []string{"security"}
	}
	kind := strings.ToLower(cmd.Kind)
	switch {
	case containsAny(kind, "exec", "shell", "deploy", "network", "fetch", "install"):
		return []string{"security"}
	case containsAny(kind, "refactor", "restructure", "design", "migrate"):
		return []string{"architecture"}
	case containsAny(kind, "optimize", "profile", "benchmark", "tune"):
		return []string{"performance"}
	default:
		return []string{"security"}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
