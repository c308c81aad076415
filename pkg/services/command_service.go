package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/ratelimit"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
	"github.com/lighthouse-hq/lighthouse/pkg/speed"
)

// ValidationResult is the answer to a command validation: the verdict and
// which tier produced it
type ValidationResult struct {
	Fingerprint string         `json:"fingerprint"`
	Verdict     models.Verdict `json:"verdict"`
	Tier        speed.Tier     `json:"tier"`
	Confidence  float64        `json:"confidence"`
	RuleID      string         `json:"rule_id,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// CommandService validates proposed commands through the speed layer
type CommandService struct {
	authn
	layer   *speed.Layer
	gate    *ratelimit.AgentGate
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCommandService creates a new CommandService
func NewCommandService(sessions *session.Manager, layer *speed.Layer, gate *ratelimit.AgentGate, m *metrics.Metrics, logger *slog.Logger) *CommandService {
	return &CommandService{
		authn:   authn{sessions: sessions},
		layer:   layer,
		gate:    gate,
		metrics: m,
		logger:  logger.With("service", "command"),
	}
}

// Validate classifies one command for the authenticated caller. The verdict
// comes from the first deciding tier; escalations have already appended
// their expert.delegated and expert.decision events by the time this
// returns.
func (s *CommandService) Validate(ctx context.Context, token, ip, userAgent string, cmd *models.Command) (*ValidationResult, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if !s.gate.Allow(caller.AgentID()) {
		return nil, fmt.Errorf("%w: validation budget exhausted", models.ErrRateLimited)
	}
	if cmd == nil || cmd.Kind == "" {
		return nil, models.NewValidationError("kind", "required")
	}

	start := time.Now()
	decision, err := s.layer.Classify(ctx, caller.AgentID(), cmd, caller.Role())
	elapsed := time.Since(start).Seconds()
	s.metrics.RecordValidation(string(decision.Tier), string(decision.Verdict), elapsed)
	s.metrics.SetSpeedCacheSize(s.layer.CacheLen())
	if err != nil {
		// The layer already failed the command closed; the caller gets the
		// error kind, not a verdict it might mistake for a consensus.
		s.logger.Warn("validation failed closed",
			"agent_id", caller.AgentID(), "kind", cmd.Kind, "error", err)
		return nil, err
	}

	return &ValidationResult{
		Fingerprint: speed.Fingerprint(cmd, caller.Role()),
		Verdict:     decision.Verdict,
		Tier:        decision.Tier,
		Confidence:  decision.Confidence,
		RuleID:      decision.RuleID,
		Reason:      decision.Reason,
	}, nil
}
