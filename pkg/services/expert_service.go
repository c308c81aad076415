package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/experts"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
	"github.com/lighthouse-hq/lighthouse/pkg/speed"
)

// RegisterExpertRequest carries a challenge response back for verification
type RegisterExpertRequest struct {
	ExpertID     string   `json:"expert_id"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Nonce        string   `json:"nonce"`
	Response     string   `json:"response"`
}

// ExpertService fronts the expert coordinator: challenges, registration,
// and direct delegations
type ExpertService struct {
	authn
	coordinator *experts.Coordinator
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewExpertService creates a new ExpertService
func NewExpertService(sessions *session.Manager, coordinator *experts.Coordinator, m *metrics.Metrics, logger *slog.Logger) *ExpertService {
	return &ExpertService{
		authn:       authn{sessions: sessions},
		coordinator: coordinator,
		metrics:     m,
		logger:      logger.With("service", "expert"),
	}
}

// Challenge issues a single-use registration challenge. Experts challenge
// for themselves; admins may challenge on any expert's behalf.
func (s *ExpertService) Challenge(ctx context.Context, token, ip, userAgent, expertID string) (string, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return "", err
	}
	if expertID == "" {
		return "", models.NewValidationError("expert_id", "required")
	}
	if err := auth.Authorize(caller.Identity, models.PermExpertRegister, "expert:"+expertID); err != nil {
		return "", err
	}
	if err := selfOrAdmin(caller, expertID); err != nil {
		return "", err
	}
	return s.coordinator.IssueChallenge(expertID), nil
}

// Register verifies the challenge response and records the expert
func (s *ExpertService) Register(ctx context.Context, token, ip, userAgent string, req RegisterExpertRequest) (experts.Expert, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return experts.Expert{}, err
	}
	if err := auth.Authorize(caller.Identity, models.PermExpertRegister, "expert:"+req.ExpertID); err != nil {
		return experts.Expert{}, err
	}
	if err := selfOrAdmin(caller, req.ExpertID); err != nil {
		return experts.Expert{}, err
	}
	return s.coordinator.Register(ctx, req.ExpertID, req.Capabilities, req.Endpoint, req.Nonce, req.Response)
}

// Delegate submits a command for direct expert adjudication, outside the
// speed layer's escalation path
func (s *ExpertService) Delegate(ctx context.Context, token, ip, userAgent string, cmd *models.Command, capabilities []string, budget time.Duration) (*experts.DelegationResult, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(caller.Identity, models.PermExpertDelegate, ""); err != nil {
		return nil, err
	}
	if cmd == nil || cmd.Kind == "" {
		return nil, models.NewValidationError("kind", "required")
	}
	if len(capabilities) == 0 {
		capabilities = RequiredCapabilities(cmd)
	}

	start := time.Now()
	result, err := s.coordinator.Delegate(ctx, &experts.DelegationRequest{
		Fingerprint:          speed.Fingerprint(cmd, caller.Role()),
		RequesterID:          caller.AgentID(),
		Command:              cmd,
		RequiredCapabilities: capabilities,
		Budget:               budget,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordDelegation(string(result.Verdict), time.Since(start).Seconds())
	for _, vote := range result.Votes {
		s.metrics.RecordVote(vote.ExpertID, string(vote.Verdict))
	}
	return result, nil
}

// Quarantine takes an expert out of selection. Admin only.
func (s *ExpertService) Quarantine(ctx context.Context, token, ip, userAgent, expertID, reason string) error {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return err
	}
	if err := auth.Authorize(caller.Identity, models.PermSystemAdmin, "expert:"+expertID); err != nil {
		return err
	}
	return s.coordinator.Quarantine(ctx, expertID, reason)
}

// selfOrAdmin allows an expert to act on its own registration and admins on
// anyone's
func selfOrAdmin(caller principal, expertID string) error {
	if caller.AgentID() == expertID || auth.HasPermission(caller.Role(), models.PermSystemAdmin) {
		return nil
	}
	return fmt.Errorf("%w: %s may not register expert %s", models.ErrScopeViolation, caller.AgentID(), expertID)
}
