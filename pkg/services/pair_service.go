package services

import (
	"context"
	"log/slog"

	"github.com/lighthouse-hq/lighthouse/pkg/auth"
	"github.com/lighthouse-hq/lighthouse/pkg/models"
	"github.com/lighthouse-hq/lighthouse/pkg/pair"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
)

// PairService authenticates callers and delegates pair-session operations
// to the pair manager, which owns the lifecycle and participant rules
type PairService struct {
	authn
	pairs  *pair.Manager
	logger *slog.Logger
}

// NewPairService creates a new PairService
func NewPairService(sessions *session.Manager, pairs *pair.Manager, logger *slog.Logger) *PairService {
	return &PairService{
		authn:  authn{sessions: sessions},
		pairs:  pairs,
		logger: logger.With("service", "pair"),
	}
}

// Request opens a pair session with the caller as builder
func (s *PairService) Request(ctx context.Context, token, ip, userAgent, task string, capabilities []string) (string, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return "", err
	}
	if err := auth.Authorize(caller.Identity, models.PermPairStart, ""); err != nil {
		return "", err
	}
	if task == "" {
		return "", models.NewValidationError("task", "required")
	}
	return s.pairs.Request(ctx, caller.AgentID(), task, capabilities)
}

// Accept binds the caller to a requested pair as its expert
func (s *PairService) Accept(ctx context.Context, token, ip, userAgent, pairID string) error {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return err
	}
	if err := auth.Authorize(caller.Identity, models.PermEventAppend, "pair:"+pairID); err != nil {
		return err
	}
	return s.pairs.Accept(ctx, pairID, caller.AgentID())
}

// Suggest posts a code suggestion into an active pair
func (s *PairService) Suggest(ctx context.Context, token, ip, userAgent, pairID string, line int, text string) error {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return err
	}
	if err := auth.Authorize(caller.Identity, models.PermEventAppend, "pair:"+pairID); err != nil {
		return err
	}
	return s.pairs.Suggest(ctx, pairID, caller.AgentID(), line, text)
}

// Comment posts a discussion message into an active pair
func (s *PairService) Comment(ctx context.Context, token, ip, userAgent, pairID, text string) error {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return err
	}
	if err := auth.Authorize(caller.Identity, models.PermEventAppend, "pair:"+pairID); err != nil {
		return err
	}
	return s.pairs.Comment(ctx, pairID, caller.AgentID(), text)
}

// Close ends a pair session the caller participates in
func (s *PairService) Close(ctx context.Context, token, ip, userAgent, pairID, reason string) error {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return err
	}
	if err := auth.Authorize(caller.Identity, models.PermEventAppend, "pair:"+pairID); err != nil {
		return err
	}
	return s.pairs.Close(ctx, pairID, caller.AgentID(), reason)
}

// Get returns the folded pair thread. Participants and admins only; a pair
// session is a private exchange between its two members.
func (s *PairService) Get(ctx context.Context, token, ip, userAgent, pairID string) (*projection.PairThread, error) {
	caller, err := s.identify(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	if !auth.HasPermission(caller.Role(), models.PermSystemAdmin) {
		if err := s.pairs.Authorize(pairID, caller.AgentID()); err != nil {
			return nil, err
		}
	}
	return s.pairs.Thread(pairID)
}
