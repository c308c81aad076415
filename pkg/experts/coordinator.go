// Package experts implements the expert coordinator: challenge-based
// registration, capability-driven selection, parallel delegation dispatch,
// and the fixed consensus rule that adjudicates expert votes. Every
// registration, quarantine, dispatch, and decision is an event in the log.
package experts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// EventAppender is the slice of the store the coordinator writes through
type EventAppender interface {
	Append(ctx context.Context, draft *models.EventDraft) (*models.Event, error)
}

// Config carries the consensus policy
type Config struct {
	// ConsensusN is the panel size (1, 3, or 5).
	ConsensusN int
	// TauApprove is the minimum confidence for an approval to count.
	TauApprove float64
	// TauDeny is the minimum confidence for a single deny to conclude.
	TauDeny float64
	// SafetyMargin is subtracted from the requester's budget so an answer
	// is always returned before the requester gives up waiting.
	SafetyMargin time.Duration
	ChallengeTTL time.Duration
}

// Coordinator authenticates experts and adjudicates delegations
type Coordinator struct {
	registry   *Registry
	challenges *challengeStore
	caller     Caller
	appender   EventAppender
	cfg        Config
	logger     *slog.Logger

	// Delegation cancel registry: delegation_id → cancel function
	mu       sync.RWMutex
	active   map[string]context.CancelFunc
	inFlight map[string]int
	stopped  bool
	wg       sync.WaitGroup
}

// NewCoordinator wires the coordinator. secrets resolves per-expert
// delegation keys; caller is the transport delegations go out on.
func NewCoordinator(registry *Registry, secrets SecretSource, caller Caller, appender EventAppender, cfg Config, logger *slog.Logger) *Coordinator {
	switch cfg.ConsensusN {
	case 1, 3, 5:
	default:
		cfg.ConsensusN = 3
	}
	return &Coordinator{
		registry:   registry,
		challenges: newChallengeStore(secrets, cfg.ChallengeTTL),
		caller:     caller,
		appender:   appender,
		cfg:        cfg,
		logger:     logger.With("component", "expert_coordinator"),
		active:     make(map[string]context.CancelFunc),
		inFlight:   make(map[string]int),
	}
}

// IssueChallenge mints a single-use registration challenge for the expert
func (c *Coordinator) IssueChallenge(expertID string) string {
	nonce := c.challenges.Issue(expertID)
	c.logger.Info("challenge issued", "expert_id", expertID)
	return nonce
}

// SweepChallenges drops expired challenges; run by the cleanup worker
func (c *Coordinator) SweepChallenges() int {
	return c.challenges.Sweep()
}

// Register verifies the challenge response and records the expert. A
// re-registration replaces capabilities and endpoint and lifts a
// quarantine, since possession of the delegation key was proved afresh.
func (c *Coordinator) Register(ctx context.Context, expertID string, capabilities []string, endpoint, nonce, response string) (Expert, error) {
	if err := c.challenges.Verify(expertID, nonce, response); err != nil {
		return Expert{}, err
	}

	payload, err := models.EncodePayload(&models.ExpertRegisteredPayload{
		ExpertID:     expertID,
		Capabilities: capabilities,
		Endpoint:     endpoint,
	})
	if err != nil {
		return Expert{}, fmt.Errorf("%w: %v", models.ErrSchemaInvalid, err)
	}
	event, err := c.appender.Append(ctx, &models.EventDraft{
		EventType:   models.EventExpertRegistered,
		AggregateID: "expert:" + expertID,
		AgentID:     expertID,
		Payload:     payload,
	})
	if err != nil {
		return Expert{}, err
	}
	c.registry.Apply(event)
	c.logger.Info("expert registered", "expert_id", expertID, "capabilities", capabilities)
	return c.registry.Get(expertID)
}

// Quarantine removes an expert from selection until it re-registers
func (c *Coordinator) Quarantine(ctx context.Context, expertID, reason string) error {
	if _, err := c.registry.Get(expertID); err != nil {
		return err
	}
	payload, err := models.EncodePayload(&models.ExpertQuarantinedPayload{ExpertID: expertID, Reason: reason})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrSchemaInvalid, err)
	}
	event, err := c.appender.Append(ctx, &models.EventDraft{
		EventType:   models.EventExpertQuarantined,
		AggregateID: "expert:" + expertID,
		AgentID:     expertID,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	c.registry.Apply(event)
	c.logger.Warn("expert quarantined", "expert_id", expertID, "reason", reason)
	return nil
}

// Delegate dispatches the request to a selected panel and adjudicates the
// votes. The dispatch and the decision are both logged; the decision event
// references the dispatch through causation_id.
func (c *Coordinator) Delegate(ctx context.Context, req *DelegationRequest) (*DelegationResult, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: coordinator stopped", models.ErrIO)
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	budget := req.Budget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	overall := budget - c.cfg.SafetyMargin
	if overall <= 0 {
		return nil, fmt.Errorf("%w: budget %v leaves nothing after safety margin %v", models.ErrTimeout, budget, c.cfg.SafetyMargin)
	}

	used := &usedSet{ids: make(map[string]bool)}
	selected := c.selectExperts(req.RequiredCapabilities, c.cfg.ConsensusN, used)
	delegation := &Delegation{
		ID:          uuid.New().String(),
		Fingerprint: req.Fingerprint,
		RequesterID: req.RequesterID,
		ExpertIDs:   expertIDs(selected),
		State:       models.DelegationPending,
		CreatedAt:   time.Now().UTC(),
		Deadline:    time.Now().UTC().Add(overall),
	}

	if len(selected) == 0 {
		// Nothing was dispatched, so nothing is logged: the fail-closed
		// deny is the coordinator's own answer, not a consensus.
		c.logger.Warn("no eligible experts", "fingerprint", req.Fingerprint, "required", req.RequiredCapabilities)
		return &DelegationResult{DelegationID: delegation.ID, Verdict: models.VerdictDeny}, nil
	}

	dctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()
	c.track(delegation.ID, cancel)
	defer c.untrack(delegation.ID)

	dispatchPayload, err := models.EncodePayload(&models.ExpertDelegatedPayload{
		DelegationID:         delegation.ID,
		Fingerprint:          req.Fingerprint,
		RequiredCapabilities: req.RequiredCapabilities,
		ExpertIDs:            delegation.ExpertIDs,
		DeadlineMs:           overall.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSchemaInvalid, err)
	}
	// The dispatch event's id is the delegation id, so the decision and any
	// later annotations can point at it.
	if _, err := c.appender.Append(ctx, &models.EventDraft{
		EventID:     delegation.ID,
		EventType:   models.EventExpertDelegated,
		AggregateID: "delegation:" + delegation.ID,
		AgentID:     req.RequesterID,
		Payload:     dispatchPayload,
	}); err != nil {
		return nil, err
	}
	delegation.State = models.DelegationDispatched

	votes := make([]models.ExpertVote, len(selected))
	var g errgroup.Group
	for i, expert := range selected {
		c.addInFlight(expert.ID, 1)
		g.Go(func() error {
			defer c.addInFlight(expert.ID, -1)
			votes[i] = c.collectVote(dctx, delegation, req, expert, used)
			return nil
		})
	}
	delegation.State = models.DelegationCollecting
	_ = g.Wait()

	verdict := Adjudicate(votes, c.cfg.ConsensusN, c.cfg.TauApprove, c.cfg.TauDeny)
	delegation.State = models.DelegationDecided
	delegation.Verdict = verdict

	decisionPayload, err := models.EncodePayload(&models.ExpertDecisionPayload{
		DelegationID: delegation.ID,
		Fingerprint:  req.Fingerprint,
		Verdict:      verdict,
		Votes:        votes,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSchemaInvalid, err)
	}
	// The verdict is logged even when the requester has already gone away;
	// an unlogged decision must never authorize anything.
	if _, err := c.appender.Append(context.WithoutCancel(ctx), &models.EventDraft{
		EventType:   models.EventExpertDecision,
		AggregateID: "delegation:" + delegation.ID,
		AgentID:     req.RequesterID,
		CausationID: delegation.ID,
		Payload:     decisionPayload,
	}); err != nil {
		return nil, err
	}
	delegation.State = models.DelegationLogged

	c.logger.Info("delegation decided",
		"delegation_id", delegation.ID,
		"fingerprint", req.Fingerprint,
		"verdict", verdict,
		"votes", len(votes))
	return &DelegationResult{
		DelegationID: delegation.ID,
		Verdict:      verdict,
		Votes:        votes,
		ExpertIDs:    delegation.ExpertIDs,
	}, nil
}

// collectVote runs one panel seat: the primary expert gets half the
// remaining window so a replacement still has room, and a seat that loses
// both attempts reports a timeout or abstain instead of blocking the panel.
func (c *Coordinator) collectVote(ctx context.Context, delegation *Delegation, req *DelegationRequest, expert Expert, used *usedSet) models.ExpertVote {
	primaryCtx, cancel := halfWindow(ctx)
	vote, err := c.call(primaryCtx, &expert, delegation, req)
	cancel()
	if err == nil {
		return sanitizeVote(expert.ID, vote)
	}
	c.logger.Warn("expert call failed", "delegation_id", delegation.ID, "expert_id", expert.ID, "error", err)

	replacement, ok := c.pickReplacement(req.RequiredCapabilities, used)
	if !ok {
		if isTimeout(err) {
			return timeoutVote(expert.ID)
		}
		return abstainVote(expert.ID)
	}

	c.addInFlight(replacement.ID, 1)
	defer c.addInFlight(replacement.ID, -1)
	vote, err = c.call(ctx, &replacement, delegation, req)
	if err != nil {
		c.logger.Warn("replacement expert call failed", "delegation_id", delegation.ID, "expert_id", replacement.ID, "error", err)
		if isTimeout(err) {
			return timeoutVote(replacement.ID)
		}
		return abstainVote(replacement.ID)
	}
	return sanitizeVote(replacement.ID, vote)
}

func (c *Coordinator) call(ctx context.Context, expert *Expert, delegation *Delegation, req *DelegationRequest) (*models.ExpertVote, error) {
	deadlineMs := int64(0)
	if deadline, ok := ctx.Deadline(); ok {
		deadlineMs = time.Until(deadline).Milliseconds()
	}
	return c.caller.Call(ctx, expert, &VoteRequest{
		DelegationID: delegation.ID,
		Fingerprint:  delegation.Fingerprint,
		RequesterID:  req.RequesterID,
		Command:      req.Command,
		DeadlineMs:   deadlineMs,
	})
}

// selectExperts picks up to n eligible experts, idlest first. Ties break on
// expert id so selection is deterministic.
func (c *Coordinator) selectExperts(required []string, n int, used *usedSet) []Expert {
	candidates := c.registry.Candidates(required)

	c.mu.RLock()
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := c.inFlight[candidates[i].ID], c.inFlight[candidates[j].ID]
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})
	c.mu.RUnlock()

	selected := make([]Expert, 0, n)
	for _, candidate := range candidates {
		if len(selected) == n {
			break
		}
		if used.claim(candidate.ID) {
			selected = append(selected, candidate)
		}
	}
	return selected
}

func (c *Coordinator) pickReplacement(required []string, used *usedSet) (Expert, bool) {
	picked := c.selectExperts(required, 1, used)
	if len(picked) == 0 {
		return Expert{}, false
	}
	return picked[0], true
}

// Stop cancels in-flight delegations and waits for them to log their
// fail-closed verdicts
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancels := make([]context.CancelFunc, 0, len(c.active))
	for _, cancel := range c.active {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()
	c.logger.Info("expert coordinator stopped")
}

func (c *Coordinator) track(delegationID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[delegationID] = cancel
}

func (c *Coordinator) untrack(delegationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, delegationID)
}

func (c *Coordinator) addInFlight(expertID string, delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[expertID] += delta
	if c.inFlight[expertID] <= 0 {
		delete(c.inFlight, expertID)
	}
}

// usedSet tracks experts already seated on a panel so a replacement is
// never an expert that already voted
type usedSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (u *usedSet) claim(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ids[id] {
		return false
	}
	u.ids[id] = true
	return true
}

func expertIDs(selected []Expert) []string {
	out := make([]string, len(selected))
	for i, expert := range selected {
		out[i] = expert.ID
	}
	return out
}

func halfWindow(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Until(deadline)/2)
}

func isTimeout(err error) bool {
	return errors.Is(err, models.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
