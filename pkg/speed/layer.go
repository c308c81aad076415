// Package speed answers "is this command safe?" within a latency budget. It
// stacks three tiers: an LRU memory cache keyed by command fingerprint, a
// precompiled policy rule set, and an external pattern classifier. The first
// tier to return a non-abstain verdict decides; anything still undecided is
// escalated to the expert coordinator behind a coalescing dispatcher and a
// circuit breaker.
package speed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// DefaultExpertBudget bounds an escalation when no budget is configured.
const DefaultExpertBudget = 30 * time.Second

// Escalator hands an undecided command to the expert coordinator
type Escalator interface {
	Escalate(ctx context.Context, esc *Escalation) (*Decision, error)
}

// Options configures a Layer
type Options struct {
	MemoryCacheSize int
	Rules           *RuleSet
	// Classifier is tier 3; nil disables it.
	Classifier Classifier
	// Escalator receives everything the tiers cannot decide; nil fails
	// those commands closed.
	Escalator    Escalator
	ExpertBudget time.Duration
	// BreakerFailureRatio and BreakerMinRequests tune when the escalation
	// circuit opens.
	BreakerFailureRatio float64
	BreakerMinRequests  int
	Logger              *slog.Logger
}

// Layer is the three-tier command classifier
type Layer struct {
	cache      *lru.Cache[string, Decision]
	rules      *RuleSet
	classifier Classifier
	escalator  Escalator
	budget     time.Duration
	breaker    *gobreaker.CircuitBreaker
	group      singleflight.Group
	logger     *slog.Logger
}

// NewLayer builds the classifier from precompiled parts
func NewLayer(opts Options) (*Layer, error) {
	if opts.MemoryCacheSize <= 0 {
		opts.MemoryCacheSize = 4096
	}
	if opts.Rules == nil {
		opts.Rules = &RuleSet{}
	}
	if opts.ExpertBudget <= 0 {
		opts.ExpertBudget = DefaultExpertBudget
	}
	if opts.BreakerFailureRatio <= 0 || opts.BreakerFailureRatio > 1 {
		opts.BreakerFailureRatio = 0.5
	}
	if opts.BreakerMinRequests <= 0 {
		opts.BreakerMinRequests = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "speed_layer")

	cache, err := lru.New[string, Decision](opts.MemoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building memory cache: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "expert-escalation",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= uint32(opts.BreakerMinRequests) && ratio >= opts.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("escalation breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Layer{
		cache:      cache,
		rules:      opts.Rules,
		classifier: opts.Classifier,
		escalator:  opts.Escalator,
		budget:     opts.ExpertBudget,
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// Classify runs the command down the tiers and returns the first non-abstain
// decision. Commands no tier can decide are escalated; when the escalation
// path is broken the answer is deny.
func (l *Layer) Classify(ctx context.Context, agentID string, cmd *models.Command, role models.Role) (Decision, error) {
	fingerprint := Fingerprint(cmd, role)

	if cached, ok := l.cache.Get(fingerprint); ok {
		cached.Tier = TierMemory
		return cached, nil
	}

	if decision := l.rules.Evaluate(cmd, role); decision != nil {
		if decision.Verdict == models.VerdictEscalate {
			return l.escalate(ctx, agentID, cmd, role, fingerprint)
		}
		l.cache.Add(fingerprint, *decision)
		return *decision, nil
	}

	if l.classifier != nil {
		resp, err := l.classifier.Classify(ctx, &ClassifyRequest{
			Fingerprint: fingerprint,
			Kind:        cmd.Kind,
			Args:        normalizeArgs(cmd.Args),
			TargetPath:  cmd.TargetPath,
			Role:        role,
		})
		switch {
		case err != nil:
			// A broken classifier degrades to an abstain, not an outage.
			l.logger.Warn("pattern classifier unavailable", "fingerprint", fingerprint, "error", err)
		case resp.Verdict == models.VerdictApprove || resp.Verdict == models.VerdictDeny:
			decision := Decision{Verdict: resp.Verdict, Confidence: resp.Confidence, Tier: TierPattern, Reason: resp.Reason}
			l.cache.Add(fingerprint, decision)
			return decision, nil
		}
	}

	return l.escalate(ctx, agentID, cmd, role, fingerprint)
}

// escalate hands the command to the expert coordinator. Concurrent requests
// with the same fingerprint share one upstream delegation.
func (l *Layer) escalate(ctx context.Context, agentID string, cmd *models.Command, role models.Role, fingerprint string) (Decision, error) {
	if l.escalator == nil {
		return Decision{Verdict: models.VerdictDeny, Tier: TierEscalation, Reason: "no escalation path configured"}, nil
	}

	esc := &Escalation{
		Fingerprint: fingerprint,
		Command:     cmd,
		Role:        role,
		AgentID:     agentID,
		Budget:      l.budget,
	}

	result, err, _ := l.group.Do(fingerprint, func() (interface{}, error) {
		return l.breaker.Execute(func() (interface{}, error) {
			escCtx, cancel := context.WithTimeout(ctx, l.budget)
			defer cancel()
			return l.escalator.Escalate(escCtx, esc)
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if role == models.RoleSystemAdmin {
				return l.escalateBypassingBreaker(ctx, esc)
			}
			return Decision{Verdict: models.VerdictDeny, Tier: TierEscalation, Reason: "escalation circuit open"},
				fmt.Errorf("%w: escalations suspended", models.ErrCircuitOpen)
		}
		return Decision{Verdict: models.VerdictDeny, Tier: TierEscalation, Reason: "escalation failed"}, err
	}

	decision := *result.(*Decision)
	decision.Tier = TierEscalation
	l.cacheVerdict(fingerprint, decision)
	return decision, nil
}

// escalateBypassingBreaker serves system.admin callers while the circuit is
// open. The call neither consults nor feeds the breaker.
func (l *Layer) escalateBypassingBreaker(ctx context.Context, esc *Escalation) (Decision, error) {
	l.logger.Warn("escalating past open breaker", "fingerprint", esc.Fingerprint, "agent_id", esc.AgentID)
	escCtx, cancel := context.WithTimeout(ctx, l.budget)
	defer cancel()

	result, err := l.escalator.Escalate(escCtx, esc)
	if err != nil {
		return Decision{Verdict: models.VerdictDeny, Tier: TierEscalation, Reason: "escalation failed"}, err
	}
	decision := *result
	decision.Tier = TierEscalation
	l.cacheVerdict(esc.Fingerprint, decision)
	return decision, nil
}

// cacheVerdict admits settled verdicts to the memory tier. A needs-revision
// is advice about a command the requester is expected to change, so it is
// not worth a cache slot.
func (l *Layer) cacheVerdict(fingerprint string, decision Decision) {
	if decision.Verdict == models.VerdictApprove || decision.Verdict == models.VerdictDeny {
		l.cache.Add(fingerprint, decision)
	}
}

// CacheLen reports how many decisions the memory tier holds
func (l *Layer) CacheLen() int {
	return l.cache.Len()
}
