// Package cleanup runs the background maintenance loop: projection
// checkpoints, expired-session sweeps, and in-memory table pruning.
package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/config"
	"github.com/lighthouse-hq/lighthouse/pkg/experts"
	"github.com/lighthouse-hq/lighthouse/pkg/metrics"
	"github.com/lighthouse-hq/lighthouse/pkg/projection"
	"github.com/lighthouse-hq/lighthouse/pkg/ratelimit"
	"github.com/lighthouse-hq/lighthouse/pkg/session"
	"github.com/lighthouse-hq/lighthouse/pkg/store"
)

const (
	// defaultTick is the maintenance loop cadence.
	defaultTick = 30 * time.Second
	// defaultRetainDead keeps expired and revoked sessions queryable for a
	// while so clients get a precise rejection instead of "unknown token".
	defaultRetainDead = time.Hour
	// defaultGateIdle drops rate limiter entries for agents that have gone
	// quiet.
	defaultGateIdle = 10 * time.Minute
)

// Options wires the maintenance loop. Store, Aggregate, and Sessions are
// required; the rest may be nil and their tasks are skipped.
type Options struct {
	Checkpoint  config.CheckpointConfig
	Store       *store.Store
	Aggregate   *projection.Aggregate
	Sessions    *session.Manager
	Gate        *ratelimit.AgentGate
	Coordinator *experts.Coordinator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// Tick overrides the loop cadence, RetainDead the dead-session
	// retention, GateIdle the limiter idle cutoff. Zero means the default.
	Tick       time.Duration
	RetainDead time.Duration
	GateIdle   time.Duration
}

// Service owns the periodic maintenance pass. All tasks are idempotent, so
// a pass that races a shutdown or a concurrent API call cannot corrupt
// anything; at worst a checkpoint is written one tick late.
type Service struct {
	opts   Options
	logger *slog.Logger

	// lastCheckpoint is the sequence covered by the newest checkpoint.
	// Only the loop goroutine touches it after Start.
	lastCheckpoint uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the maintenance service. Call Start to launch the loop.
func NewService(opts Options) *Service {
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.RetainDead <= 0 {
		opts.RetainDead = defaultRetainDead
	}
	if opts.GateIdle <= 0 {
		opts.GateIdle = defaultGateIdle
	}
	return &Service{
		opts:   opts,
		logger: opts.Logger.With("component", "cleanup"),
	}
}

// Start launches the background maintenance loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}

	// Resume from the newest persisted checkpoint so a restart does not
	// immediately rewrite one.
	if seq, _, err := s.opts.Store.LatestCheckpoint(); err == nil {
		s.lastCheckpoint = seq
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)

	s.logger.Info("maintenance loop started",
		"tick", s.opts.Tick,
		"checkpoint_interval", s.opts.Checkpoint.Interval,
		"checkpoint_retain", s.opts.Checkpoint.Retain)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("maintenance loop stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final checkpoint so the next start folds as little as
			// possible. The loop context is already canceled, hence
			// the fresh one.
			s.checkpoint(context.Background(), true)
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.checkpoint(ctx, false)
	s.sweepSessions()
	s.pruneGate()
	s.sweepChallenges()
}

// checkpoint persists the projection fold once the log has advanced far
// enough past the previous checkpoint. force skips the interval gate and
// checkpoints any advance at all.
func (s *Service) checkpoint(ctx context.Context, force bool) {
	head := s.opts.Store.Head()
	if head == 0 || head <= s.lastCheckpoint {
		return
	}
	if !force && head < s.lastCheckpoint+s.opts.Checkpoint.Interval {
		return
	}

	if _, err := s.opts.Aggregate.CatchUp(ctx); err != nil {
		s.logger.Error("maintenance: projection catch-up failed", "error", err)
		return
	}
	applied, raw, err := s.opts.Aggregate.Marshal()
	if err != nil {
		s.logger.Error("maintenance: projection encode failed", "error", err)
		return
	}

	seq, err := s.opts.Store.Checkpoint(ctx,
		map[string]json.RawMessage{projection.CheckpointKey: raw},
		s.opts.Checkpoint.Retain)
	if err != nil {
		s.logger.Error("maintenance: checkpoint failed", "error", err)
		return
	}
	if seq > 0 {
		s.lastCheckpoint = seq
		s.logger.Info("maintenance: checkpoint written",
			"sequence", seq, "applied_sequence", applied)
	}
}

func (s *Service) sweepSessions() {
	expired, removed := s.opts.Sessions.Sweep(s.opts.RetainDead)
	if expired > 0 || removed > 0 {
		s.logger.Info("maintenance: swept sessions",
			"expired", expired, "removed", removed)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.SetActiveSessions(s.opts.Sessions.ActiveTotal())
	}
}

func (s *Service) pruneGate() {
	if s.opts.Gate == nil {
		return
	}
	if n := s.opts.Gate.Prune(s.opts.GateIdle); n > 0 {
		s.logger.Debug("maintenance: pruned rate limiter entries", "count", n)
	}
}

func (s *Service) sweepChallenges() {
	if s.opts.Coordinator == nil {
		return
	}
	if n := s.opts.Coordinator.SweepChallenges(); n > 0 {
		s.logger.Debug("maintenance: dropped expired challenges", "count", n)
	}
}
