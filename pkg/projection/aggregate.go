// Package projection folds domain events into the project aggregate: the
// shadow tree, per-path annotations, named snapshots, and pair threads.
// Everything here is derived state; the log stays the source of truth, and
// checkpoints only make restarts and historical folds cheaper.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// CheckpointKey names the aggregate's slot in store checkpoints
const CheckpointKey = "project_aggregate"

const foldPageSize = 500

// Source is the slice of the event store the aggregate folds from
type Source interface {
	Query(ctx context.Context, filter models.EventFilter, cursor uint64, limit int) (*models.EventPage, error)
}

// CheckpointSource hands back persisted projection states near a sequence
type CheckpointSource interface {
	LatestCheckpoint() (uint64, map[string]json.RawMessage, error)
	CheckpointAtOrBefore(seq uint64) (uint64, map[string]json.RawMessage, error)
}

// Aggregate is the process-wide materializer for the project view. One
// goroutine folds at a time; reads run concurrently against the current
// state.
type Aggregate struct {
	source      Source
	checkpoints CheckpointSource
	logger      *slog.Logger

	mu    sync.RWMutex
	state *State
}

// NewAggregate wires the fold to its event source. checkpoints may be nil,
// in which case every fold starts from sequence one.
func NewAggregate(source Source, checkpoints CheckpointSource, logger *slog.Logger) *Aggregate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregate{
		source:      source,
		checkpoints: checkpoints,
		logger:      logger.With("component", "project_aggregate"),
		state:       NewState(),
	}
}

// Load seeds the fold from the newest checkpoint, then catches up to the
// head of the log. Call once at startup before serving reads.
func (a *Aggregate) Load(ctx context.Context) error {
	if a.checkpoints != nil {
		seq, projections, err := a.checkpoints.LatestCheckpoint()
		switch {
		case err != nil:
			a.logger.Warn("checkpoint unavailable, folding from scratch", "error", err)
		case seq > 0:
			if restored := restoreState(projections); restored != nil {
				a.mu.Lock()
				a.state = restored
				a.mu.Unlock()
			}
		}
	}
	folded, err := a.CatchUp(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("project aggregate loaded",
		"applied_sequence", a.AppliedSequence(),
		"events_folded", folded)
	return nil
}

// CatchUp folds events past the applied watermark and returns how many were
// folded
func (a *Aggregate) CatchUp(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.foldForward(ctx, a.state, 0)
}

// Apply folds one live event. Already applied sequences are no-ops, which
// makes redelivery across subscription reconnects safe.
func (a *Aggregate) Apply(event *models.Event) {
	a.mu.Lock()
	err := a.state.Apply(event)
	a.mu.Unlock()
	if err != nil {
		a.logger.Warn("skipping unreadable event in fold", "error", err)
	}
}

// Marshal serializes the fold for checkpointing, with the watermark it
// covers
func (a *Aggregate) Marshal() (uint64, json.RawMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	raw, err := json.Marshal(a.state)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: encoding projection state: %v", models.ErrIO, err)
	}
	return a.state.Applied, raw, nil
}

// StateAt reconstructs the aggregate as of seq by folding events with
// sequence at most seq, starting from the nearest checkpoint not past it.
// The returned state is private to the caller.
func (a *Aggregate) StateAt(ctx context.Context, seq uint64) (*State, error) {
	state := NewState()
	if seq == 0 {
		return state, nil
	}
	if a.checkpoints != nil {
		cpSeq, projections, err := a.checkpoints.CheckpointAtOrBefore(seq)
		if err == nil && cpSeq > 0 && cpSeq <= seq {
			if restored := restoreState(projections); restored != nil && restored.Applied <= seq {
				state = restored
			}
		}
	}
	if _, err := a.foldForward(ctx, state, seq); err != nil {
		return nil, err
	}
	return state, nil
}

// SnapshotView materializes the named snapshot's tree
func (a *Aggregate) SnapshotView(ctx context.Context, name string) (*State, error) {
	snap, err := a.Snapshot(name)
	if err != nil {
		return nil, err
	}
	return a.StateAt(ctx, snap.AtSequence)
}

// foldForward pages matching events after state's watermark up to sequence
// "to" (zero = head) into state. Callers own the locking of state.
func (a *Aggregate) foldForward(ctx context.Context, state *State, to uint64) (int, error) {
	filter := models.EventFilter{EventTypes: FoldEventTypes, ToSequence: to}
	cursor := state.Applied
	folded := 0
	for {
		page, err := a.source.Query(ctx, filter, cursor, foldPageSize)
		if err != nil {
			return folded, err
		}
		for _, event := range page.Events {
			if err := state.Apply(event); err != nil {
				a.logger.Warn("skipping unreadable event in fold", "error", err)
			}
			folded++
		}
		if page.NextCursor == 0 {
			return folded, nil
		}
		cursor = page.NextCursor
	}
}

// restoreState decodes the aggregate's slot from checkpointed projections,
// nil when absent or unreadable
func restoreState(projections map[string]json.RawMessage) *State {
	raw, ok := projections[CheckpointKey]
	if !ok {
		return nil
	}
	state := NewState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil
	}
	state.ensure()
	return state
}

// AppliedSequence returns the fold watermark
func (a *Aggregate) AppliedSequence() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Applied
}

// FileCount returns the number of live shadow paths
func (a *Aggregate) FileCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.state.Files)
}

// File returns the latest shadow entry for path
func (a *Aggregate) File(path string) (*FileEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.state.Files[path]
	if !ok {
		return nil, fmt.Errorf("%w: path %q", models.ErrNotFound, path)
	}
	c := *entry
	return &c, nil
}

// Annotations returns the ordered annotations for path, oldest first
func (a *Aggregate) Annotations(path string) []Annotation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Annotation(nil), a.state.Annotations[path]...)
}

// Snapshot returns the named snapshot record
func (a *Aggregate) Snapshot(name string) (*Snapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap, ok := a.state.Snapshots[name]
	if !ok {
		return nil, fmt.Errorf("%w: snapshot %q", models.ErrNotFound, name)
	}
	c := *snap
	return &c, nil
}

// Pair returns the folded thread for one pair session
func (a *Aggregate) Pair(pairID string) (*PairThread, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	thread, ok := a.state.Pairs[pairID]
	if !ok {
		return nil, fmt.Errorf("%w: pair %q", models.ErrNotFound, pairID)
	}
	c := *thread
	c.Suggestions = append([]Suggestion(nil), thread.Suggestions...)
	c.Comments = append([]Comment(nil), thread.Comments...)
	return &c, nil
}
