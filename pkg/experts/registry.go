package experts

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// EventSource is the slice of the event store the registry folds from
type EventSource interface {
	Query(ctx context.Context, filter models.EventFilter, cursor uint64, limit int) (*models.EventPage, error)
}

var expertEventTypes = []models.EventType{
	models.EventExpertRegistered,
	models.EventExpertQuarantined,
}

// Registry is the current view of registered experts, folded from
// expert.registered and expert.quarantined events. Like every derived view
// it can always be rebuilt from the log.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	experts map[string]*Expert
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "expert_registry"),
		experts: make(map[string]*Expert),
	}
}

// Load folds all expert events currently in the log
func (r *Registry) Load(ctx context.Context, src EventSource) error {
	filter := models.EventFilter{EventTypes: expertEventTypes}
	cursor := uint64(0)
	for {
		page, err := src.Query(ctx, filter, cursor, 0)
		if err != nil {
			return fmt.Errorf("loading experts: %w", err)
		}
		for _, event := range page.Events {
			r.Apply(event)
			cursor = event.Sequence
		}
		if page.NextCursor == 0 {
			return nil
		}
		cursor = page.NextCursor
	}
}

// Apply folds one event into the registry. The fold is total: malformed
// events are logged and skipped, never wedged on.
func (r *Registry) Apply(event *models.Event) {
	decoded, err := models.DecodePayload(event.EventType, event.Payload)
	if err != nil {
		if event.EventType == models.EventExpertRegistered || event.EventType == models.EventExpertQuarantined {
			r.logger.Warn("skipping malformed expert event", "sequence", event.Sequence, "error", err)
		}
		return
	}

	switch payload := decoded.(type) {
	case *models.ExpertRegisteredPayload:
		r.mu.Lock()
		// Re-registration replaces capabilities and endpoint, and lifts a
		// quarantine: the expert has re-proved possession of its key.
		r.experts[payload.ExpertID] = &Expert{
			ID:           payload.ExpertID,
			Capabilities: append([]string(nil), payload.Capabilities...),
			Endpoint:     payload.Endpoint,
			Status:       models.ExpertActive,
			RegisteredAt: event.Timestamp,
		}
		r.mu.Unlock()

	case *models.ExpertQuarantinedPayload:
		r.mu.Lock()
		if expert, ok := r.experts[payload.ExpertID]; ok {
			expert.Status = models.ExpertQuarantined
		}
		r.mu.Unlock()
	}
}

// Get returns a copy of the expert
func (r *Registry) Get(expertID string) (Expert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expert, ok := r.experts[expertID]
	if !ok {
		return Expert{}, fmt.Errorf("%w: expert %s", models.ErrNotFound, expertID)
	}
	return expert.Clone(), nil
}

// Candidates returns active experts whose capability set intersects the
// required capabilities. Empty requirements match every active expert.
// Quarantined experts are never returned.
func (r *Registry) Candidates(required []string) []Expert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Expert
	for _, expert := range r.experts {
		if expert.Status != models.ExpertActive {
			continue
		}
		if len(required) > 0 && !intersects(expert.Capabilities, required) {
			continue
		}
		out = append(out, expert.Clone())
	}
	return out
}

// Count returns how many experts are known, in any status
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.experts)
}

func intersects(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
