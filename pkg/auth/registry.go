package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// EventSource is the slice of the event store the registry folds from
type EventSource interface {
	Query(ctx context.Context, filter models.EventFilter, cursor uint64, limit int) (*models.EventPage, error)
}

var identityEventTypes = []models.EventType{
	models.EventIdentityCreated,
	models.EventIdentityPromoted,
	models.EventIdentityRevoked,
}

// Registry is the authenticated-identity singleton. It is a fold over
// identity.created, identity.promoted and identity.revoked events; the log
// stays the source of truth and the registry is just the current view.
//
// Construct exactly one per process and hand the same instance to every
// component. Identity state diverging between components means two
// registries were built, which is a defect.
type Registry struct {
	secret []byte
	logger *slog.Logger

	mu         sync.RWMutex
	identities map[string]*models.AgentIdentity
	foldedTo   uint64
}

func NewRegistry(secret []byte, logger *slog.Logger) *Registry {
	return &Registry{
		secret:     secret,
		logger:     logger.With("component", "identity_registry"),
		identities: make(map[string]*models.AgentIdentity),
	}
}

// Load folds all identity events currently in the log
func (r *Registry) Load(ctx context.Context, src EventSource) error {
	filter := models.EventFilter{EventTypes: identityEventTypes}
	cursor := uint64(0)
	for {
		page, err := src.Query(ctx, filter, cursor, 0)
		if err != nil {
			return fmt.Errorf("loading identities: %w", err)
		}
		for _, event := range page.Events {
			r.Apply(event)
		}
		if page.NextCursor == 0 {
			break
		}
		cursor = page.NextCursor
	}
	r.mu.RLock()
	count := len(r.identities)
	r.mu.RUnlock()
	r.logger.Info("identity registry loaded", "identities", count)
	return nil
}

// Apply folds one event into the registry. Non-identity events are
// ignored, as are events that do not apply cleanly: the fold is total so a
// replay can never wedge startup.
func (r *Registry) Apply(event *models.Event) {
	payload, err := models.DecodePayload(event.EventType, event.Payload)
	if err != nil {
		if isIdentityEvent(event.EventType) {
			r.logger.Warn("skipping malformed identity event", "sequence", event.Sequence, "error", err)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if event.Sequence > r.foldedTo {
		r.foldedTo = event.Sequence
	}

	switch p := payload.(type) {
	case *models.IdentityCreatedPayload:
		if p.AgentID == models.ReservedStoreAgentID {
			r.logger.Warn("ignoring identity.created for reserved agent id", "sequence", event.Sequence)
			return
		}
		if existing, ok := r.identities[p.AgentID]; ok {
			// Creation is one-time; role changes arrive as promotions and
			// a revoked agent stays revoked.
			r.logger.Warn("ignoring duplicate identity.created",
				"agent_id", p.AgentID, "sequence", event.Sequence, "revoked", existing.Revoked)
			return
		}
		r.identities[p.AgentID] = &models.AgentIdentity{
			AgentID:       p.AgentID,
			Role:          p.Role,
			Capabilities:  append([]string(nil), p.Capabilities...),
			CredentialMAC: p.CredentialMAC,
		}
	case *models.IdentityPromotedPayload:
		identity, ok := r.identities[p.AgentID]
		if !ok || identity.Revoked {
			r.logger.Warn("ignoring promotion of unknown or revoked agent",
				"agent_id", p.AgentID, "sequence", event.Sequence)
			return
		}
		identity.Role = p.Role
	case *models.IdentityRevokedPayload:
		identity, ok := r.identities[p.AgentID]
		if !ok {
			r.logger.Warn("ignoring revocation of unknown agent",
				"agent_id", p.AgentID, "sequence", event.Sequence)
			return
		}
		identity.Revoked = true
	}
}

// Get returns a copy of the identity, revoked or not. Unknown agents fail
// with unauthenticated: identities are never created as a side effect of
// being asked about.
func (r *Registry) Get(agentID string) (*models.AgentIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown agent", models.ErrUnauthenticated)
	}
	copied := *identity
	copied.Capabilities = append([]string(nil), identity.Capabilities...)
	return &copied, nil
}

// VerifyCredential authenticates an agent by credential. The stored MAC is
// compared in constant time; unknown agents, revoked agents and wrong
// credentials are indistinguishable to the caller.
func (r *Registry) VerifyCredential(agentID, credential string) (*models.AgentIdentity, error) {
	r.mu.RLock()
	identity, ok := r.identities[agentID]
	var storedMAC string
	var revoked bool
	if ok {
		storedMAC = identity.CredentialMAC
		revoked = identity.Revoked
	}
	r.mu.RUnlock()

	computed := ComputeCredentialMAC(r.secret, agentID, credential)
	stored, err := hex.DecodeString(storedMAC)
	if err != nil || len(stored) == 0 {
		stored = make([]byte, sha256.Size)
	}
	computedRaw, _ := hex.DecodeString(computed)

	match := hmac.Equal(computedRaw, stored)
	if !ok || revoked || !match {
		return nil, fmt.Errorf("%w: credential rejected", models.ErrUnauthenticated)
	}
	return r.Get(agentID)
}

// ComputeCredentialMAC derives the log-safe form of a credential:
// hex(HMAC-SHA256(secret, agent_id || credential)). The plaintext
// credential never enters the log.
func ComputeCredentialMAC(secret []byte, agentID, credential string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(agentID))
	mac.Write([]byte(credential))
	return hex.EncodeToString(mac.Sum(nil))
}

// Count returns the number of known identities, revoked included
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// FoldedTo returns the highest sequence the registry has folded
func (r *Registry) FoldedTo() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.foldedTo
}

func isIdentityEvent(t models.EventType) bool {
	for _, it := range identityEventTypes {
		if t == it {
			return true
		}
	}
	return false
}
