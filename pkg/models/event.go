// Package models contains the domain types shared across Lighthouse
// subsystems: events and their typed payloads, identities, commands, expert
// votes, and the canonical error kinds.
package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the domain event family of a payload
type EventType string

const (
	EventIdentityCreated  EventType = "identity.created"
	EventIdentityPromoted EventType = "identity.promoted"
	EventIdentityRevoked  EventType = "identity.revoked"

	EventSessionCreated EventType = "session.created"
	EventSessionRevoked EventType = "session.revoked"

	EventFileWritten     EventType = "file.written"
	EventAnnotationAdded EventType = "annotation.added"
	EventSnapshotCreated EventType = "snapshot.created"

	EventPairRequested  EventType = "pair.requested"
	EventPairAccepted   EventType = "pair.accepted"
	EventPairSuggestion EventType = "pair.suggestion"
	EventPairComment    EventType = "pair.comment"
	EventPairClosed     EventType = "pair.closed"

	EventExpertRegistered  EventType = "expert.registered"
	EventExpertQuarantined EventType = "expert.quarantined"
	EventExpertDelegated   EventType = "expert.delegated"
	EventExpertDecision    EventType = "expert.decision"

	EventStoreRecovered EventType = "store.recovered"
)

// IsValid checks if the event type is one of the domain events
func (t EventType) IsValid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// Privileged reports whether events of this type carry identity or session
// material and are therefore visible only to system administrators.
func (t EventType) Privileged() bool {
	switch t {
	case EventIdentityCreated, EventIdentityPromoted, EventIdentityRevoked,
		EventSessionCreated, EventSessionRevoked:
		return true
	}
	return false
}

// Event is one immutable record of the append-only log. Sequence and
// IntegrityTag are assigned at append; everything else comes from the draft.
type Event struct {
	Sequence    uint64          `json:"sequence"`
	EventID     string          `json:"event_id"`
	EventType   EventType       `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	AgentID     string          `json:"agent_id"`
	Timestamp   time.Time       `json:"timestamp"`
	CausationID string          `json:"causation_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	// IntegrityTag chains this event to the prior log state:
	// tag_i = HMAC-SHA256(secret, tag_{i-1} || canonical_bytes(event_i)).
	IntegrityTag []byte `json:"integrity_tag"`
}

// EventDraft is the caller-supplied part of an event, before sequencing
type EventDraft struct {
	EventID     string          `json:"event_id,omitempty"`
	EventType   EventType       `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	AgentID     string          `json:"agent_id"`
	Timestamp   time.Time       `json:"timestamp,omitempty"`
	CausationID string          `json:"causation_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	// ExpectedHeadTag optionally pins the chain head this append must extend.
	// A mismatch with the actual head fails the append with an integrity
	// violation instead of writing on a diverged log.
	ExpectedHeadTag []byte `json:"expected_head_tag,omitempty"`
}

// EventFilter selects events for queries and subscriptions. Zero values mean
// "no constraint"; FromSequence/ToSequence bound the global sequence range
// inclusively.
type EventFilter struct {
	AggregateID  string      `json:"aggregate_id,omitempty"`
	EventTypes   []EventType `json:"event_types,omitempty"`
	FromSequence uint64      `json:"from_sequence,omitempty"`
	ToSequence   uint64      `json:"to_sequence,omitempty"`
}

// Matches reports whether the event satisfies every set constraint
func (f EventFilter) Matches(e *Event) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if f.FromSequence != 0 && e.Sequence < f.FromSequence {
		return false
	}
	if f.ToSequence != 0 && e.Sequence > f.ToSequence {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EventPage is one page of query results in sequence order
type EventPage struct {
	Events     []*Event `json:"events"`
	NextCursor uint64   `json:"next_cursor,omitempty"`
}
