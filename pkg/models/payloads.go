package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is implemented by every typed event payload
type Payload interface {
	Validate() error
}

// IdentityCreatedPayload records a new agent identity. CredentialMAC is an
// HMAC over the agent's credential; the plaintext credential never enters
// the log.
type IdentityCreatedPayload struct {
	AgentID       string   `json:"agent_id"`
	Role          Role     `json:"role"`
	CredentialMAC string   `json:"credential_mac,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

func (p *IdentityCreatedPayload) Validate() error {
	if p.AgentID == "" {
		return NewValidationError("agent_id", "agent_id is required")
	}
	if !p.Role.IsValid() {
		return NewValidationError("role", fmt.Sprintf("unknown role %q", p.Role))
	}
	return nil
}

// IdentityPromotedPayload changes an agent's role
type IdentityPromotedPayload struct {
	AgentID string `json:"agent_id"`
	Role    Role   `json:"role"`
}

func (p *IdentityPromotedPayload) Validate() error {
	if p.AgentID == "" {
		return NewValidationError("agent_id", "agent_id is required")
	}
	if !p.Role.IsValid() {
		return NewValidationError("role", fmt.Sprintf("unknown role %q", p.Role))
	}
	return nil
}

// IdentityRevokedPayload removes an agent identity from service
type IdentityRevokedPayload struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

func (p *IdentityRevokedPayload) Validate() error {
	if p.AgentID == "" {
		return NewValidationError("agent_id", "agent_id is required")
	}
	return nil
}

// SessionCreatedPayload records a session and its bindings
type SessionCreatedPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	IPAddr    string `json:"ip_addr"`
	UserAgent string `json:"user_agent"`
}

func (p *SessionCreatedPayload) Validate() error {
	if p.SessionID == "" {
		return NewValidationError("session_id", "session_id is required")
	}
	if p.AgentID == "" {
		return NewValidationError("agent_id", "agent_id is required")
	}
	return nil
}

// SessionRevokedPayload records a session revocation and why
type SessionRevokedPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Reason    string `json:"reason,omitempty"`
}

func (p *SessionRevokedPayload) Validate() error {
	if p.SessionID == "" {
		return NewValidationError("session_id", "session_id is required")
	}
	return nil
}

// FileWrittenPayload records a shadow-tree write by content hash
type FileWrittenPayload struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

func (p *FileWrittenPayload) Validate() error {
	if p.Path == "" {
		return NewValidationError("path", "path is required")
	}
	if p.ContentHash == "" {
		return NewValidationError("content_hash", "content_hash is required")
	}
	return nil
}

// AnnotationAddedPayload anchors an expert annotation to a path and line
type AnnotationAddedPayload struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Category string `json:"category"`
	Message  string `json:"message"`
	Author   string `json:"author"`
}

func (p *AnnotationAddedPayload) Validate() error {
	if p.Path == "" {
		return NewValidationError("path", "path is required")
	}
	if p.Line < 0 {
		return NewValidationError("line", "line must not be negative")
	}
	if p.Message == "" {
		return NewValidationError("message", "message is required")
	}
	return nil
}

// SnapshotCreatedPayload names a materialized view of the tree at a sequence
type SnapshotCreatedPayload struct {
	Name       string `json:"name"`
	AtSequence uint64 `json:"at_sequence"`
}

func (p *SnapshotCreatedPayload) Validate() error {
	if p.Name == "" {
		return NewValidationError("name", "name is required")
	}
	return nil
}

// PairRequestedPayload opens a pair session on the builder side
type PairRequestedPayload struct {
	PairID       string   `json:"pair_id"`
	BuilderID    string   `json:"builder_id"`
	Task         string   `json:"task"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (p *PairRequestedPayload) Validate() error {
	if p.PairID == "" {
		return NewValidationError("pair_id", "pair_id is required")
	}
	if p.BuilderID == "" {
		return NewValidationError("builder_id", "builder_id is required")
	}
	if p.Task == "" {
		return NewValidationError("task", "task is required")
	}
	return nil
}

// PairAcceptedPayload is the expert's answer to a pair request
type PairAcceptedPayload struct {
	PairID   string `json:"pair_id"`
	ExpertID string `json:"expert_id"`
}

func (p *PairAcceptedPayload) Validate() error {
	if p.PairID == "" {
		return NewValidationError("pair_id", "pair_id is required")
	}
	if p.ExpertID == "" {
		return NewValidationError("expert_id", "expert_id is required")
	}
	return nil
}

// PairSuggestionPayload is one suggestion inside a pair session
type PairSuggestionPayload struct {
	PairID string `json:"pair_id"`
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Author string `json:"author"`
}

func (p *PairSuggestionPayload) Validate() error {
	if p.PairID == "" {
		return NewValidationError("pair_id", "pair_id is required")
	}
	if p.Text == "" {
		return NewValidationError("text", "text is required")
	}
	return nil
}

// PairCommentPayload is free-form discussion inside a pair session
type PairCommentPayload struct {
	PairID string `json:"pair_id"`
	Text   string `json:"text"`
	Author string `json:"author"`
}

func (p *PairCommentPayload) Validate() error {
	if p.PairID == "" {
		return NewValidationError("pair_id", "pair_id is required")
	}
	if p.Text == "" {
		return NewValidationError("text", "text is required")
	}
	return nil
}

// PairClosedPayload terminates a pair session
type PairClosedPayload struct {
	PairID string `json:"pair_id"`
	Reason string `json:"reason,omitempty"`
}

func (p *PairClosedPayload) Validate() error {
	if p.PairID == "" {
		return NewValidationError("pair_id", "pair_id is required")
	}
	return nil
}

// ExpertRegisteredPayload records a verified expert registration. Endpoint
// is where delegations are POSTed; an expert without one can register but
// never receives calls.
type ExpertRegisteredPayload struct {
	ExpertID     string   `json:"expert_id"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint,omitempty"`
	PublicKeyID  string   `json:"public_key_id,omitempty"`
}

func (p *ExpertRegisteredPayload) Validate() error {
	if p.ExpertID == "" {
		return NewValidationError("expert_id", "expert_id is required")
	}
	if len(p.Capabilities) == 0 {
		return NewValidationError("capabilities", "at least one capability is required")
	}
	return nil
}

// ExpertQuarantinedPayload takes an expert out of selection
type ExpertQuarantinedPayload struct {
	ExpertID string `json:"expert_id"`
	Reason   string `json:"reason,omitempty"`
}

func (p *ExpertQuarantinedPayload) Validate() error {
	if p.ExpertID == "" {
		return NewValidationError("expert_id", "expert_id is required")
	}
	return nil
}

// ExpertDelegatedPayload records a dispatched delegation. The carrying
// event's id equals DelegationID so later decisions can reference it through
// causation_id.
type ExpertDelegatedPayload struct {
	DelegationID         string   `json:"delegation_id"`
	Fingerprint          string   `json:"fingerprint"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	ExpertIDs            []string `json:"expert_ids"`
	DeadlineMs           int64    `json:"deadline_ms"`
}

func (p *ExpertDelegatedPayload) Validate() error {
	if p.DelegationID == "" {
		return NewValidationError("delegation_id", "delegation_id is required")
	}
	if p.Fingerprint == "" {
		return NewValidationError("fingerprint", "fingerprint is required")
	}
	if len(p.ExpertIDs) == 0 {
		return NewValidationError("expert_ids", "at least one expert is required")
	}
	return nil
}

// ExpertDecisionPayload records the adjudicated verdict of a delegation
type ExpertDecisionPayload struct {
	DelegationID string       `json:"delegation_id"`
	Fingerprint  string       `json:"fingerprint"`
	Verdict      Verdict      `json:"verdict"`
	Votes        []ExpertVote `json:"votes,omitempty"`
}

func (p *ExpertDecisionPayload) Validate() error {
	if p.DelegationID == "" {
		return NewValidationError("delegation_id", "delegation_id is required")
	}
	if !p.Verdict.Terminal() {
		return NewValidationError("verdict", fmt.Sprintf("verdict %q is not terminal", p.Verdict))
	}
	return nil
}

// StoreRecoveredPayload records a truncation performed during log recovery
type StoreRecoveredPayload struct {
	TruncatedFrom uint64 `json:"truncated_from"`
	VerifiedHead  uint64 `json:"verified_head"`
	Reason        string `json:"reason"`
}

func (p *StoreRecoveredPayload) Validate() error {
	if p.Reason == "" {
		return NewValidationError("reason", "reason is required")
	}
	return nil
}

// payloadFactories maps each event type to a constructor for its payload.
// The map is also the authority on which event types exist.
var payloadFactories = map[EventType]func() Payload{
	EventIdentityCreated:   func() Payload { return &IdentityCreatedPayload{} },
	EventIdentityPromoted:  func() Payload { return &IdentityPromotedPayload{} },
	EventIdentityRevoked:   func() Payload { return &IdentityRevokedPayload{} },
	EventSessionCreated:    func() Payload { return &SessionCreatedPayload{} },
	EventSessionRevoked:    func() Payload { return &SessionRevokedPayload{} },
	EventFileWritten:       func() Payload { return &FileWrittenPayload{} },
	EventAnnotationAdded:   func() Payload { return &AnnotationAddedPayload{} },
	EventSnapshotCreated:   func() Payload { return &SnapshotCreatedPayload{} },
	EventPairRequested:     func() Payload { return &PairRequestedPayload{} },
	EventPairAccepted:      func() Payload { return &PairAcceptedPayload{} },
	EventPairSuggestion:    func() Payload { return &PairSuggestionPayload{} },
	EventPairComment:       func() Payload { return &PairCommentPayload{} },
	EventPairClosed:        func() Payload { return &PairClosedPayload{} },
	EventExpertRegistered:  func() Payload { return &ExpertRegisteredPayload{} },
	EventExpertQuarantined: func() Payload { return &ExpertQuarantinedPayload{} },
	EventExpertDelegated:   func() Payload { return &ExpertDelegatedPayload{} },
	EventExpertDecision:    func() Payload { return &ExpertDecisionPayload{} },
	EventStoreRecovered:    func() Payload { return &StoreRecoveredPayload{} },
}

// DecodePayload parses raw payload bytes into the typed struct for t.
// Unknown event types and unknown payload fields fail with ErrSchemaInvalid.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrSchemaInvalid, t)
	}
	p := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: payload for %s: %v", ErrSchemaInvalid, t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: payload for %s: %v", ErrSchemaInvalid, t, err)
	}
	return p, nil
}

// EncodePayload marshals a typed payload into its canonical JSON form.
// Struct fields marshal in declaration order, so the output is deterministic
// for a given payload value.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return b, nil
}

