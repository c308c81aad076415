package models

// ReservedStoreAgentID is the writer id carried by events the store appends
// on its own behalf during recovery. It is not registrable and never
// authenticates.
const ReservedStoreAgentID = "store"

// AgentIdentity is an authenticated principal derived from identity events
type AgentIdentity struct {
	AgentID      string   `json:"agent_id"`
	Role         Role     `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
	// CredentialMAC is the HMAC of the agent's credential as recorded at
	// creation. Never serialized outward.
	CredentialMAC string `json:"-"`
	Revoked       bool   `json:"-"`
}

// Command is the semantic shape of a proposed operation submitted for
// validation. Args are normalized (trimmed, order-preserving) before
// fingerprinting.
type Command struct {
	Kind       string   `json:"kind"`
	Args       []string `json:"args,omitempty"`
	TargetPath string   `json:"target_path,omitempty"`
	Intent     string   `json:"intent,omitempty"`
}

// VoteAnnotation is an expert remark attached to a vote
type VoteAnnotation struct {
	Path     string `json:"path,omitempty"`
	Line     int    `json:"line,omitempty"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

// ExpertVote is one expert's response to a delegation
type ExpertVote struct {
	ExpertID    string           `json:"expert_id"`
	Verdict     Verdict          `json:"verdict"`
	Confidence  float64          `json:"confidence"`
	Annotations []VoteAnnotation `json:"annotations,omitempty"`
}
