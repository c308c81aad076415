package models

// Role classifies an agent identity for authorization
type Role string

const (
	// RoleGuest may only read the shadow tree
	RoleGuest Role = "guest"
	// RoleAgent is a builder: proposes commands and writes real files
	RoleAgent Role = "agent"
	// RoleExpert inspects and annotates shadow state; never touches the real filesystem
	RoleExpert Role = "expert"
	// RoleSystemAdmin holds every permission including system.admin
	RoleSystemAdmin Role = "system_admin"
)

// IsValid checks if the role is valid
func (r Role) IsValid() bool {
	switch r {
	case RoleGuest, RoleAgent, RoleExpert, RoleSystemAdmin:
		return true
	default:
		return false
	}
}

// Permission is a single enumerated capability
type Permission string

const (
	PermShadowRead      Permission = "shadow.read"
	PermShadowWrite     Permission = "shadow.write"
	PermFilesystemRead  Permission = "filesystem.read"
	PermFilesystemWrite Permission = "filesystem.write"
	PermEventAppend     Permission = "event.append"
	PermEventQuery      Permission = "event.query"
	PermExpertRegister  Permission = "expert.register"
	PermExpertDelegate  Permission = "expert.delegate"
	PermPairStart       Permission = "pair.start"
	PermSystemAdmin     Permission = "system.admin"
)

// IsValid checks if the permission is one of the enumerated capabilities
func (p Permission) IsValid() bool {
	switch p {
	case PermShadowRead, PermShadowWrite, PermFilesystemRead, PermFilesystemWrite,
		PermEventAppend, PermEventQuery, PermExpertRegister, PermExpertDelegate,
		PermPairStart, PermSystemAdmin:
		return true
	default:
		return false
	}
}

// Verdict is the outcome of a validation tier, an expert vote, or a decided
// delegation
type Verdict string

const (
	VerdictApprove       Verdict = "approve"
	VerdictDeny          Verdict = "deny"
	VerdictAbstain       Verdict = "abstain"
	VerdictEscalate      Verdict = "escalate"
	VerdictNeedsRevision Verdict = "needs-revision"
	VerdictTimeout       Verdict = "timeout"
)

// IsValid checks if the verdict is valid
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictApprove, VerdictDeny, VerdictAbstain, VerdictEscalate,
		VerdictNeedsRevision, VerdictTimeout:
		return true
	default:
		return false
	}
}

// Terminal reports whether the verdict can conclude a delegation
func (v Verdict) Terminal() bool {
	switch v {
	case VerdictApprove, VerdictDeny, VerdictNeedsRevision, VerdictTimeout:
		return true
	default:
		return false
	}
}

// ExpertStatus is the lifecycle state of a registered expert
type ExpertStatus string

const (
	ExpertUnverified  ExpertStatus = "unverified"
	ExpertActive      ExpertStatus = "active"
	ExpertQuarantined ExpertStatus = "quarantined"
)

// IsValid checks if the expert status is valid
func (s ExpertStatus) IsValid() bool {
	return s == ExpertUnverified || s == ExpertActive || s == ExpertQuarantined
}

// DelegationState tracks a delegation through its state machine
type DelegationState string

const (
	DelegationPending    DelegationState = "pending"
	DelegationDispatched DelegationState = "dispatched"
	DelegationCollecting DelegationState = "collecting"
	DelegationDecided    DelegationState = "decided"
	DelegationLogged     DelegationState = "logged"
)

// PairState is the lifecycle state of a pair session
type PairState string

const (
	PairRequested PairState = "requested"
	PairActive    PairState = "active"
	PairClosed    PairState = "closed"
)
