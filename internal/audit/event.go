package audit

import (
	"time"
)

// Type classifies an audit event. The set is closed: switch statements over
// Type should list every constant so new kinds fail loudly in review.
type Type string

const (
	TypeSessionCreated        Type = "SESSION_CREATED"
	TypeSessionExtended       Type = "SESSION_EXTENDED"
	TypeSessionRejected       Type = "SESSION_REJECTED"
	TypeSessionExpired        Type = "SESSION_EXPIRED"
	TypeSessionTerminated     Type = "SESSION_TERMINATED"
	TypeSessionInvalidated    Type = "SESSION_INVALIDATED"
	TypeSessionHijackDetected Type = "SESSION_HIJACK_DETECTED"
	TypeImpossibleTravel      Type = "IMPOSSIBLE_TRAVEL"
	TypeAuthzDecision         Type = "AUTHZ_DECISION"
	TypePolicyCreated         Type = "POLICY_CREATED"
	TypePolicyUpdated         Type = "POLICY_UPDATED"
	TypePolicyUpdateConflict  Type = "POLICY_UPDATE_CONFLICT"
	TypePolicyRolledBack      Type = "POLICY_ROLLED_BACK"
	TypeGrantCreated          Type = "GRANT_CREATED"
	TypeGrantApproved         Type = "GRANT_APPROVED"
	TypeGrantRevoked          Type = "GRANT_REVOKED"
	TypeBreakGlassActivated   Type = "BREAK_GLASS_ACTIVATED"
	TypeEmergencyOverride     Type = "EMERGENCY_OVERRIDE"
	TypeTokenReuseDetected    Type = "TOKEN_REUSE_DETECTED"
	TypeKeyCompromised        Type = "KEY_COMPROMISED"
	TypeAuditPurged           Type = "AUDIT_PURGED"
)

// Severity orders events for alerting. CRITICAL is reserved for break-glass
// activity, impossible travel and chain integrity incidents.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Event is one immutable chain entry. Sequence, PrevHash, Hash, KeyID and
// Signature are owned by the chain; producers fill the rest.
type Event struct {
	ID          string    `json:"id"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Type        Type      `json:"type"`
	Severity    Severity  `json:"severity"`
	ActorID     string    `json:"actor_id,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	Resource    string    `json:"resource,omitempty"`
	Action      string    `json:"action,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RiskScore   int       `json:"risk_score,omitempty"`
	RiskFactors []string  `json:"risk_factors,omitempty"`
	Detail      []string  `json:"detail,omitempty"` // sorted "key=value" pairs

	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
	KeyID     string `json:"key_id,omitempty"`
	Signature string `json:"signature,omitempty"`
	LegalHold bool   `json:"legal_hold,omitempty"`
}

// Query selects events for the forensic read surface. Zero fields are
// ignored; sequence bounds are inclusive.
type Query struct {
	TenantID  string
	UserID    string
	SessionID string
	Type      Type
	From      time.Time
	To        time.Time
	FromSeq   uint64
	ToSeq     uint64
	Limit     int
}
