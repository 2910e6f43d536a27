package grant

import (
	"context"
	"errors"
	"time"
)

// AssignmentType distinguishes how a role was granted.
type AssignmentType string

const (
	TypePermanent AssignmentType = "PERMANENT"
	TypeTemporary AssignmentType = "TEMPORARY"
	TypeJIT       AssignmentType = "JIT"
	TypeDelegated AssignmentType = "DELEGATED"
)

// Status is the grant lifecycle state.
type Status string

const (
	StatusActive          Status = "ACTIVE"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusRevoked         Status = "REVOKED"
	StatusExpired         Status = "EXPIRED"
)

var (
	ErrNotDelegable = errors.New("grant: not delegable")
	ErrNotPending   = errors.New("grant: not pending approval")
	ErrExhausted    = errors.New("grant: usage cap exhausted")
)

// Grant assigns a role name, optionally scoped (e.g. "project:123"), to a
// user. Delegation chains are tracked by id reference, never by embedded
// pointers, so depth checks cannot cycle.
type Grant struct {
	ID       string
	TenantID string
	UserID   string
	Role     string
	Scope    string

	Type   AssignmentType
	Status Status

	ExpiresAt     time.Time // zero means no expiry
	Justification string

	ApprovedBy string
	ApprovedAt time.Time
	WorkflowID string

	DelegatedFromUser  string
	DelegatedFromGrant string
	DelegationDepth    int
	MaxDelegationDepth int
	Restrictions       []string

	BreakGlass             bool
	EmergencyOverride      bool
	EmergencyJustification string
	EmergencyApprover      string

	UseCount int
	MaxUses  int // zero means unlimited

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanDelegate reports whether this grant may be the source of a further
// DELEGATED grant. A delegated grant at its maximum depth cannot delegate
// again.
func (g Grant) CanDelegate() bool {
	if g.Status != StatusActive {
		return false
	}
	if g.Type == TypeDelegated && g.DelegationDepth >= g.MaxDelegationDepth {
		return false
	}
	return true
}

// Usable reports whether the grant currently contributes to authorization:
// ACTIVE, unexpired and not past its usage cap. PENDING_APPROVAL grants
// never authorize anything.
func (g Grant) Usable(now time.Time) bool {
	if g.Status != StatusActive {
		return false
	}
	if !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt) {
		return false
	}
	if g.MaxUses > 0 && g.UseCount >= g.MaxUses {
		return false
	}
	return true
}

// Subject returns the subject pattern this grant satisfies during policy
// matching: "role:<name>" or "role:<name>@<scope>" when scoped.
func (g Grant) Subject() string {
	if g.Scope == "" {
		return "role:" + g.Role
	}
	return "role:" + g.Role + "@" + g.Scope
}

// Store persists role grants.
type Store interface {
	CreateGrant(ctx context.Context, g *Grant) error
	GetGrant(ctx context.Context, id string) (Grant, error)
	UpdateGrant(ctx context.Context, g *Grant) error
	// GrantsByUser returns every grant for a user regardless of status.
	GrantsByUser(ctx context.Context, tenantID, userID string) ([]Grant, error)
}
