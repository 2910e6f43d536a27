package policy

import (
	"context"
	"errors"
	"strings"
	"time"

	"trustplane.org/internal/risk"
)

// Effect is a policy outcome. An explicit DENY always overrides ALLOW
// regardless of priority; priority only orders among ALLOW matches.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Kind classifies the policy.
type Kind string

const (
	KindAuthentication   Kind = "AUTHENTICATION"
	KindAuthorization    Kind = "AUTHORIZATION"
	KindSecurityBaseline Kind = "SECURITY_BASELINE"
)

// Status gates whether a policy participates in evaluation.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

var (
	ErrVersionConflict = errors.New("policy: version conflict")
	ErrStaleRequest    = errors.New("policy: request timestamp outside freshness window")
)

// Op is a condition operator.
type Op string

const (
	OpEquals Op = "eq"
	OpIn     Op = "in"
	OpPrefix Op = "prefix"
)

// Condition is one attribute predicate evaluated against request context.
type Condition struct {
	Attribute string   `json:"attribute" yaml:"attribute"`
	Op        Op       `json:"op" yaml:"op"`
	Values    []string `json:"values" yaml:"values"`
}

// Match evaluates the predicate against the context attribute value.
// A missing attribute never matches.
func (c Condition) Match(attrs map[string]string) bool {
	v, ok := attrs[c.Attribute]
	if !ok {
		return false
	}
	switch c.Op {
	case OpEquals:
		return len(c.Values) == 1 && v == c.Values[0]
	case OpIn:
		for _, want := range c.Values {
			if v == want {
				return true
			}
		}
		return false
	case OpPrefix:
		return len(c.Values) == 1 && strings.HasPrefix(v, c.Values[0])
	default:
		return false
	}
}

// Policy is a named, versioned rule. Lower Priority values win among
// same-effect matches.
type Policy struct {
	ID       string
	TenantID string
	Name     string
	Kind     Kind
	Effect   Effect
	Priority int
	Status   Status
	Version  int

	Subjects  []string
	Resources []string
	Actions   []string

	Conditions []Condition

	RequireMFA         bool
	RequireStepUp      bool
	RequireConsent     bool
	BreakGlassEligible bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Request is one authorization question. Subjects is the effective subject
// set: "user:<id>" plus one entry per usable role grant.
type Request struct {
	TenantID  string
	SubjectID string
	Resource  string
	Action    string
	Context   map[string]string
	Timestamp time.Time

	// Session-derived state consumed by requirement flags and risk
	// conditions; RiskLevel is matchable under the AttrRiskLevel
	// attribute. Callers going through ValidateContinuousAuthorization
	// get these filled automatically.
	RiskLevel      risk.Level
	MFACompleted   bool
	StepUpComplete bool
	ConsentScopes  []string
}

// Decision is the evaluation outcome exposed to collaborators. The reason
// is deliberately generic for DENY: callers are not told which policy or
// session attribute caused the denial.
type Decision struct {
	Effect            Effect
	Reason            string
	MatchedPolicyIDs  []string
	EmergencyOverride bool
	Timestamp         time.Time
}

// Snapshot is one immutable, versioned view of a tenant's ACTIVE policies.
// A single snapshot backs a whole batch, so a concurrent policy update can
// never apply to only part of it.
type Snapshot struct {
	TenantID string
	Version  uint64
	Policies []Policy
}

// Store persists policies and their version history.
type Store interface {
	// Snapshot returns a consistent view of the tenant's ACTIVE
	// policies and the store's current version counter.
	Snapshot(ctx context.Context, tenantID string) (Snapshot, error)
	CreatePolicy(ctx context.Context, p *Policy) error
	// UpdatePolicy stores p as a new version; the prior version stays
	// retrievable. Returns store.ErrConflict when p.Version does not
	// match the stored head version.
	UpdatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, tenantID, policyID string) (Policy, error)
	GetPolicyVersion(ctx context.Context, tenantID, policyID string, version int) (Policy, error)
}
