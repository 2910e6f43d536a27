package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/config"
	"trustplane.org/internal/grant"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/session"
)

const (
	reasonDenied  = "denied"
	reasonAllowed = "allowed"
)

// Engine evaluates authorization requests against versioned policy
// snapshots. Every evaluation appends exactly one decision event to the
// audit chain before the decision is returned; emergency-override use adds
// a second, CRITICAL one.
type Engine struct {
	store  Store
	grants *grant.Service
	chain  *audit.Chain
	window time.Duration
	limits config.Source
	now    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFreshnessWindow bounds how far a batch request's client timestamp
// may drift from server time.
func WithFreshnessWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithLimits resolves the freshness window per request tenant instead of
// the fixed default.
func WithLimits(src config.Source) EngineOption {
	return func(e *Engine) { e.limits = src }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the evaluator.
func NewEngine(store Store, grants *grant.Service, chain *audit.Chain, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		grants: grants,
		chain:  chain,
		window: 5 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize evaluates one request against a fresh snapshot. Store
// unavailability fails closed: the caller sees DENY.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	snap, err := e.store.Snapshot(ctx, req.TenantID)
	if err != nil {
		d := e.deniedDecision(ctx, req, nil, "policy store unavailable")
		return d, fmt.Errorf("policy: snapshot: %w", err)
	}
	return e.evaluate(ctx, snap, req), nil
}

// BatchAuthorize evaluates the requests in order, one snapshot per
// tenant, so a request only ever sees its own tenant's policies. Each
// decision matches what a standalone Authorize call would produce against
// the same snapshot. Requests of a tenant whose snapshot read fails are
// denied; the first store error is returned alongside the decisions.
func (e *Engine) BatchAuthorize(ctx context.Context, reqs []Request) ([]Decision, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	snaps := make(map[string]Snapshot)
	failed := make(map[string]bool)
	var firstErr error
	now := e.now().UTC()
	out := make([]Decision, len(reqs))
	for i, req := range reqs {
		if _, ok := snaps[req.TenantID]; !ok && !failed[req.TenantID] {
			snap, err := e.store.Snapshot(ctx, req.TenantID)
			if err != nil {
				failed[req.TenantID] = true
				if firstErr == nil {
					firstErr = fmt.Errorf("policy: snapshot: %w", err)
				}
			} else {
				snaps[req.TenantID] = snap
			}
		}
		if failed[req.TenantID] {
			out[i] = e.deniedDecision(ctx, req, nil, "policy store unavailable")
			continue
		}
		if !req.Timestamp.IsZero() {
			drift := now.Sub(req.Timestamp)
			window := e.freshnessWindow(req.TenantID)
			if drift < -window || drift > window {
				out[i] = e.deniedDecision(ctx, req, nil, ErrStaleRequest.Error())
				continue
			}
		}
		out[i] = e.evaluate(ctx, snaps[req.TenantID], req)
	}
	return out, firstErr
}

func (e *Engine) freshnessWindow(tenantID string) time.Duration {
	if e.limits != nil {
		if w := e.limits.Tenant(tenantID).BatchFreshnessWindow; w > 0 {
			return w
		}
	}
	return e.window
}

// ValidateContinuousAuthorization re-checks a long-lived connection. It
// fails fast on unusable sessions before touching policy state, so the
// per-message cost for a healthy stream is one session read plus one
// snapshot evaluation.
func (e *Engine) ValidateContinuousAuthorization(ctx context.Context, sess session.Session, resource, action string) (bool, error) {
	now := e.now().UTC()
	if sess.Status != session.StatusActive {
		return false, nil
	}
	if now.After(sess.ExpiresAt) {
		return false, nil
	}
	if sess.RiskLevel.Escalated() {
		return false, nil
	}
	dec, err := e.Authorize(ctx, Request{
		TenantID:       sess.TenantID,
		SubjectID:      sess.UserID,
		Resource:       resource,
		Action:         action,
		Timestamp:      now,
		RiskLevel:      sess.RiskLevel,
		MFACompleted:   sess.MFACompleted,
		StepUpComplete: sess.StepUpComplete,
		ConsentScopes:  sess.ConsentScopes,
	})
	if err != nil {
		return false, err
	}
	return dec.Effect == EffectAllow, nil
}

// evaluate runs precedence over one snapshot: any DENY match wins, then
// the lowest-priority-value ALLOW, then deny-by-default. Unmet
// MFA/step-up/consent requirements disqualify an ALLOW candidate instead
// of weakening it.
func (e *Engine) evaluate(ctx context.Context, snap Snapshot, req Request) Decision {
	start := e.now()
	subjects := e.effectiveSubjects(ctx, req)
	attrs := requestAttributes(req)

	var denies, allows []Policy
	for _, p := range snap.Policies {
		if p.Status != StatusActive {
			continue
		}
		if !p.matches(subjects, attrs, req) {
			continue
		}
		if p.Effect == EffectDeny {
			denies = append(denies, p)
		} else {
			allows = append(allows, p)
		}
	}

	var dec Decision
	switch {
	case len(denies) > 0:
		dec = Decision{
			Effect:           EffectDeny,
			Reason:           reasonDenied,
			MatchedPolicyIDs: policyIDs(append(denies, allows...)),
			Timestamp:        e.now().UTC(),
		}
	case len(allows) > 0:
		sort.SliceStable(allows, func(i, j int) bool { return allows[i].Priority < allows[j].Priority })
		winner := allows[0]
		if !requirementsMet(winner, req) {
			dec = Decision{
				Effect:           EffectDeny,
				Reason:           reasonDenied,
				MatchedPolicyIDs: policyIDs(allows),
				Timestamp:        e.now().UTC(),
			}
		} else {
			dec = Decision{
				Effect:           EffectAllow,
				Reason:           reasonAllowed,
				MatchedPolicyIDs: []string{winner.ID},
				Timestamp:        e.now().UTC(),
			}
		}
	default:
		dec = Decision{
			Effect:    EffectDeny,
			Reason:    reasonDenied,
			Timestamp: e.now().UTC(),
		}
	}

	// Emergency override is a distinct bypass path, never inferred from
	// priority ordering: it applies only when no explicit DENY matched a
	// break-glass-eligible target and the subject holds a usable
	// emergency-override grant.
	if dec.Effect == EffectDeny && len(denies) == 0 {
		if g, ok := e.emergencyGrant(ctx, req); ok && breakGlassEligible(snap, subjects, attrs, req) {
			dec.Effect = EffectAllow
			dec.Reason = reasonAllowed
			dec.EmergencyOverride = true
			e.record(ctx, audit.Event{
				TenantID: req.TenantID,
				UserID:   req.SubjectID,
				Type:     audit.TypeEmergencyOverride,
				Severity: audit.SeverityCritical,
				Resource: req.Resource,
				Action:   req.Action,
				Outcome:  string(EffectAllow),
				TargetID: g.ID,
				Reason:   g.EmergencyJustification,
			})
		}
	}

	obs.Decision(string(dec.Effect), e.now().Sub(start))
	e.record(ctx, audit.Event{
		TenantID: req.TenantID,
		UserID:   req.SubjectID,
		Type:     audit.TypeAuthzDecision,
		Resource: req.Resource,
		Action:   req.Action,
		Outcome:  string(dec.Effect),
		Detail:   decisionDetail(dec),
	})
	return dec
}

// effectiveSubjects is the subject set patterns match against: the user id
// plus one entry per usable role grant.
func (e *Engine) effectiveSubjects(ctx context.Context, req Request) []string {
	subjects := []string{"user:" + req.SubjectID, req.SubjectID}
	if e.grants == nil {
		return subjects
	}
	usable, err := e.grants.UsableGrants(ctx, req.TenantID, req.SubjectID)
	if err != nil {
		// Fail closed on the role dimension: the user keeps direct
		// matches but no role-derived ones.
		obs.LogEvent(ctx, "grant_lookup_failed", map[string]any{"error": err.Error()})
		return subjects
	}
	for _, g := range usable {
		subjects = append(subjects, g.Subject())
	}
	return subjects
}

func (e *Engine) emergencyGrant(ctx context.Context, req Request) (grant.Grant, bool) {
	if e.grants == nil {
		return grant.Grant{}, false
	}
	usable, err := e.grants.UsableGrants(ctx, req.TenantID, req.SubjectID)
	if err != nil {
		return grant.Grant{}, false
	}
	for _, g := range usable {
		if g.EmergencyOverride {
			return g, true
		}
	}
	return grant.Grant{}, false
}

// breakGlassEligible reports whether any policy in the snapshot flags this
// subject/resource/action as reachable by the emergency path.
func breakGlassEligible(snap Snapshot, subjects []string, attrs map[string]string, req Request) bool {
	for _, p := range snap.Policies {
		if p.Status == StatusActive && p.BreakGlassEligible && p.matches(subjects, attrs, req) {
			return true
		}
	}
	return false
}

// AttrRiskLevel is the condition attribute the evaluator fills from the
// request's session-derived risk level. It overrides any caller-supplied
// context value of the same name.
const AttrRiskLevel = "risk_level"

// requestAttributes is the attribute set conditions match against: the
// caller's context plus the session-derived risk level.
func requestAttributes(req Request) map[string]string {
	if req.RiskLevel == "" {
		return req.Context
	}
	attrs := make(map[string]string, len(req.Context)+1)
	for k, v := range req.Context {
		attrs[k] = v
	}
	attrs[AttrRiskLevel] = string(req.RiskLevel)
	return attrs
}

func (p Policy) matches(subjects []string, attrs map[string]string, req Request) bool {
	if !matchAny(p.Subjects, subjects) {
		return false
	}
	if !matchOne(p.Resources, req.Resource) {
		return false
	}
	if !matchOne(p.Actions, req.Action) {
		return false
	}
	for _, c := range p.Conditions {
		if !c.Match(attrs) {
			return false
		}
	}
	return true
}

func requirementsMet(p Policy, req Request) bool {
	if p.RequireMFA && !req.MFACompleted {
		return false
	}
	if p.RequireStepUp && !req.StepUpComplete {
		return false
	}
	if p.RequireConsent {
		if !containsScope(req.ConsentScopes, req.Resource) {
			return false
		}
	}
	return true
}

// matchPattern supports exact match, a bare "*", and a trailing-star
// prefix wildcard ("doc/*").
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

func matchOne(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchPattern(p, value) {
			return true
		}
	}
	return false
}

func matchAny(patterns, values []string) bool {
	for _, p := range patterns {
		for _, v := range values {
			if matchPattern(p, v) {
				return true
			}
		}
	}
	return false
}

func containsScope(scopes []string, resource string) bool {
	for _, s := range scopes {
		if matchPattern(s, resource) {
			return true
		}
	}
	return false
}

func policyIDs(policies []Policy) []string {
	out := make([]string, 0, len(policies))
	for _, p := range policies {
		out = append(out, p.ID)
	}
	return out
}

func decisionDetail(dec Decision) []string {
	detail := []string{"matched=" + strings.Join(dec.MatchedPolicyIDs, ",")}
	if dec.EmergencyOverride {
		detail = append(detail, "emergency_override=true")
	}
	return detail
}

func (e *Engine) deniedDecision(ctx context.Context, req Request, matched []string, reason string) Decision {
	dec := Decision{
		Effect:           EffectDeny,
		Reason:           reasonDenied,
		MatchedPolicyIDs: matched,
		Timestamp:        e.now().UTC(),
	}
	obs.Decision(string(EffectDeny), 0)
	e.record(ctx, audit.Event{
		TenantID: req.TenantID,
		UserID:   req.SubjectID,
		Type:     audit.TypeAuthzDecision,
		Resource: req.Resource,
		Action:   req.Action,
		Outcome:  string(EffectDeny),
		Reason:   reason,
	})
	return dec
}

func (e *Engine) record(ctx context.Context, ev audit.Event) {
	if e.chain == nil {
		return
	}
	if _, err := e.chain.Append(ctx, ev); err != nil {
		obs.LogEvent(ctx, "audit_append_failed", map[string]any{
			"type":  string(ev.Type),
			"error": err.Error(),
		})
	}
}
