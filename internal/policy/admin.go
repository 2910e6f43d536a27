package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/ids"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/store"
)

// Admin is the administrative surface for policies: create, update and
// emergency rollback. Unlike the evaluator, administrative operations
// return specific reasons to their callers.
type Admin struct {
	store Store
	chain *audit.Chain
	now   func() time.Time
}

// NewAdmin constructs the administrative policy surface.
func NewAdmin(store Store, chain *audit.Chain, opts ...AdminOption) *Admin {
	a := &Admin{store: store, chain: chain, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AdminOption configures an Admin.
type AdminOption func(*Admin)

// WithAdminClock overrides the time source.
func WithAdminClock(fn func() time.Time) AdminOption {
	return func(a *Admin) {
		if fn != nil {
			a.now = fn
		}
	}
}

// Create stores a new policy at version 1 and records it.
func (a *Admin) Create(ctx context.Context, p Policy, actorID string) (Policy, error) {
	now := a.now().UTC()
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.Status == "" {
		p.Status = StatusActive
	}
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := a.store.CreatePolicy(ctx, &p); err != nil {
		return Policy{}, fmt.Errorf("policy: create: %w", err)
	}
	a.record(ctx, audit.Event{
		TenantID: p.TenantID,
		ActorID:  actorID,
		Type:     audit.TypePolicyCreated,
		TargetID: p.ID,
		Outcome:  "created",
		Detail:   []string{"name=" + p.Name, "effect=" + string(p.Effect)},
	})
	return p, nil
}

// Update stores the policy as a new version. On a version conflict the
// caller re-reads the head and resubmits; the store never merges.
func (a *Admin) Update(ctx context.Context, p Policy, actorID string) (Policy, error) {
	p.UpdatedAt = a.now().UTC()
	if err := a.store.UpdatePolicy(ctx, &p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			a.record(ctx, audit.Event{
				TenantID: p.TenantID,
				ActorID:  actorID,
				Type:     audit.TypePolicyUpdateConflict,
				Severity: audit.SeverityWarning,
				TargetID: p.ID,
				Outcome:  "conflict",
				Detail:   []string{fmt.Sprintf("submitted_version=%d", p.Version)},
			})
			return Policy{}, fmt.Errorf("%w: policy %s version %d", ErrVersionConflict, p.ID, p.Version)
		}
		return Policy{}, fmt.Errorf("policy: update: %w", err)
	}
	a.record(ctx, audit.Event{
		TenantID: p.TenantID,
		ActorID:  actorID,
		Type:     audit.TypePolicyUpdated,
		TargetID: p.ID,
		Outcome:  "updated",
		Detail:   []string{fmt.Sprintf("version=%d", p.Version)},
	})
	return p, nil
}

// Rollback restores a prior version of a policy by writing its content as
// a fresh head version. The superseded head stays retrievable; nothing is
// destroyed. The new head is visible to the very next snapshot read.
func (a *Admin) Rollback(ctx context.Context, tenantID, policyID string, targetVersion int, actorID string) (Policy, error) {
	target, err := a.store.GetPolicyVersion(ctx, tenantID, policyID, targetVersion)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: rollback: load version %d: %w", targetVersion, err)
	}
	head, err := a.store.GetPolicy(ctx, tenantID, policyID)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: rollback: load head: %w", err)
	}

	restored := target
	restored.Version = head.Version
	restored.UpdatedAt = a.now().UTC()
	if err := a.store.UpdatePolicy(ctx, &restored); err != nil {
		return Policy{}, fmt.Errorf("policy: rollback: %w", err)
	}
	a.record(ctx, audit.Event{
		TenantID: tenantID,
		ActorID:  actorID,
		Type:     audit.TypePolicyRolledBack,
		Severity: audit.SeverityWarning,
		TargetID: policyID,
		Outcome:  "rolled back",
		Detail: []string{
			fmt.Sprintf("from_version=%d", head.Version),
			fmt.Sprintf("to_version=%d", targetVersion),
		},
	})
	return restored, nil
}

func (a *Admin) record(ctx context.Context, ev audit.Event) {
	if a.chain == nil {
		return
	}
	if _, err := a.chain.Append(ctx, ev); err != nil {
		obs.LogEvent(ctx, "audit_append_failed", map[string]any{
			"type":  string(ev.Type),
			"error": err.Error(),
		})
	}
}
