package grant

import (
	"context"
	"fmt"
	"time"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/ids"
	"trustplane.org/internal/obs"
)

// Service implements the role/delegation/break-glass sub-engine.
type Service struct {
	store Store
	chain *audit.Chain
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the grant service.
func NewService(store Store, chain *audit.Chain, opts ...Option) *Service {
	s := &Service{store: store, chain: chain, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create records a new grant. JIT and break-glass grants start in
// PENDING_APPROVAL and are excluded from authorization until approved.
// Break-glass activation always produces a CRITICAL audit event, whether
// or not the grant later gets approved.
func (s *Service) Create(ctx context.Context, g Grant) (Grant, error) {
	now := s.now().UTC()
	if g.ID == "" {
		g.ID = ids.New()
	}
	g.CreatedAt = now
	g.UpdatedAt = now
	if g.Type == "" {
		g.Type = TypePermanent
	}
	if g.BreakGlass || g.Type == TypeJIT {
		g.Status = StatusPendingApproval
	} else if g.Status == "" {
		g.Status = StatusActive
	}
	if err := s.store.CreateGrant(ctx, &g); err != nil {
		return Grant{}, fmt.Errorf("grant: create: %w", err)
	}

	if g.BreakGlass {
		s.record(ctx, audit.Event{
			TenantID: g.TenantID,
			UserID:   g.UserID,
			Type:     audit.TypeBreakGlassActivated,
			Severity: audit.SeverityCritical,
			TargetID: g.ID,
			Outcome:  string(g.Status),
			Reason:   g.EmergencyJustification,
			Detail:   []string{"role=" + g.Role, "scope=" + g.Scope},
		})
	}
	s.record(ctx, audit.Event{
		TenantID: g.TenantID,
		UserID:   g.UserID,
		Type:     audit.TypeGrantCreated,
		TargetID: g.ID,
		Outcome:  string(g.Status),
		Detail:   []string{"role=" + g.Role, "type=" + string(g.Type)},
	})
	return g, nil
}

// Delegate creates a DELEGATED grant from an existing one. The source must
// itself satisfy CanDelegate and be currently usable.
func (s *Service) Delegate(ctx context.Context, fromGrantID, toUserID, justification string, expiresAt time.Time) (Grant, error) {
	src, err := s.store.GetGrant(ctx, fromGrantID)
	if err != nil {
		return Grant{}, fmt.Errorf("grant: delegate: %w", err)
	}
	now := s.now().UTC()
	if !src.Usable(now) || !src.CanDelegate() {
		return Grant{}, fmt.Errorf("%w: grant %s", ErrNotDelegable, src.ID)
	}

	delegated := Grant{
		ID:                 ids.New(),
		TenantID:           src.TenantID,
		UserID:             toUserID,
		Role:               src.Role,
		Scope:              src.Scope,
		Type:               TypeDelegated,
		Status:             StatusActive,
		ExpiresAt:          expiresAt,
		Justification:      justification,
		DelegatedFromUser:  src.UserID,
		DelegatedFromGrant: src.ID,
		DelegationDepth:    src.DelegationDepth + 1,
		MaxDelegationDepth: src.MaxDelegationDepth,
		Restrictions:       src.Restrictions,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateGrant(ctx, &delegated); err != nil {
		return Grant{}, fmt.Errorf("grant: delegate: %w", err)
	}
	s.record(ctx, audit.Event{
		TenantID: delegated.TenantID,
		UserID:   toUserID,
		ActorID:  src.UserID,
		Type:     audit.TypeGrantCreated,
		TargetID: delegated.ID,
		Outcome:  string(delegated.Status),
		Detail: []string{
			"role=" + delegated.Role,
			"type=DELEGATED",
			fmt.Sprintf("depth=%d", delegated.DelegationDepth),
		},
	})
	return delegated, nil
}

// Approve flips a PENDING_APPROVAL grant ACTIVE. Break-glass approvals are
// recorded at CRITICAL severity.
func (s *Service) Approve(ctx context.Context, grantID, approverID string) (Grant, error) {
	g, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return Grant{}, fmt.Errorf("grant: approve: %w", err)
	}
	if g.Status != StatusPendingApproval {
		return Grant{}, fmt.Errorf("%w: grant %s is %s", ErrNotPending, g.ID, g.Status)
	}
	now := s.now().UTC()
	g.Status = StatusActive
	g.ApprovedBy = approverID
	g.ApprovedAt = now
	g.UpdatedAt = now
	if g.BreakGlass {
		g.EmergencyApprover = approverID
	}
	if err := s.store.UpdateGrant(ctx, &g); err != nil {
		return Grant{}, fmt.Errorf("grant: approve: %w", err)
	}
	severity := audit.SeverityInfo
	if g.BreakGlass {
		severity = audit.SeverityCritical
	}
	s.record(ctx, audit.Event{
		TenantID: g.TenantID,
		UserID:   g.UserID,
		ActorID:  approverID,
		Type:     audit.TypeGrantApproved,
		Severity: severity,
		TargetID: g.ID,
		Outcome:  string(g.Status),
	})
	return g, nil
}

// Revoke ends a grant. Idempotent.
func (s *Service) Revoke(ctx context.Context, grantID, actorID, reason string) error {
	g, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return fmt.Errorf("grant: revoke: %w", err)
	}
	if g.Status == StatusRevoked {
		return nil
	}
	g.Status = StatusRevoked
	g.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateGrant(ctx, &g); err != nil {
		return fmt.Errorf("grant: revoke: %w", err)
	}
	s.record(ctx, audit.Event{
		TenantID: g.TenantID,
		UserID:   g.UserID,
		ActorID:  actorID,
		Type:     audit.TypeGrantRevoked,
		TargetID: g.ID,
		Outcome:  string(g.Status),
		Reason:   reason,
	})
	return nil
}

// Consume counts one use against the grant's usage cap.
func (s *Service) Consume(ctx context.Context, grantID string) error {
	g, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return fmt.Errorf("grant: consume: %w", err)
	}
	if !g.Usable(s.now().UTC()) {
		return fmt.Errorf("%w: grant %s", ErrExhausted, g.ID)
	}
	g.UseCount++
	g.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateGrant(ctx, &g); err != nil {
		return fmt.Errorf("grant: consume: %w", err)
	}
	return nil
}

// UsableGrants returns the grants that currently contribute to
// authorization for one user, lazily marking overdue ones EXPIRED.
func (s *Service) UsableGrants(ctx context.Context, tenantID, userID string) ([]Grant, error) {
	all, err := s.store.GrantsByUser(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("grant: list: %w", err)
	}
	now := s.now().UTC()
	var usable []Grant
	for _, g := range all {
		if g.Status == StatusActive && !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt) {
			g.Status = StatusExpired
			g.UpdatedAt = now
			if err := s.store.UpdateGrant(ctx, &g); err != nil {
				return nil, fmt.Errorf("grant: expire: %w", err)
			}
			continue
		}
		if g.Usable(now) {
			usable = append(usable, g)
		}
	}
	return usable, nil
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.chain == nil {
		return
	}
	if _, err := s.chain.Append(ctx, ev); err != nil {
		obs.LogEvent(ctx, "audit_append_failed", map[string]any{
			"type":  string(ev.Type),
			"error": err.Error(),
		})
	}
}
