package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/config"
	"trustplane.org/internal/grant"
	"trustplane.org/internal/policy"
	"trustplane.org/internal/risk"
	"trustplane.org/internal/session"
	"trustplane.org/internal/store"
	"trustplane.org/internal/store/memory"
)

var testTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*policy.Engine, *policy.Admin, *grant.Service, *memory.Store) {
	t.Helper()
	mem := memory.New()
	clock := func() time.Time { return testTime }
	chain := audit.NewChain(mem, audit.WithClock(clock))
	grants := grant.NewService(mem, chain, grant.WithClock(clock))
	engine := policy.NewEngine(mem, grants, chain, policy.WithClock(clock))
	admin := policy.NewAdmin(mem, chain, policy.WithAdminClock(clock))
	return engine, admin, grants, mem
}

func mustCreate(t *testing.T, admin *policy.Admin, p policy.Policy) policy.Policy {
	t.Helper()
	created, err := admin.Create(context.Background(), p, "admin-1")
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	return created
}

func allowPolicy(id string, priority int) policy.Policy {
	return policy.Policy{
		ID:        id,
		TenantID:  "t1",
		Name:      id,
		Kind:      policy.KindAuthorization,
		Effect:    policy.EffectAllow,
		Priority:  priority,
		Subjects:  []string{"user:alice"},
		Resources: []string{"doc/*"},
		Actions:   []string{"read"},
	}
}

func TestDenyByDefault(t *testing.T) {
	engine, _, _, _ := newEngine(t)

	dec, err := engine.Authorize(context.Background(), policy.Request{
		TenantID:  "t1",
		SubjectID: "alice",
		Resource:  "doc/1",
		Action:    "read",
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatalf("expected default DENY, got %s", dec.Effect)
	}
}

func TestAllowMatch(t *testing.T) {
	engine, admin, _, mem := newEngine(t)
	mustCreate(t, admin, allowPolicy("p-allow", 100))

	dec, err := engine.Authorize(context.Background(), policy.Request{
		TenantID:  "t1",
		SubjectID: "alice",
		Resource:  "doc/1",
		Action:    "read",
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectAllow {
		t.Fatalf("expected ALLOW, got %s (%s)", dec.Effect, dec.Reason)
	}
	if len(dec.MatchedPolicyIDs) != 1 || dec.MatchedPolicyIDs[0] != "p-allow" {
		t.Fatalf("expected winner p-allow, got %v", dec.MatchedPolicyIDs)
	}

	decisions, err := mem.Search(context.Background(), audit.Query{TenantID: "t1", Type: audit.TypeAuthzDecision})
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected exactly one decision event, got %d", len(decisions))
	}
}

func TestDenyOverridesAllow(t *testing.T) {
	engine, admin, _, _ := newEngine(t)
	mustCreate(t, admin, allowPolicy("p-allow", 1))
	deny := allowPolicy("p-deny", 1000)
	deny.Effect = policy.EffectDeny
	mustCreate(t, admin, deny)

	dec, err := engine.Authorize(context.Background(), policy.Request{
		TenantID:  "t1",
		SubjectID: "alice",
		Resource:  "doc/1",
		Action:    "read",
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("a DENY match must override ALLOW regardless of priority")
	}
}

func TestLowestPriorityAllowWins(t *testing.T) {
	engine, admin, _, _ := newEngine(t)
	strict := allowPolicy("p-strict", 10)
	strict.RequireStepUp = true
	mustCreate(t, admin, strict)
	mustCreate(t, admin, allowPolicy("p-loose", 20))

	// The winning candidate's requirements are checked, not some weaker
	// match further down the order.
	dec, err := engine.Authorize(context.Background(), policy.Request{
		TenantID:  "t1",
		SubjectID: "alice",
		Resource:  "doc/1",
		Action:    "read",
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatalf("expected DENY while step-up is missing, got %s", dec.Effect)
	}

	dec, err = engine.Authorize(context.Background(), policy.Request{
		TenantID:       "t1",
		SubjectID:      "alice",
		Resource:       "doc/1",
		Action:         "read",
		StepUpComplete: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectAllow || dec.MatchedPolicyIDs[0] != "p-strict" {
		t.Fatalf("expected p-strict to win, got %s %v", dec.Effect, dec.MatchedPolicyIDs)
	}
}

func TestInactivePoliciesAreSkipped(t *testing.T) {
	engine, admin, _, _ := newEngine(t)
	p := allowPolicy("p-off", 10)
	p.Status = policy.StatusInactive
	mustCreate(t, admin, p)

	dec, err := engine.Authorize(context.Background(), policy.Request{
		TenantID:  "t1",
		SubjectID: "alice",
		Resource:  "doc/1",
		Action:    "read",
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("INACTIVE policy must not grant access")
	}
}

func TestConditionsDisqualifyNonMatches(t *testing.T) {
	engine, admin, _, _ := newEngine(t)
	p := allowPolicy("p-cond", 10)
	p.Conditions = []policy.Condition{
		{Attribute: "department", Op: policy.OpIn, Values: []string{"eng", "sre"}},
	}
	mustCreate(t, admin, p)

	req := policy.Request{
		TenantID:  "t1",
		SubjectID: "alice",
		Resource:  "doc/1",
		Action:    "read",
		Context:   map[string]string{"department": "sales"},
	}
	dec, err := engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("unmatched condition must not allow")
	}

	req.Context["department"] = "eng"
	dec, err = engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectAllow {
		t.Fatal("matching condition must allow")
	}

	// A missing attribute never matches.
	req.Context = nil
	dec, err = engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("missing attribute must not match")
	}
}

func TestRoleGrantExpandsSubjects(t *testing.T) {
	engine, admin, grants, _ := newEngine(t)
	p := allowPolicy("p-role", 10)
	p.Subjects = []string{"role:auditor"}
	mustCreate(t, admin, p)

	req := policy.Request{TenantID: "t1", SubjectID: "bob", Resource: "doc/1", Action: "read"}
	dec, err := engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("no grant, no role match")
	}

	if _, err := grants.Create(context.Background(), grant.Grant{
		TenantID: "t1",
		UserID:   "bob",
		Role:     "auditor",
	}); err != nil {
		t.Fatal(err)
	}
	dec, err = engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectAllow {
		t.Fatalf("expected role grant to allow, got %s", dec.Effect)
	}
}

func TestBatchMatchesStandaloneAndPreservesOrder(t *testing.T) {
	engine, admin, _, _ := newEngine(t)
	mustCreate(t, admin, allowPolicy("p-allow", 10))

	reqs := []policy.Request{
		{TenantID: "t1", SubjectID: "alice", Resource: "doc/1", Action: "read", Timestamp: testTime},
		{TenantID: "t1", SubjectID: "alice", Resource: "secret/1", Action: "read", Timestamp: testTime},
		{TenantID: "t1", SubjectID: "alice", Resource: "doc/2", Action: "read", Timestamp: testTime},
	}
	batch, err := engine.BatchAuthorize(context.Background(), reqs)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(batch))
	}
	for i, req := range reqs {
		standalone, err := engine.Authorize(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if batch[i].Effect != standalone.Effect {
			t.Fatalf("request %d: batch %s, standalone %s", i, batch[i].Effect, standalone.Effect)
		}
	}
	if batch[0].Effect != policy.EffectAllow || batch[1].Effect != policy.EffectDeny || batch[2].Effect != policy.EffectAllow {
		t.Fatalf("unexpected batch outcomes: %s %s %s", batch[0].Effect, batch[1].Effect, batch[2].Effect)
	}
}

func TestBatchRejectsStaleTimestamps(t *testing.T) {
	engine, admin, _, _ := newEngine(t)
	mustCreate(t, admin, allowPolicy("p-allow", 10))

	batch, err := engine.BatchAuthorize(context.Background(), []policy.Request{
		{TenantID: "t1", SubjectID: "alice", Resource: "doc/1", Action: "read", Timestamp: testTime.Add(-10 * time.Minute)},
		{TenantID: "t1", SubjectID: "alice", Resource: "doc/1", Action: "read", Timestamp: testTime},
	})
	if err != nil {
		t.Fatal(err)
	}
	if batch[0].Effect != policy.EffectDeny {
		t.Fatal("stale request must be denied")
	}
	if batch[1].Effect != policy.EffectAllow {
		t.Fatal("fresh request in the same batch must still be evaluated")
	}
}

func TestBatchIsolatesTenants(t *testing.T) {
	engine, admin, _, _ := newEngine(t)
	mustCreate(t, admin, allowPolicy("p-t1", 10))

	batch, err := engine.BatchAuthorize(context.Background(), []policy.Request{
		{TenantID: "t1", SubjectID: "alice", Resource: "doc/1", Action: "read", Timestamp: testTime},
		{TenantID: "t2", SubjectID: "alice", Resource: "doc/1", Action: "read", Timestamp: testTime},
	})
	if err != nil {
		t.Fatal(err)
	}
	if batch[0].Effect != policy.EffectAllow {
		t.Fatalf("t1 request should match its own tenant's policy, got %s", batch[0].Effect)
	}
	if batch[1].Effect != policy.EffectDeny {
		t.Fatal("a t2 request must never be allowed by t1 policies")
	}
}

func TestBatchFreshnessWindowPerTenant(t *testing.T) {
	_, admin, _, mem := newEngine(t)
	mustCreate(t, admin, allowPolicy("p-t1", 10))
	p2 := allowPolicy("p-t2", 10)
	p2.TenantID = "t2"
	mustCreate(t, admin, p2)

	cfg := config.Default()
	cfg.Tenants = map[string]config.TenantConfig{
		"t1": {BatchFreshnessWindow: 30 * time.Minute},
	}
	engine := policy.NewEngine(mem, nil, nil,
		policy.WithClock(func() time.Time { return testTime }),
		policy.WithLimits(cfg))

	batch, err := engine.BatchAuthorize(context.Background(), []policy.Request{
		{TenantID: "t1", SubjectID: "alice", Resource: "doc/1", Action: "read", Timestamp: testTime.Add(-10 * time.Minute)},
		{TenantID: "t2", SubjectID: "alice", Resource: "doc/1", Action: "read", Timestamp: testTime.Add(-10 * time.Minute)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if batch[0].Effect != policy.EffectAllow {
		t.Fatalf("t1 overrides its window to 30m, 10m drift must pass, got %s", batch[0].Effect)
	}
	if batch[1].Effect != policy.EffectDeny {
		t.Fatal("t2 keeps the default window, 10m drift must be denied")
	}
}

func TestRiskLevelConditionGatesAllow(t *testing.T) {
	engine, admin, _, _ := newEngine(t)
	p := allowPolicy("p-low-risk", 10)
	p.Conditions = []policy.Condition{
		{Attribute: policy.AttrRiskLevel, Op: policy.OpIn, Values: []string{string(risk.LevelLow), string(risk.LevelMedium)}},
	}
	mustCreate(t, admin, p)

	req := policy.Request{
		TenantID:  "t1",
		SubjectID: "alice",
		Resource:  "doc/1",
		Action:    "read",
		RiskLevel: risk.LevelLow,
	}
	dec, err := engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectAllow {
		t.Fatalf("low-risk request must pass the gate, got %s", dec.Effect)
	}

	req.RiskLevel = risk.LevelHigh
	dec, err = engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("high-risk request must not match a low-risk-only policy")
	}

	// No session-derived level means the attribute is absent and never
	// matches.
	req.RiskLevel = ""
	dec, err = engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("missing risk level must not match")
	}
}

type failingStore struct {
	policy.Store
}

func (failingStore) Snapshot(ctx context.Context, tenantID string) (policy.Snapshot, error) {
	return policy.Snapshot{}, store.ErrUnavailable
}

func TestFailClosedOnStoreOutage(t *testing.T) {
	engine := policy.NewEngine(failingStore{}, nil, nil)

	dec, err := engine.Authorize(context.Background(), policy.Request{
		TenantID:  "t1",
		SubjectID: "alice",
		Resource:  "doc/1",
		Action:    "read",
	})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("store outage must deny")
	}
}

func TestEmergencyOverride(t *testing.T) {
	engine, admin, grants, mem := newEngine(t)

	// Step-up is required and never satisfied here, so the only way
	// through is the emergency path.
	eligible := allowPolicy("p-guarded", 10)
	eligible.Subjects = []string{"role:incident-commander"}
	eligible.RequireStepUp = true
	eligible.BreakGlassEligible = true
	mustCreate(t, admin, eligible)

	req := policy.Request{TenantID: "t1", SubjectID: "carol", Resource: "doc/1", Action: "read"}
	dec, err := engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("no grant, no override")
	}

	bg, err := grants.Create(context.Background(), grant.Grant{
		TenantID:               "t1",
		UserID:                 "carol",
		Role:                   "incident-commander",
		BreakGlass:             true,
		EmergencyOverride:      true,
		EmergencyJustification: "sev1 outage",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Pending break-glass grants authorize nothing.
	dec, err = engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("PENDING_APPROVAL grant must not authorize")
	}

	if _, err := grants.Approve(context.Background(), bg.ID, "cto"); err != nil {
		t.Fatal(err)
	}
	dec, err = engine.Authorize(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectAllow || !dec.EmergencyOverride {
		t.Fatalf("expected emergency override ALLOW, got %+v", dec)
	}

	overrides, err := mem.Search(context.Background(), audit.Query{TenantID: "t1", Type: audit.TypeEmergencyOverride})
	if err != nil {
		t.Fatal(err)
	}
	if len(overrides) != 1 || overrides[0].Severity != audit.SeverityCritical {
		t.Fatalf("expected one CRITICAL override event, got %+v", overrides)
	}
}

func TestEmergencyOverrideNeverBeatsExplicitDeny(t *testing.T) {
	engine, admin, grants, _ := newEngine(t)

	eligible := allowPolicy("p-guarded", 10)
	eligible.Subjects = []string{"*"}
	eligible.BreakGlassEligible = true
	mustCreate(t, admin, eligible)
	deny := allowPolicy("p-deny", 1)
	deny.Subjects = []string{"*"}
	deny.Effect = policy.EffectDeny
	mustCreate(t, admin, deny)

	g, err := grants.Create(context.Background(), grant.Grant{
		TenantID:          "t1",
		UserID:            "carol",
		Role:              "incident-commander",
		BreakGlass:        true,
		EmergencyOverride: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := grants.Approve(context.Background(), g.ID, "cto"); err != nil {
		t.Fatal(err)
	}

	dec, err := engine.Authorize(context.Background(), policy.Request{
		TenantID: "t1", SubjectID: "carol", Resource: "doc/1", Action: "read",
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny || dec.EmergencyOverride {
		t.Fatalf("explicit DENY must stand, got %+v", dec)
	}
}

func TestContinuousAuthorization(t *testing.T) {
	engine, admin, _, _ := newEngine(t)
	mustCreate(t, admin, allowPolicy("p-allow", 10))

	sess := session.Session{
		ID:        "s1",
		TenantID:  "t1",
		UserID:    "alice",
		Status:    session.StatusActive,
		RiskLevel: risk.LevelLow,
		ExpiresAt: testTime.Add(time.Hour),
	}
	ok, err := engine.ValidateContinuousAuthorization(context.Background(), sess, "doc/1", "read")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("healthy session must validate")
	}

	revoked := sess
	revoked.Status = session.StatusRevoked
	if ok, _ := engine.ValidateContinuousAuthorization(context.Background(), revoked, "doc/1", "read"); ok {
		t.Fatal("revoked session must fail")
	}

	expired := sess
	expired.ExpiresAt = testTime.Add(-time.Minute)
	if ok, _ := engine.ValidateContinuousAuthorization(context.Background(), expired, "doc/1", "read"); ok {
		t.Fatal("expired session must fail")
	}

	risky := sess
	risky.RiskLevel = risk.LevelHigh
	if ok, _ := engine.ValidateContinuousAuthorization(context.Background(), risky, "doc/1", "read"); ok {
		t.Fatal("escalated risk must fail")
	}
}

func TestUpdateConflictAndRollback(t *testing.T) {
	engine, admin, _, mem := newEngine(t)
	ctx := context.Background()

	created := mustCreate(t, admin, allowPolicy("p-1", 10))

	v2 := created
	v2.Actions = []string{"read", "write"}
	v2, err := admin.Update(ctx, v2, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if v2.Version != 2 {
		t.Fatalf("expected head version 2, got %d", v2.Version)
	}

	// A writer still holding version 1 must conflict.
	stale := created
	stale.Actions = []string{"delete"}
	if _, err := admin.Update(ctx, stale, "admin-2"); !errors.Is(err, policy.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	conflicts, err := mem.Search(ctx, audit.Query{TenantID: "t1", Type: audit.TypePolicyUpdateConflict})
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 || conflicts[0].ActorID != "admin-2" {
		t.Fatalf("expected one conflict event from admin-2, got %d", len(conflicts))
	}

	// Rollback to v1 removes write access through a new head version.
	restored, err := admin.Rollback(ctx, "t1", "p-1", 1, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if restored.Version != 3 {
		t.Fatalf("expected rollback head version 3, got %d", restored.Version)
	}
	dec, err := engine.Authorize(ctx, policy.Request{
		TenantID: "t1", SubjectID: "alice", Resource: "doc/1", Action: "write",
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Effect != policy.EffectDeny {
		t.Fatal("rollback must be visible to the next evaluation")
	}

	rollbacks, err := mem.Search(ctx, audit.Query{TenantID: "t1", Type: audit.TypePolicyRolledBack})
	if err != nil {
		t.Fatal(err)
	}
	if len(rollbacks) != 1 {
		t.Fatalf("expected one rollback event, got %d", len(rollbacks))
	}
}

func TestSnapshotVersionAdvancesOnWrite(t *testing.T) {
	_, admin, _, mem := newEngine(t)
	ctx := context.Background()

	before, err := mem.Snapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	created := mustCreate(t, admin, allowPolicy("p-1", 10))
	mid, err := mem.Snapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if mid.Version <= before.Version {
		t.Fatal("snapshot version must advance on create")
	}

	created.Name = "renamed"
	if _, err := admin.Update(ctx, created, "admin-1"); err != nil {
		t.Fatal(err)
	}
	after, err := mem.Snapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if after.Version <= mid.Version {
		t.Fatal("snapshot version must advance on update")
	}
}
