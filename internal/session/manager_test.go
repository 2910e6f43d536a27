package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/config"
	"trustplane.org/internal/session"
	"trustplane.org/internal/store/memory"
)

type recordingSink struct {
	mu      sync.Mutex
	revoked []string
}

func (r *recordingSink) SessionRevoked(sessionID, reason string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, sessionID)
}

func (r *recordingSink) seen(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.revoked {
		if id == sessionID {
			return true
		}
	}
	return false
}

type fixture struct {
	mem   *memory.Store
	mgr   *session.Manager
	sink  *recordingSink
	now   time.Time
	clock func() time.Time
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		mem:  memory.New(),
		sink: &recordingSink{},
		now:  time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	f.clock = func() time.Time { return f.now }
	if cfg == nil {
		cfg = config.Default()
	}
	chain := audit.NewChain(f.mem, audit.WithClock(f.clock))
	f.mgr = session.NewManager(f.mem, f.mem, chain, cfg,
		session.WithClock(f.clock), session.WithRevocationSink(f.sink))
	return f
}

func trustedSignals(ip string) session.Signals {
	return session.Signals{
		FingerprintHash:     "fp-1",
		UserAgent:           "cli/1.0",
		IP:                  ip,
		AttestationVerified: true,
		HasTPM:              true,
	}
}

func authCtx(user string) session.AuthContext {
	return session.AuthContext{
		TenantID:     "t1",
		UserID:       user,
		Method:       "password",
		MFACompleted: true,
		Scopes:       []string{"read", "write"},
	}
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != session.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", sess.Status)
	}
	if sess.TokenFamilyID == "" {
		t.Fatal("expected a token family id")
	}
	if want := f.now.Add(30 * time.Minute); !sess.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, sess.ExpiresAt)
	}

	events, err := f.mem.Search(ctx, audit.Query{TenantID: "t1", Type: audit.TypeSessionCreated})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one creation event, got %d", len(events))
	}
}

func TestRememberMeUsesExtendedTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ac := authCtx("alice")
	ac.RememberMe = true
	sess, err := f.mgr.CreateSession(ctx, ac, trustedSignals("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if want := f.now.Add(30 * 24 * time.Hour); !sess.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, sess.ExpiresAt)
	}
}

func TestConcurrentSessionCapEvictsOldest(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Defaults.MaxConcurrentSessions = 2
	f := newFixture(t, cfg)

	var sessions []session.Session
	for i := 0; i < 3; i++ {
		s, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		sessions = append(sessions, s)
		f.now = f.now.Add(time.Second)
	}

	oldest, err := f.mgr.Get(ctx, sessions[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if oldest.Status != session.StatusTerminated {
		t.Fatalf("expected oldest TERMINATED, got %s", oldest.Status)
	}
	active, err := f.mem.ActiveByUser(ctx, "t1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active sessions, got %d", len(active))
	}
	if !f.sink.seen(sessions[0].ID) {
		t.Fatal("eviction was not pushed to the revocation sink")
	}
}

func TestValidateExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(10 * time.Minute)

	extended, err := f.mgr.ValidateAndExtend(ctx, sess.ID, "10.0.0.1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if want := f.now.Add(30 * time.Minute); !extended.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, extended.ExpiresAt)
	}
	if !extended.LastActivityAt.Equal(f.now) {
		t.Fatalf("expected last activity %v, got %v", f.now, extended.LastActivityAt)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(31 * time.Minute)

	if _, err := f.mgr.ValidateAndExtend(ctx, sess.ID, "10.0.0.1"); !errors.Is(err, session.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	got, err := f.mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}

	// Terminal states absorb: a later validation must not resurrect it.
	f.now = f.now.Add(time.Minute)
	if _, err := f.mgr.ValidateAndExtend(ctx, sess.ID, "10.0.0.1"); !errors.Is(err, session.ErrRejected) {
		t.Fatalf("expected ErrRejected on terminal session, got %v", err)
	}
	got, _ = f.mgr.Get(ctx, sess.ID)
	if got.Status != session.StatusExpired {
		t.Fatalf("terminal status changed to %s", got.Status)
	}
}

func TestValidateRejectsAfterTerminate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.TerminateSession(ctx, sess.ID, "logout"); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := f.mgr.TerminateSession(ctx, sess.ID, "logout"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.mgr.ValidateAndExtend(ctx, sess.ID, "10.0.0.1"); !errors.Is(err, session.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if !f.sink.seen(sess.ID) {
		t.Fatal("termination was not pushed to the revocation sink")
	}

	// The rejection itself is on the record, not just the termination.
	rejected, err := f.mem.Search(ctx, audit.Query{TenantID: "t1", Type: audit.TypeSessionRejected})
	if err != nil {
		t.Fatal(err)
	}
	if len(rejected) != 1 || rejected[0].SessionID != sess.ID {
		t.Fatalf("expected one rejection event for %s, got %d", sess.ID, len(rejected))
	}
	if rejected[0].Severity != audit.SeverityWarning {
		t.Fatalf("expected WARNING rejection, got %s", rejected[0].Severity)
	}
}

func TestTerminateAllSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
		f.now = f.now.Add(time.Second)
	}
	other, err := f.mgr.CreateSession(ctx, authCtx("bob"), trustedSignals("10.0.0.2"))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.TerminateAllSessions(ctx, "t1", "alice", "deprovisioned"); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		got, err := f.mgr.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != session.StatusTerminated {
			t.Fatalf("expected TERMINATED, got %s", got.Status)
		}
	}
	got, err := f.mgr.Get(ctx, other.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusActive {
		t.Fatalf("unrelated user's session was terminated")
	}
}

func TestImpossibleTravelInvalidatesOnNextValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	signals := trustedSignals("10.0.0.1")
	signals.HasGeo = true
	signals.Lat, signals.Lon = 37.7749, -122.4194 // San Francisco
	sess, err := f.mgr.CreateSession(ctx, authCtx("alice"), signals)
	if err != nil {
		t.Fatal(err)
	}

	// New York one hour later: roughly 4100 km, far above 500 km/h.
	f.now = f.now.Add(time.Hour)
	flagged, err := f.mgr.DetectImpossibleTravel(ctx, sess.ID, "10.9.9.9", 40.7128, -74.0060)
	if err != nil {
		t.Fatal(err)
	}
	if !flagged {
		t.Fatal("expected impossible travel to be flagged")
	}

	if _, err := f.mgr.ValidateAndExtend(ctx, sess.ID, "10.9.9.9"); !errors.Is(err, session.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	got, err := f.mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusInvalidated {
		t.Fatalf("expected INVALIDATED, got %s", got.Status)
	}

	travel, err := f.mem.Search(ctx, audit.Query{TenantID: "t1", Type: audit.TypeImpossibleTravel})
	if err != nil {
		t.Fatal(err)
	}
	if len(travel) != 1 || travel[0].Severity != audit.SeverityCritical {
		t.Fatalf("expected one CRITICAL travel event, got %+v", travel)
	}
	hijack, err := f.mem.Search(ctx, audit.Query{TenantID: "t1", Type: audit.TypeSessionHijackDetected})
	if err != nil {
		t.Fatal(err)
	}
	if len(hijack) != 1 {
		t.Fatalf("expected one hijack event, got %d", len(hijack))
	}
}

func TestImpossibleTravelNeedsCoordinates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(time.Minute)
	flagged, err := f.mgr.DetectImpossibleTravel(ctx, sess.ID, "10.9.9.9", 40.7128, -74.0060)
	if err != nil {
		t.Fatal(err)
	}
	if flagged {
		t.Fatal("no stored coordinates must mean no verdict")
	}
}

func TestInvalidateCreatedBefore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	old, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(5 * time.Minute)
	cutoff := f.now
	f.now = f.now.Add(5 * time.Minute)
	fresh, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.InvalidateCreatedBefore(ctx, cutoff, "signing key compromised"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.mgr.Get(ctx, old.ID)
	if got.Status != session.StatusInvalidated {
		t.Fatalf("expected old session INVALIDATED, got %s", got.Status)
	}
	got, _ = f.mgr.Get(ctx, fresh.ID)
	if got.Status != session.StatusActive {
		t.Fatalf("expected fresh session ACTIVE, got %s", got.Status)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sess, err := f.mgr.CreateSession(ctx, authCtx("alice"), trustedSignals("10.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(time.Hour)

	if err := f.mgr.SweepExpired(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := f.mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
}
