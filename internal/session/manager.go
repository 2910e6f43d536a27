package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/config"
	"trustplane.org/internal/ids"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/risk"
)

// burstInterval is the shortest allowed spacing between validation calls
// before activity counts as a suspicious burst.
const burstInterval = 100 * time.Millisecond

// Manager owns the session lifecycle: creation, activity extension,
// risk-driven invalidation and termination.
type Manager struct {
	sessions Store
	devices  DeviceStore
	chain    *audit.Chain
	limits   config.Source
	sink     RevocationSink
	now      func() time.Time

	// Per-session burst detectors. Entries die with their session.
	burstMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithRevocationSink attaches a push target for terminal transitions.
func WithRevocationSink(sink RevocationSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// NewManager constructs the lifecycle manager.
func NewManager(sessions Store, devices DeviceStore, chain *audit.Chain, limits config.Source, opts ...Option) *Manager {
	m := &Manager{
		sessions: sessions,
		devices:  devices,
		chain:    chain,
		limits:   limits,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession establishes a session after successful primary
// authentication. The concurrent-session cap is enforced by evicting the
// oldest ACTIVE session; creation only fails when eviction itself cannot
// proceed.
func (m *Manager) CreateSession(ctx context.Context, authCtx AuthContext, signals Signals) (Session, error) {
	now := m.now().UTC()
	limits := m.limits.Tenant(authCtx.TenantID)

	device, deviceKnown, err := m.bindDevice(ctx, authCtx, signals, now)
	if err != nil {
		return Session{}, fmt.Errorf("session: bind device: %w", err)
	}

	if err := m.enforceCap(ctx, authCtx.TenantID, authCtx.UserID, limits.MaxConcurrentSessions); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrLimitExceeded, err)
	}

	assessment := risk.Assess(risk.Input{
		DeviceTrusted:    device.Trusted,
		DeviceKnown:      deviceKnown,
		IPFlagged:        signals.IPFlagged,
		NewNetwork:       signals.NewNetwork,
		RecentFailedAuth: signals.FailedAuthCount,
		UnusualHour:      signals.UnusualHour,
		UnusualGeo:       signals.UnusualGeo,
	})

	timeout := limits.SessionTimeout
	if authCtx.RememberMe {
		timeout = limits.ExtendedTimeout
	}
	sess := Session{
		ID:             ids.New(),
		TenantID:       authCtx.TenantID,
		UserID:         authCtx.UserID,
		DeviceID:       device.ID,
		Status:         StatusActive,
		AuthMethod:     authCtx.Method,
		MFACompleted:   authCtx.MFACompleted,
		RiskLevel:      assessment.Level,
		RiskScore:      assessment.Score,
		RiskFactors:    assessment.Factors,
		Scopes:         authCtx.Scopes,
		ConsentScopes:  authCtx.ConsentScopes,
		TokenFamilyID:  uuid.NewString(),
		RememberMe:     authCtx.RememberMe,
		LastIP:         signals.IP,
		LastLat:        signals.Lat,
		LastLon:        signals.Lon,
		HasGeo:         signals.HasGeo,
		CreatedAt:      now,
		ExpiresAt:      now.Add(timeout),
		LastActivityAt: now,
	}
	if err := m.sessions.CreateSession(ctx, &sess); err != nil {
		return Session{}, fmt.Errorf("session: create: %w", err)
	}
	obs.SessionOpened()

	m.record(ctx, audit.Event{
		TenantID:    sess.TenantID,
		UserID:      sess.UserID,
		SessionID:   sess.ID,
		Type:        audit.TypeSessionCreated,
		Outcome:     "created",
		RiskScore:   sess.RiskScore,
		RiskFactors: sess.RiskFactors,
		Detail:      []string{"auth_method=" + sess.AuthMethod, "device=" + device.ID},
	})
	return sess, nil
}

func (m *Manager) bindDevice(ctx context.Context, authCtx AuthContext, signals Signals, now time.Time) (Device, bool, error) {
	device, err := m.devices.DeviceByFingerprint(ctx, authCtx.TenantID, authCtx.UserID, signals.FingerprintHash)
	if err == nil {
		device.LastSeenAt = now
		device.AuthSuccesses++
		device.UserAgent = signals.UserAgent
		if err := m.devices.UpdateDevice(ctx, &device); err != nil {
			return Device{}, false, err
		}
		return device, true, nil
	}
	device = Device{
		ID:                  ids.New(),
		TenantID:            authCtx.TenantID,
		UserID:              authCtx.UserID,
		FingerprintHash:     signals.FingerprintHash,
		UserAgent:           signals.UserAgent,
		HasTPM:              signals.HasTPM,
		AttestationVerified: signals.AttestationVerified,
		AuthSuccesses:       1,
		FirstSeenAt:         now,
		LastSeenAt:          now,
	}
	if signals.AttestationVerified {
		device.Trusted = true
		device.TrustScore = 80
	}
	if err := m.devices.CreateDevice(ctx, &device); err != nil {
		return Device{}, false, err
	}
	return device, false, nil
}

func (m *Manager) enforceCap(ctx context.Context, tenantID, userID string, limit int) error {
	if limit <= 0 {
		return nil
	}
	active, err := m.sessions.ActiveByUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	for len(active) >= limit {
		oldest := active[0]
		if err := m.terminate(ctx, oldest, "session cap exceeded", StatusTerminated, audit.TypeSessionTerminated); err != nil {
			return err
		}
		active = active[1:]
	}
	return nil
}

// ValidateAndExtend checks the session is usable, recomputes risk and on
// success extends the expiry by the tenant's timeout. Any failure is a
// terminal transition plus ErrRejected.
func (m *Manager) ValidateAndExtend(ctx context.Context, sessionID, observedIP string) (Session, error) {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		// Chains are tenant-scoped and an unknown id resolves no tenant,
		// so this rejection goes to the structured log instead.
		obs.LogEvent(ctx, "session_rejected", map[string]any{
			"session_id": sessionID,
			"reason":     "unknown session",
		})
		return Session{}, fmt.Errorf("%w: unknown session", ErrRejected)
	}
	now := m.now().UTC()

	if sess.Status != StatusActive {
		m.record(ctx, audit.Event{
			TenantID:  sess.TenantID,
			UserID:    sess.UserID,
			SessionID: sess.ID,
			Type:      audit.TypeSessionRejected,
			Severity:  audit.SeverityWarning,
			Outcome:   "rejected",
			Reason:    "status " + string(sess.Status),
		})
		return Session{}, fmt.Errorf("%w: status %s", ErrRejected, sess.Status)
	}
	if now.After(sess.ExpiresAt) {
		sess.Status = StatusExpired
		sess.EndReason = "expired"
		if err := m.sessions.UpdateSession(ctx, &sess); err != nil {
			return Session{}, fmt.Errorf("session: expire: %w", err)
		}
		m.closed(ctx, sess, audit.TypeSessionExpired, "expired", audit.SeverityInfo)
		return Session{}, fmt.Errorf("%w: expired", ErrRejected)
	}

	burst := m.observeBurst(sess.ID)

	device, derr := m.devices.GetDevice(ctx, sess.DeviceID)
	assessment := risk.Assess(risk.Input{
		DeviceTrusted:    derr == nil && device.Trusted && !device.Blocked,
		DeviceKnown:      derr == nil,
		NewNetwork:       observedIP != "" && sess.LastIP != "" && observedIP != sess.LastIP,
		ImpossibleTravel: containsFactor(sess.RiskFactors, risk.FactorImpossibleTravel),
		SuspiciousBurst:  burst,
	})

	if assessment.Level.Escalated() {
		sess.Status = StatusInvalidated
		sess.EndReason = "risk escalation"
		sess.RiskLevel = assessment.Level
		sess.RiskScore = assessment.Score
		sess.RiskFactors = assessment.Factors
		if err := m.sessions.UpdateSession(ctx, &sess); err != nil {
			return Session{}, fmt.Errorf("session: invalidate: %w", err)
		}
		m.closed(ctx, sess, audit.TypeSessionHijackDetected, "risk escalation", audit.SeverityCritical)
		return Session{}, fmt.Errorf("%w: risk %s", ErrRejected, assessment.Level)
	}

	limits := m.limits.Tenant(sess.TenantID)
	timeout := limits.SessionTimeout
	if sess.RememberMe {
		timeout = limits.ExtendedTimeout
	}
	sess.RiskLevel = assessment.Level
	sess.RiskScore = assessment.Score
	sess.RiskFactors = assessment.Factors
	sess.ExpiresAt = now.Add(timeout)
	sess.LastActivityAt = now
	if observedIP != "" {
		sess.LastIP = observedIP
	}
	if err := m.sessions.UpdateSession(ctx, &sess); err != nil {
		return Session{}, fmt.Errorf("session: extend: %w", err)
	}
	m.record(ctx, audit.Event{
		TenantID:    sess.TenantID,
		UserID:      sess.UserID,
		SessionID:   sess.ID,
		Type:        audit.TypeSessionExtended,
		Outcome:     "extended",
		RiskScore:   sess.RiskScore,
		RiskFactors: sess.RiskFactors,
	})
	return sess, nil
}

// observeBurst reports whether calls for this session arrive faster than
// one per 100ms. The limiter allows short spikes before flagging.
func (m *Manager) observeBurst(sessionID string) bool {
	m.burstMu.Lock()
	lim, ok := m.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(burstInterval), 3)
		m.limiters[sessionID] = lim
	}
	m.burstMu.Unlock()
	return !lim.AllowN(m.now(), 1)
}

// Get returns the current session record.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	return m.sessions.GetSession(ctx, sessionID)
}

// TerminateSession ends one session. Idempotent: terminating an already
// terminal session is a no-op.
func (m *Manager) TerminateSession(ctx context.Context, sessionID, reason string) error {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: terminate: %w", err)
	}
	if sess.Status.Terminal() {
		return nil
	}
	return m.terminate(ctx, sess, reason, StatusTerminated, audit.TypeSessionTerminated)
}

// TerminateAllSessions ends every ACTIVE session of a user, one audit event
// per session. Used for logout-everywhere and de-provisioning; the store
// write is synchronous, so subsequent validations reject immediately.
func (m *Manager) TerminateAllSessions(ctx context.Context, tenantID, userID, reason string) error {
	active, err := m.sessions.ActiveByUser(ctx, tenantID, userID)
	if err != nil {
		return fmt.Errorf("session: terminate all: %w", err)
	}
	for _, sess := range active {
		if err := m.terminate(ctx, sess, reason, StatusTerminated, audit.TypeSessionTerminated); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) terminate(ctx context.Context, sess Session, reason string, status Status, evType audit.Type) error {
	if sess.Status.Terminal() {
		return nil
	}
	sess.Status = status
	sess.EndReason = reason
	if err := m.sessions.UpdateSession(ctx, &sess); err != nil {
		return err
	}
	severity := audit.SeverityInfo
	if status == StatusInvalidated || status == StatusRevoked {
		severity = audit.SeverityWarning
	}
	m.closed(ctx, sess, evType, reason, severity)
	return nil
}

// closed records the terminal transition, pushes revocation and drops the
// burst limiter.
func (m *Manager) closed(ctx context.Context, sess Session, evType audit.Type, reason string, severity audit.Severity) {
	obs.SessionClosed(string(sess.Status))
	m.burstMu.Lock()
	delete(m.limiters, sess.ID)
	m.burstMu.Unlock()
	m.record(ctx, audit.Event{
		TenantID:    sess.TenantID,
		UserID:      sess.UserID,
		SessionID:   sess.ID,
		Type:        evType,
		Severity:    severity,
		Outcome:     string(sess.Status),
		Reason:      reason,
		RiskScore:   sess.RiskScore,
		RiskFactors: sess.RiskFactors,
	})
	if m.sink != nil {
		m.sink.SessionRevoked(sess.ID, reason, m.now().UTC())
	}
}

// DetectImpossibleTravel compares the new coordinates against the
// session's last known position. A speed above 500 km/h marks the session
// CRITICAL; the next validation call invalidates it. Returns false with no
// verdict when either coordinate pair is missing.
func (m *Manager) DetectImpossibleTravel(ctx context.Context, sessionID, newIP string, newLat, newLon float64) (bool, error) {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("session: travel check: %w", err)
	}
	if !sess.HasGeo {
		return false, nil
	}
	elapsed := m.now().UTC().Sub(sess.LastActivityAt).Hours()
	speed := risk.TravelSpeed(sess.LastLat, sess.LastLon, newLat, newLon, elapsed)
	if speed <= risk.ImpossibleTravelSpeedKmh {
		return false, nil
	}

	sess.RiskLevel = risk.LevelCritical
	sess.RiskScore = 100
	sess.RiskFactors = appendFactor(sess.RiskFactors, risk.FactorImpossibleTravel)
	if err := m.sessions.UpdateSession(ctx, &sess); err != nil {
		return false, fmt.Errorf("session: travel check: %w", err)
	}
	m.record(ctx, audit.Event{
		TenantID:    sess.TenantID,
		UserID:      sess.UserID,
		SessionID:   sess.ID,
		Type:        audit.TypeImpossibleTravel,
		Severity:    audit.SeverityCritical,
		Outcome:     "flagged",
		Reason:      fmt.Sprintf("implied speed %.0f km/h", speed),
		RiskScore:   sess.RiskScore,
		RiskFactors: sess.RiskFactors,
		Detail:      []string{"new_ip=" + newIP},
	})
	return true, nil
}

// InvalidateCreatedBefore invalidates every ACTIVE session created before
// the cutoff. Driven by key-compromise notifications.
func (m *Manager) InvalidateCreatedBefore(ctx context.Context, cutoff time.Time, reason string) error {
	active, err := m.sessions.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("session: invalidate before: %w", err)
	}
	for _, sess := range active {
		if !sess.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.terminate(ctx, sess, reason, StatusInvalidated, audit.TypeSessionInvalidated); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) record(ctx context.Context, ev audit.Event) {
	if m.chain == nil {
		return
	}
	if _, err := m.chain.Append(ctx, ev); err != nil {
		obs.LogEvent(ctx, "audit_append_failed", map[string]any{
			"type":  string(ev.Type),
			"error": err.Error(),
		})
	}
}

func containsFactor(factors []string, tag string) bool {
	for _, f := range factors {
		if f == tag {
			return true
		}
	}
	return false
}

func appendFactor(factors []string, tag string) []string {
	if containsFactor(factors, tag) {
		return factors
	}
	return append(factors, tag)
}
