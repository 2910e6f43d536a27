package session

import (
	"context"
	"time"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/risk"
)

// RunExpirySweep transitions overdue ACTIVE sessions to EXPIRED on the
// given interval until ctx is cancelled.
func (m *Manager) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := m.now()
			if err := m.SweepExpired(ctx); err != nil {
				obs.LogEvent(ctx, "expiry_sweep_failed", map[string]any{"error": err.Error()})
			}
			obs.SweepPass("expiry", m.now().Sub(start))
		}
	}
}

// RunRiskSweep recomputes risk for ACTIVE sessions on the given interval
// until ctx is cancelled, invalidating any that have crossed into
// HIGH/CRITICAL independent of request traffic.
func (m *Manager) RunRiskSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := m.now()
			if err := m.SweepRisk(ctx); err != nil {
				obs.LogEvent(ctx, "risk_sweep_failed", map[string]any{"error": err.Error()})
			}
			obs.SweepPass("risk", m.now().Sub(start))
		}
	}
}

// SweepExpired runs one expiry pass. Sessions already moved to a terminal
// status by racing request traffic are skipped; terminal states are
// absorbing either way.
func (m *Manager) SweepExpired(ctx context.Context) error {
	active, err := m.sessions.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	for _, sess := range active {
		if !now.After(sess.ExpiresAt) {
			continue
		}
		current, err := m.sessions.GetSession(ctx, sess.ID)
		if err != nil || current.Status.Terminal() {
			continue
		}
		current.Status = StatusExpired
		current.EndReason = "expired by sweep"
		if err := m.sessions.UpdateSession(ctx, &current); err != nil {
			return err
		}
		m.closed(ctx, current, audit.TypeSessionExpired, "expired by sweep", audit.SeverityInfo)
	}
	return nil
}

// SweepRisk runs one risk re-assessment pass over ACTIVE sessions.
func (m *Manager) SweepRisk(ctx context.Context) error {
	active, err := m.sessions.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range active {
		device, derr := m.devices.GetDevice(ctx, sess.DeviceID)
		assessment := risk.Assess(risk.Input{
			DeviceTrusted:    derr == nil && device.Trusted && !device.Blocked,
			DeviceKnown:      derr == nil,
			ImpossibleTravel: containsFactor(sess.RiskFactors, risk.FactorImpossibleTravel),
		})
		if !assessment.Level.Escalated() {
			continue
		}
		current, err := m.sessions.GetSession(ctx, sess.ID)
		if err != nil || current.Status.Terminal() {
			continue
		}
		current.RiskLevel = assessment.Level
		current.RiskScore = assessment.Score
		current.RiskFactors = assessment.Factors
		current.Status = StatusInvalidated
		current.EndReason = "risk sweep escalation"
		if err := m.sessions.UpdateSession(ctx, &current); err != nil {
			return err
		}
		m.closed(ctx, current, audit.TypeSessionInvalidated, "risk sweep escalation", audit.SeverityWarning)
	}
	return nil
}
