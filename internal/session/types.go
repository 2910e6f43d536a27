package session

import (
	"context"
	"errors"
	"time"

	"trustplane.org/internal/risk"
)

// Status is the session lifecycle state. Every status except ACTIVE is
// terminal: a session never leaves a terminal status.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusExpired     Status = "EXPIRED"
	StatusTerminated  Status = "TERMINATED"
	StatusInvalidated Status = "INVALIDATED"
	StatusRevoked     Status = "REVOKED"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusTerminated || s == StatusInvalidated || s == StatusRevoked
}

var (
	// ErrRejected is the recoverable validation failure: the caller must
	// re-authenticate. The wrapped detail is for logs, not for end users.
	ErrRejected = errors.New("session: rejected")
	// ErrLimitExceeded means the concurrent-session cap could not be
	// enforced, not that it was reached; reaching it evicts instead.
	ErrLimitExceeded = errors.New("session: limit enforcement failed")
)

// Session binds one authenticated principal to one device.
type Session struct {
	ID             string
	TenantID       string
	UserID         string
	DeviceID       string
	Status         Status
	AuthMethod     string
	MFACompleted   bool
	StepUpComplete bool
	StepUpPending  []string
	RiskLevel      risk.Level
	RiskScore      int
	RiskFactors    []string
	Scopes         []string
	ConsentScopes  []string
	TokenFamilyID  string
	RememberMe     bool
	LastIP         string
	LastLat        float64
	LastLon        float64
	HasGeo         bool
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	EndReason      string
}

// View is the shape exposed to session-aware collaborators.
type View struct {
	SessionID string
	Status    Status
	RiskLevel risk.Level
	ExpiresAt time.Time
	Scopes    []string
}

// View projects the session for external callers.
func (s Session) View() View {
	scopes := make([]string, len(s.Scopes))
	copy(scopes, s.Scopes)
	return View{
		SessionID: s.ID,
		Status:    s.Status,
		RiskLevel: s.RiskLevel,
		ExpiresAt: s.ExpiresAt,
		Scopes:    scopes,
	}
}

// Device is a reusable fingerprint record per user. Devices are never
// deleted, only blocked.
type Device struct {
	ID                  string
	TenantID            string
	UserID              string
	FingerprintHash     string
	UserAgent           string
	Trusted             bool
	TrustScore          int
	HasTPM              bool
	AttestationVerified bool
	AuthSuccesses       int
	AuthFailures        int
	Blocked             bool
	FirstSeenAt         time.Time
	LastSeenAt          time.Time
}

// Signals is what the authentication subsystem observed about the device
// and network at session-creation time.
type Signals struct {
	FingerprintHash     string
	UserAgent           string
	IP                  string
	Lat                 float64
	Lon                 float64
	HasGeo              bool
	HasTPM              bool
	AttestationVerified bool
	IPFlagged           bool
	NewNetwork          bool
	FailedAuthCount     int
	UnusualHour         bool
	UnusualGeo          bool
}

// AuthContext carries the outcome of primary authentication.
type AuthContext struct {
	TenantID      string
	UserID        string
	Method        string
	MFACompleted  bool
	RememberMe    bool
	Scopes        []string
	ConsentScopes []string
}

// Store persists sessions. Update must be a plain overwrite; the manager
// re-reads before every transition and terminal states are checked there,
// so racing writers can only disagree on non-terminal fields.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	// ActiveByUser returns ACTIVE sessions for one user ordered by
	// creation time, oldest first.
	ActiveByUser(ctx context.Context, tenantID, userID string) ([]Session, error)
	// ActiveSessions returns every ACTIVE session; used by sweeps.
	ActiveSessions(ctx context.Context) ([]Session, error)
}

// DeviceStore persists device records.
type DeviceStore interface {
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (Device, error)
	UpdateDevice(ctx context.Context, d *Device) error
	DeviceByFingerprint(ctx context.Context, tenantID, userID, fingerprintHash string) (Device, error)
}

// RevocationSink receives push notification of every terminal transition.
// The continuous-authorization monitor subscribes here so long-lived
// connections observe revocation without waiting for their next poll.
type RevocationSink interface {
	SessionRevoked(sessionID, reason string, at time.Time)
}
