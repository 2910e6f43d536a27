package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/ids"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/session"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("token: invalid")
	// ErrReuseDetected means a superseded refresh token was presented.
	// By the time this is returned the whole family is revoked and the
	// owning session terminated.
	ErrReuseDetected = errors.New("token: reuse detected")
)

// RefreshToken is the persisted half of a refresh credential. The family
// id ties together every token descended from one login; reuse of any
// superseded member revokes the family.
type RefreshToken struct {
	ID           string
	FamilyID     string
	TenantID     string
	UserID       string
	SessionID    string
	TokenHash    string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	Revoked      bool
	SupersededBy string
}

// Store persists refresh tokens.
type Store interface {
	CreateToken(ctx context.Context, t *RefreshToken) error
	GetToken(ctx context.Context, id string) (RefreshToken, error)
	// MarkSuperseded records rotation: the token stays on file so a
	// later presentation is recognized as reuse.
	MarkSuperseded(ctx context.Context, id, successorID string) error
	RevokeFamily(ctx context.Context, familyID string) error
}

// Claims are the verified contents of an access token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tenant_id"`
	SessionID string   `json:"session_id"`
	Scopes    []string `json:"scopes,omitempty"`
}

// Pair is one issued access/refresh credential set.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Service issues and rotates session-bound tokens.
type Service struct {
	store      Store
	sessions   *session.Manager
	chain      *audit.Chain
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithIssuer sets the iss claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = strings.TrimSpace(issuer) }
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the token service. The secret signs access tokens
// with HS256.
func NewService(store Store, sessions *session.Manager, chain *audit.Chain, secret []byte, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	s := &Service{
		store:      store,
		sessions:   sessions,
		chain:      chain,
		secret:     secret,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue mints a fresh pair bound to the session's token family.
func (s *Service) Issue(ctx context.Context, sess session.Session) (Pair, error) {
	now := s.now().UTC()
	access, accessExp, err := s.signAccess(sess, now)
	if err != nil {
		return Pair{}, err
	}
	refreshRaw, rec, err := s.newRefresh(sess, now)
	if err != nil {
		return Pair{}, err
	}
	if err := s.store.CreateToken(ctx, rec); err != nil {
		return Pair{}, fmt.Errorf("token: persist refresh: %w", err)
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refreshRaw,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Rotate exchanges a refresh token for a fresh pair. Presenting a token
// that was already rotated is reuse: the entire family is revoked and the
// owning session terminated before ErrReuseDetected is returned.
func (s *Service) Rotate(ctx context.Context, raw string) (Pair, error) {
	id, secret, err := splitRefresh(raw)
	if err != nil {
		return Pair{}, ErrInvalidToken
	}
	rec, err := s.store.GetToken(ctx, id)
	if err != nil {
		return Pair{}, ErrInvalidToken
	}
	now := s.now().UTC()
	if rec.Revoked || now.After(rec.ExpiresAt) {
		return Pair{}, ErrInvalidToken
	}
	if !hashMatches(rec.TokenHash, secret) {
		return Pair{}, ErrInvalidToken
	}
	if rec.SupersededBy != "" {
		if err := s.revokeFamily(ctx, rec, "refresh token reuse"); err != nil {
			return Pair{}, err
		}
		return Pair{}, ErrReuseDetected
	}

	sess, err := s.sessions.Get(ctx, rec.SessionID)
	if err != nil {
		return Pair{}, ErrInvalidToken
	}
	if sess.Status != session.StatusActive {
		return Pair{}, ErrInvalidToken
	}

	access, accessExp, err := s.signAccess(sess, now)
	if err != nil {
		return Pair{}, err
	}
	refreshRaw, successor, err := s.newRefresh(sess, now)
	if err != nil {
		return Pair{}, err
	}
	if err := s.store.CreateToken(ctx, successor); err != nil {
		return Pair{}, fmt.Errorf("token: persist refresh: %w", err)
	}
	if err := s.store.MarkSuperseded(ctx, rec.ID, successor.ID); err != nil {
		return Pair{}, fmt.Errorf("token: mark rotated: %w", err)
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refreshRaw,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: successor.ExpiresAt,
	}, nil
}

func (s *Service) revokeFamily(ctx context.Context, rec RefreshToken, reason string) error {
	if err := s.store.RevokeFamily(ctx, rec.FamilyID); err != nil {
		return fmt.Errorf("token: revoke family: %w", err)
	}
	if err := s.sessions.TerminateSession(ctx, rec.SessionID, reason); err != nil {
		return fmt.Errorf("token: terminate session: %w", err)
	}
	if s.chain != nil {
		if _, err := s.chain.Append(ctx, audit.Event{
			TenantID:  rec.TenantID,
			UserID:    rec.UserID,
			SessionID: rec.SessionID,
			Type:      audit.TypeTokenReuseDetected,
			Severity:  audit.SeverityCritical,
			Outcome:   "family revoked",
			Reason:    reason,
			Detail:    []string{"family=" + rec.FamilyID},
		}); err != nil {
			obs.LogEvent(ctx, "audit_append_failed", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// Verify parses an access token and confirms the backing session is still
// ACTIVE. Reading the session store on every call is what keeps token
// acceptance inside the one-second revocation window.
func (s *Service) Verify(ctx context.Context, tokenString string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return Claims{}, ErrInvalidToken
	}
	sess, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if sess.Status != session.StatusActive {
		return Claims{}, fmt.Errorf("%w: session %s", ErrInvalidToken, sess.Status)
	}
	return claims, nil
}

func (s *Service) signAccess(sess session.Session, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID,
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		Scopes:    sess.Scopes,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign access: %w", err)
	}
	return signed, exp, nil
}

func (s *Service) newRefresh(sess session.Session, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	rec := &RefreshToken{
		ID:        ids.New(),
		FamilyID:  sess.TokenFamilyID,
		TenantID:  sess.TenantID,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefresh(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashMatches(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
