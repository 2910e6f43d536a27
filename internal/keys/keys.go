package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"trustplane.org/internal/ids"
)

// SigningKey is the material the audit signer uses for tail signatures.
type SigningKey struct {
	ID      string
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// Compromise describes a key reported compromised. Sessions created before
// At can no longer be trusted and must be invalidated by subscribers.
type Compromise struct {
	KeyID string
	At    time.Time
}

// Provider is the key-management collaborator contract. The real
// implementation lives outside this core; Static below is used in-process
// and in tests.
type Provider interface {
	// Current returns the active signing key.
	Current() (SigningKey, error)
	// MarkCompromised retires the key and notifies subscribers. A fresh
	// key is active by the time this returns.
	MarkCompromised(keyID string, at time.Time) error
	// Subscribe registers a callback invoked on every compromise
	// notification. Callbacks must be fast; heavy work belongs on the
	// subscriber's side.
	Subscribe(fn func(Compromise))
}

// Static is an in-process Provider generating ed25519 keys on demand.
type Static struct {
	mu      sync.RWMutex
	active  SigningKey
	retired map[string]SigningKey
	subs    []func(Compromise)
}

// NewStatic creates a provider with one freshly generated active key.
func NewStatic() (*Static, error) {
	k, err := generate()
	if err != nil {
		return nil, err
	}
	return &Static{active: k, retired: make(map[string]SigningKey)}, nil
}

func generate() (SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{ID: ids.New(), Private: priv, Public: pub}, nil
}

func (s *Static) Current() (SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active.Private == nil {
		return SigningKey{}, errors.New("keys: no active key")
	}
	return s.active, nil
}

// Public returns the verification key for a key id, searching the active
// key and the retired set. Used by chain verification.
func (s *Static) Public(keyID string) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active.ID == keyID {
		return s.active.Public, true
	}
	if k, ok := s.retired[keyID]; ok {
		return k.Public, true
	}
	return nil, false
}

func (s *Static) MarkCompromised(keyID string, at time.Time) error {
	s.mu.Lock()
	if s.active.ID == keyID {
		s.retired[keyID] = s.active
		fresh, err := generate()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.active = fresh
	}
	subs := make([]func(Compromise), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	note := Compromise{KeyID: keyID, At: at}
	for _, fn := range subs {
		fn(note)
	}
	return nil
}

func (s *Static) Subscribe(fn func(Compromise)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}
