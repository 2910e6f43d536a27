// Package memory is the in-process backend used by tests and single-node
// deployments. One mutex-guarded Store implements every domain store
// interface; the audit tail check under the same lock is what serializes
// appends per tenant chain.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trustplane.org/internal/audit"
	"trustplane.org/internal/grant"
	"trustplane.org/internal/policy"
	"trustplane.org/internal/session"
	"trustplane.org/internal/store"
	"trustplane.org/internal/token"
)

// Store holds everything in maps keyed by opaque identifiers.
// Relationships (session→device, grant→source grant) are looked up by id,
// never via embedded pointers.
type Store struct {
	mu sync.RWMutex

	sessions map[string]session.Session
	devices  map[string]session.Device

	policies       map[string]policy.Policy   // head versions, key tenant/policy
	policyVersions map[string][]policy.Policy // full history, same key
	policyVersion  map[string]uint64          // per-tenant snapshot counter

	grants map[string]grant.Grant

	chains map[string][]audit.Event // per tenant

	tokens map[string]token.RefreshToken
}

var (
	_ session.Store       = (*Store)(nil)
	_ session.DeviceStore = (*Store)(nil)
	_ policy.Store        = (*Store)(nil)
	_ grant.Store         = (*Store)(nil)
	_ audit.Store         = (*Store)(nil)
	_ token.Store         = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:       make(map[string]session.Session),
		devices:        make(map[string]session.Device),
		policies:       make(map[string]policy.Policy),
		policyVersions: make(map[string][]policy.Policy),
		policyVersion:  make(map[string]uint64),
		grants:         make(map[string]grant.Grant),
		chains:         make(map[string][]audit.Event),
		tokens:         make(map[string]token.RefreshToken),
	}
}

func policyKey(tenantID, policyID string) string { return tenantID + "/" + policyID }

// --- session.Store ---

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: session %s", store.ErrConflict, sess.ID)
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("%w: session %s", store.ErrNotFound, id)
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("%w: session %s", store.ErrNotFound, sess.ID)
	}
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *Store) ActiveByUser(ctx context.Context, tenantID, userID string) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.TenantID == tenantID && sess.UserID == userID && sess.Status == session.StatusActive {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ActiveSessions(ctx context.Context) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.Status == session.StatusActive {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- session.DeviceStore ---

func (s *Store) CreateDevice(ctx context.Context, d *session.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.ID]; ok {
		return fmt.Errorf("%w: device %s", store.ErrConflict, d.ID)
	}
	s.devices[d.ID] = *d
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (session.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return session.Device{}, fmt.Errorf("%w: device %s", store.ErrNotFound, id)
	}
	return d, nil
}

func (s *Store) UpdateDevice(ctx context.Context, d *session.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.ID]; !ok {
		return fmt.Errorf("%w: device %s", store.ErrNotFound, d.ID)
	}
	s.devices[d.ID] = *d
	return nil
}

func (s *Store) DeviceByFingerprint(ctx context.Context, tenantID, userID, fingerprintHash string) (session.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.TenantID == tenantID && d.UserID == userID && d.FingerprintHash == fingerprintHash {
			return d, nil
		}
	}
	return session.Device{}, fmt.Errorf("%w: device fingerprint", store.ErrNotFound)
}

// --- policy.Store ---

func (s *Store) Snapshot(ctx context.Context, tenantID string) (policy.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := policy.Snapshot{TenantID: tenantID, Version: s.policyVersion[tenantID]}
	for _, p := range s.policies {
		if p.TenantID == tenantID && p.Status == policy.StatusActive {
			snap.Policies = append(snap.Policies, p)
		}
	}
	sort.Slice(snap.Policies, func(i, j int) bool { return snap.Policies[i].ID < snap.Policies[j].ID })
	return snap, nil
}

func (s *Store) CreatePolicy(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := policyKey(p.TenantID, p.ID)
	if _, ok := s.policies[key]; ok {
		return fmt.Errorf("%w: policy %s", store.ErrConflict, p.ID)
	}
	s.policies[key] = *p
	s.policyVersions[key] = append(s.policyVersions[key], *p)
	s.policyVersion[p.TenantID]++
	return nil
}

func (s *Store) UpdatePolicy(ctx context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := policyKey(p.TenantID, p.ID)
	head, ok := s.policies[key]
	if !ok {
		return fmt.Errorf("%w: policy %s", store.ErrNotFound, p.ID)
	}
	if p.Version != head.Version {
		return fmt.Errorf("%w: policy %s version %d (head %d)", store.ErrConflict, p.ID, p.Version, head.Version)
	}
	p.Version = head.Version + 1
	s.policies[key] = *p
	s.policyVersions[key] = append(s.policyVersions[key], *p)
	s.policyVersion[p.TenantID]++
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, tenantID, policyID string) (policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyKey(tenantID, policyID)]
	if !ok {
		return policy.Policy{}, fmt.Errorf("%w: policy %s", store.ErrNotFound, policyID)
	}
	return p, nil
}

func (s *Store) GetPolicyVersion(ctx context.Context, tenantID, policyID string, version int) (policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policyVersions[policyKey(tenantID, policyID)] {
		if p.Version == version {
			return p, nil
		}
	}
	return policy.Policy{}, fmt.Errorf("%w: policy %s version %d", store.ErrNotFound, policyID, version)
}

// --- grant.Store ---

func (s *Store) CreateGrant(ctx context.Context, g *grant.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.ID]; ok {
		return fmt.Errorf("%w: grant %s", store.ErrConflict, g.ID)
	}
	s.grants[g.ID] = *g
	return nil
}

func (s *Store) GetGrant(ctx context.Context, id string) (grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return grant.Grant{}, fmt.Errorf("%w: grant %s", store.ErrNotFound, id)
	}
	return g, nil
}

func (s *Store) UpdateGrant(ctx context.Context, g *grant.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.ID]; !ok {
		return fmt.Errorf("%w: grant %s", store.ErrNotFound, g.ID)
	}
	s.grants[g.ID] = *g
	return nil
}

func (s *Store) GrantsByUser(ctx context.Context, tenantID, userID string) ([]grant.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []grant.Grant
	for _, g := range s.grants {
		if g.TenantID == tenantID && g.UserID == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- audit.Store ---

func (s *Store) Tail(ctx context.Context, tenantID string) (audit.Tail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[tenantID]
	if len(chain) == 0 {
		return audit.Tail{}, nil
	}
	last := chain[len(chain)-1]
	return audit.Tail{Sequence: last.Sequence, Hash: last.Hash}, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[ev.TenantID]
	var tailHash string
	var tailSeq uint64
	if len(chain) > 0 {
		tailHash = chain[len(chain)-1].Hash
		tailSeq = chain[len(chain)-1].Sequence
	}
	if ev.PrevHash != tailHash || ev.Sequence != tailSeq+1 {
		return fmt.Errorf("%w: audit tail moved", store.ErrConflict)
	}
	s.chains[ev.TenantID] = append(chain, *ev)
	return nil
}

func (s *Store) Range(ctx context.Context, tenantID string, fromSeq, toSeq uint64) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, ev := range s.chains[tenantID] {
		if ev.Sequence < fromSeq {
			continue
		}
		if toSeq > 0 && ev.Sequence > toSeq {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) Search(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, ev := range s.chains[q.TenantID] {
		if q.UserID != "" && ev.UserID != q.UserID {
			continue
		}
		if q.SessionID != "" && ev.SessionID != q.SessionID {
			continue
		}
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		if !q.From.IsZero() && ev.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && ev.Timestamp.After(q.To) {
			continue
		}
		if q.FromSeq > 0 && ev.Sequence < q.FromSeq {
			continue
		}
		if q.ToSeq > 0 && ev.Sequence > q.ToSeq {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SetSignature(ctx context.Context, tenantID string, seq uint64, keyID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[tenantID]
	for i := range chain {
		if chain[i].Sequence == seq {
			chain[i].KeyID = keyID
			chain[i].Signature = signature
			return nil
		}
	}
	return fmt.Errorf("%w: audit sequence %d", store.ErrNotFound, seq)
}

func (s *Store) SetLegalHold(ctx context.Context, tenantID string, fromSeq, toSeq uint64, held bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[tenantID]
	for i := range chain {
		if chain[i].Sequence >= fromSeq && (toSeq == 0 || chain[i].Sequence <= toSeq) {
			chain[i].LegalHold = held
		}
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, tenantID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[tenantID]
	kept := chain[:0]
	removed := 0
	for _, ev := range chain {
		if ev.Timestamp.Before(before) && !ev.LegalHold {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.chains[tenantID] = kept
	return removed, nil
}

// --- token.Store ---

func (s *Store) CreateToken(ctx context.Context, t *token.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[t.ID]; ok {
		return fmt.Errorf("%w: token %s", store.ErrConflict, t.ID)
	}
	s.tokens[t.ID] = *t
	return nil
}

func (s *Store) GetToken(ctx context.Context, id string) (token.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return token.RefreshToken{}, fmt.Errorf("%w: token %s", store.ErrNotFound, id)
	}
	return t, nil
}

func (s *Store) MarkSuperseded(ctx context.Context, id, successorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return fmt.Errorf("%w: token %s", store.ErrNotFound, id)
	}
	t.SupersededBy = successorID
	s.tokens[id] = t
	return nil
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tokens {
		if t.FamilyID == familyID {
			t.Revoked = true
			s.tokens[id] = t
		}
	}
	return nil
}
