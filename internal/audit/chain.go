package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trustplane.org/internal/ids"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/store"
)

var (
	// ErrTailMismatch means the append lost a race against a concurrent
	// writer for the same tenant chain. Append retries once internally;
	// the surfaced error means both attempts lost.
	ErrTailMismatch = errors.New("audit: chain tail mismatch")
	// ErrChainBroken means a stored event no longer matches its recorded
	// hash. This is not retryable and requires operator intervention.
	ErrChainBroken = errors.New("audit: chain broken")
)

// Tail is the current head of one tenant chain.
type Tail struct {
	Sequence uint64
	Hash     string
}

// Store persists per-tenant chains. AppendEvent must reject with
// store.ErrConflict when the event's PrevHash does not match the stored
// tail, which is the optimistic-concurrency guard serializing writers.
type Store interface {
	Tail(ctx context.Context, tenantID string) (Tail, error)
	AppendEvent(ctx context.Context, ev *Event) error
	Range(ctx context.Context, tenantID string, fromSeq, toSeq uint64) ([]Event, error)
	Search(ctx context.Context, q Query) ([]Event, error)
	SetSignature(ctx context.Context, tenantID string, seq uint64, keyID, signature string) error
	SetLegalHold(ctx context.Context, tenantID string, fromSeq, toSeq uint64, held bool) error
	Purge(ctx context.Context, tenantID string, before time.Time) (int, error)
}

// Signer signs tail hashes asynchronously. The chain never waits on it.
type Signer interface {
	Enqueue(tenantID string, seq uint64, hash string)
}

// Chain is the append-only, hash-linked event log. One Chain instance
// serves every tenant; serialization is per tenant via the store's
// tail-match guard.
type Chain struct {
	store     Store
	signer    Signer
	retention time.Duration
	now       func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithSigner attaches the asynchronous tail signer.
func WithSigner(s Signer) Option {
	return func(c *Chain) { c.signer = s }
}

// WithRetention sets the read-time retention window. Zero means events
// never age out of the read surface.
func WithRetention(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Chain) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewChain constructs the audit chain over a store.
func NewChain(s Store, opts ...Option) *Chain {
	c := &Chain{store: s, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append assigns sequence and chain-link fields, hashes the event and
// persists it. Returns the assigned sequence number. A tail race is
// retried once with a fresh tail; a second conflict surfaces as
// ErrTailMismatch.
func (c *Chain) Append(ctx context.Context, ev Event) (uint64, error) {
	if ev.TenantID == "" {
		return 0, fmt.Errorf("audit: tenant id is required")
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	for attempt := 0; attempt < 2; attempt++ {
		tail, err := c.store.Tail(ctx, ev.TenantID)
		if err != nil {
			obs.AuditAppend("error")
			return 0, fmt.Errorf("audit: read tail: %w", err)
		}
		ev.Sequence = tail.Sequence + 1
		ev.PrevHash = tail.Hash
		ev.Hash = hashEvent(&ev, ev.PrevHash)

		err = c.store.AppendEvent(ctx, &ev)
		if err == nil {
			obs.AuditAppend("ok")
			if c.signer != nil {
				c.signer.Enqueue(ev.TenantID, ev.Sequence, ev.Hash)
			}
			return ev.Sequence, nil
		}
		if errors.Is(err, store.ErrConflict) {
			obs.AuditAppend("conflict")
			continue
		}
		obs.AuditAppend("error")
		return 0, fmt.Errorf("audit: append: %w", err)
	}
	return 0, ErrTailMismatch
}

// VerifyChain recomputes hashes across [fromSeq, toSeq] and reports whether
// the chain is intact. On a break it returns false plus the sequence number
// of the first event that fails verification.
func (c *Chain) VerifyChain(ctx context.Context, tenantID string, fromSeq, toSeq uint64) (bool, uint64, error) {
	events, err := c.store.Range(ctx, tenantID, fromSeq, toSeq)
	if err != nil {
		return false, 0, fmt.Errorf("audit: load range: %w", err)
	}
	prev := ""
	for i := range events {
		ev := events[i]
		if i == 0 {
			// The first event of a partial range anchors on its own
			// stored link; full-range verification starts at the
			// genesis empty hash.
			prev = ev.PrevHash
			if ev.Sequence == 1 && prev != "" {
				return false, ev.Sequence, nil
			}
		}
		if ev.PrevHash != prev {
			return false, ev.Sequence, nil
		}
		if hashEvent(&ev, ev.PrevHash) != ev.Hash {
			return false, ev.Sequence, nil
		}
		prev = ev.Hash
	}
	return true, 0, nil
}

// Events runs a forensic query, applying the retention read filter: events
// older than the retention window are withheld unless under legal hold.
func (c *Chain) Events(ctx context.Context, q Query) ([]Event, error) {
	events, err := c.store.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("audit: search: %w", err)
	}
	if c.retention <= 0 {
		return events, nil
	}
	cutoff := c.now().Add(-c.retention)
	out := events[:0]
	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) && !ev.LegalHold {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// SetLegalHold marks a sequence range as held, exempting it from retention
// filtering and from purge.
func (c *Chain) SetLegalHold(ctx context.Context, tenantID string, fromSeq, toSeq uint64, held bool) error {
	return c.store.SetLegalHold(ctx, tenantID, fromSeq, toSeq, held)
}

// Purge removes events whose retention window has elapsed and that are not
// under legal hold. It is operator-invoked only, and is itself recorded on
// the chain before any row is removed.
func (c *Chain) Purge(ctx context.Context, tenantID string) (int, error) {
	if c.retention <= 0 {
		return 0, nil
	}
	cutoff := c.now().Add(-c.retention)
	if _, err := c.Append(ctx, Event{
		TenantID: tenantID,
		Type:     TypeAuditPurged,
		Severity: SeverityWarning,
		Outcome:  "requested",
		Detail:   []string{"cutoff=" + cutoff.UTC().Format(time.RFC3339)},
	}); err != nil {
		return 0, err
	}
	return c.store.Purge(ctx, tenantID, cutoff)
}
