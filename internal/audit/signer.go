package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sync"

	"trustplane.org/internal/keys"
	"trustplane.org/internal/obs"
)

// TailSigner signs appended tail hashes in the background with the current
// key from the key-management collaborator. Enqueue never blocks: when the
// queue is full the tail is skipped and a later tail covers the chain up
// to that point anyway, since every hash transitively commits to all
// predecessors.
type TailSigner struct {
	store    Store
	provider keys.Provider

	queue chan signJob
	wg    sync.WaitGroup
}

type signJob struct {
	tenantID string
	seq      uint64
	hash     string
}

// NewTailSigner creates a signer with a bounded queue.
func NewTailSigner(s Store, provider keys.Provider) *TailSigner {
	return &TailSigner{
		store:    s,
		provider: provider,
		queue:    make(chan signJob, 256),
	}
}

// Run consumes the queue until ctx is cancelled.
func (ts *TailSigner) Run(ctx context.Context) {
	ts.wg.Add(1)
	defer ts.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-ts.queue:
			ts.sign(ctx, job)
		}
	}
}

func (ts *TailSigner) sign(ctx context.Context, job signJob) {
	key, err := ts.provider.Current()
	if err != nil {
		obs.LogEvent(ctx, "audit_sign_skipped", map[string]any{"error": err.Error()})
		return
	}
	sig := ed25519.Sign(key.Private, []byte(job.hash))
	if err := ts.store.SetSignature(ctx, job.tenantID, job.seq, key.ID, hex.EncodeToString(sig)); err != nil {
		obs.LogEvent(ctx, "audit_sign_store_failed", map[string]any{
			"tenant":   job.tenantID,
			"sequence": job.seq,
			"error":    err.Error(),
		})
	}
}

// Enqueue implements Signer.
func (ts *TailSigner) Enqueue(tenantID string, seq uint64, hash string) {
	select {
	case ts.queue <- signJob{tenantID: tenantID, seq: seq, hash: hash}:
	default:
		// Queue full; drop rather than block Append.
	}
}

// VerifySignature checks a stored signature against the given public key.
func VerifySignature(pub ed25519.PublicKey, hash, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(hash), sig)
}
