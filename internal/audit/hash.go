package audit

import (
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/zeebo/blake3"
)

// eventDomainKey is the BLAKE3 keyed-hash domain for chain entries. Domain
// separation keeps event hashes distinct from any other blake3 use; the key
// is the ASCII domain name zero-padded to 32 bytes so it stays readable in
// hex dumps.
var eventDomainKey = [32]byte{
	't', 'r', 'u', 's', 't', 'p', 'l', 'a', 'n', 'e', '.',
	'a', 'u', 'd', 'i', 't', '.', 'e', 'v', 'e', 'n', 't',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// canonicalEvent is the hashed region of an Event. Field order is fixed by
// the struct; Signature, KeyID and LegalHold are excluded because they are
// assigned after the hash exists.
type canonicalEvent struct {
	ID          string   `json:"id"`
	Sequence    uint64   `json:"sequence"`
	Timestamp   string   `json:"timestamp"` // RFC3339Nano UTC
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	SessionID   string   `json:"session_id"`
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	ActorID     string   `json:"actor_id"`
	TargetID    string   `json:"target_id"`
	Resource    string   `json:"resource"`
	Action      string   `json:"action"`
	Outcome     string   `json:"outcome"`
	Reason      string   `json:"reason"`
	RiskScore   string   `json:"risk_score"`
	RiskFactors []string `json:"risk_factors"`
	Detail      []string `json:"detail"`
}

// canonicalize serializes the hashed region deterministically. Timestamps
// are normalized to UTC RFC3339Nano so storage round-trips cannot shift
// the hash.
func canonicalize(ev *Event) []byte {
	c := canonicalEvent{
		ID:          ev.ID,
		Sequence:    ev.Sequence,
		Timestamp:   ev.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		TenantID:    ev.TenantID,
		UserID:      ev.UserID,
		SessionID:   ev.SessionID,
		Type:        string(ev.Type),
		Severity:    string(ev.Severity),
		ActorID:     ev.ActorID,
		TargetID:    ev.TargetID,
		Resource:    ev.Resource,
		Action:      ev.Action,
		Outcome:     ev.Outcome,
		Reason:      ev.Reason,
		RiskScore:   strconv.Itoa(ev.RiskScore),
		RiskFactors: ev.RiskFactors,
		Detail:      ev.Detail,
	}
	data, err := json.Marshal(c)
	if err != nil {
		// canonicalEvent holds only strings, string slices and an
		// integer; Marshal cannot fail on it.
		panic(err)
	}
	return data
}

// hashEvent computes hex(blake3_keyed(canonical(event) || prevHash)).
func hashEvent(ev *Event, prevHash string) string {
	// NewKeyed only errors on a wrong key length, which the fixed-size
	// domain key rules out.
	h, err := blake3.NewKeyed(eventDomainKey[:])
	if err != nil {
		panic("audit: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write(canonicalize(ev))
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}
