package monitor

import (
	"context"
	"sync"
	"time"

	"trustplane.org/internal/policy"
	"trustplane.org/internal/session"
)

// Revocation is the push notification emitted when a session reaches a
// terminal status.
type Revocation struct {
	SessionID string
	Reason    string
	At        time.Time
}

// Stream fan-outs revocations to all active subscribers. The session
// manager publishes into it; watchers of long-lived connections subscribe.
// Slow subscribers are dropped rather than ever blocking a publisher.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Revocation
	next int
}

// NewStream initialises an empty revocation stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Revocation)}
}

// Subscribe registers a subscriber. The channel is closed when the
// provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Revocation {
	ch := make(chan Revocation, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the revocation to all subscribers.
func (s *Stream) Publish(rev Revocation) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- rev:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SessionRevoked implements session.RevocationSink.
func (s *Stream) SessionRevoked(sessionID, reason string, at time.Time) {
	s.Publish(Revocation{SessionID: sessionID, Reason: reason, At: at})
}

// Verdict is one continuous-authorization check result. A false Allowed is
// terminal for the watched connection.
type Verdict struct {
	SessionID string
	Allowed   bool
	Reason    string
	At        time.Time
}

// Monitor re-validates long-lived connections against current session and
// policy state.
type Monitor struct {
	sessions *session.Manager
	engine   *policy.Engine
	stream   *Stream
	now      func() time.Time
}

// New constructs a monitor. The stream must be the same one registered as
// the session manager's revocation sink.
func New(sessions *session.Manager, engine *policy.Engine, stream *Stream) *Monitor {
	return &Monitor{sessions: sessions, engine: engine, stream: stream, now: time.Now}
}

// Check runs one continuous-authorization pass for a session.
func (m *Monitor) Check(ctx context.Context, sessionID, resource, action string) Verdict {
	at := m.now().UTC()
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return Verdict{SessionID: sessionID, Allowed: false, Reason: "unknown session", At: at}
	}
	ok, err := m.engine.ValidateContinuousAuthorization(ctx, sess, resource, action)
	if err != nil {
		// Fail closed.
		return Verdict{SessionID: sessionID, Allowed: false, Reason: "evaluation unavailable", At: at}
	}
	if !ok {
		return Verdict{SessionID: sessionID, Allowed: false, Reason: "revalidation failed", At: at}
	}
	return Verdict{SessionID: sessionID, Allowed: true, At: at}
}

// Watch re-checks a connection on the given interval and reacts to
// revocation pushes immediately. The returned channel delivers one verdict
// per check and closes after a negative verdict or when ctx ends.
func (m *Monitor) Watch(ctx context.Context, sessionID, resource, action string, interval time.Duration) <-chan Verdict {
	out := make(chan Verdict, 1)
	revocations := m.stream.Subscribe(ctx)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case rev, ok := <-revocations:
				if !ok {
					return
				}
				if rev.SessionID != sessionID {
					continue
				}
				select {
				case out <- Verdict{SessionID: sessionID, Allowed: false, Reason: rev.Reason, At: rev.At}:
				case <-ctx.Done():
				}
				return
			case <-ticker.C:
				v := m.Check(ctx, sessionID, resource, action)
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
				if !v.Allowed {
					return
				}
			}
		}
	}()
	return out
}
