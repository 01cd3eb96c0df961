// Package scheduler arms one-shot deadline timers for activity sessions.
// Fired deadlines are delivered on a channel consumed by the owning engine,
// so engines stay reactive: direct method calls plus this one clock signal.
package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Kind tags what a fired deadline means to the engine.
type Kind string

const (
	KindCountdown  Kind = "countdown"
	KindRound      Kind = "round"
	KindInactivity Kind = "inactivity"
	KindLobbyIdle  Kind = "lobby_idle"
)

// Deadline identifies one armed timer. Round is only meaningful for
// KindRound deadlines.
type Deadline struct {
	SessionID uuid.UUID
	Kind      Kind
	Round     int
}

type timerKey struct {
	sessionID uuid.UUID
	kind      Kind
}

type timerEntry struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// Scheduler owns the per-session timer registry for one engine instance.
// Re-arming an existing (session, kind) pair replaces the previous timer;
// firing after cancellation is a no-op.
type Scheduler struct {
	clock clockwork.Clock
	fired chan Deadline

	mu     sync.Mutex
	timers map[timerKey]*timerEntry
	closed bool
}

// New creates a scheduler delivering fired deadlines on C().
func New(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		fired:  make(chan Deadline, 64),
		timers: make(map[timerKey]*timerEntry),
	}
}

// C returns the channel fired deadlines are delivered on.
func (s *Scheduler) C() <-chan Deadline {
	return s.fired
}

// Schedule arms a one-shot timer for d after delay, replacing any timer
// already armed for the same (session, kind).
func (s *Scheduler) Schedule(d Deadline, delay time.Duration) {
	key := timerKey{sessionID: d.SessionID, kind: d.Kind}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if existing, ok := s.timers[key]; ok {
		close(existing.cancel)
		stopAndDrainTimer(existing.timer)
	}
	entry := &timerEntry{
		timer:  s.clock.NewTimer(delay),
		cancel: make(chan struct{}),
	}
	s.timers[key] = entry
	s.mu.Unlock()

	go func() {
		select {
		case <-entry.timer.Chan():
			s.remove(key, entry)
			select {
			case s.fired <- d:
			case <-entry.cancel:
				// Cancelled while the fired channel was full; drop it.
			}
		case <-entry.cancel:
		}
	}()

	log.Debug().
		Str("session_id", d.SessionID.String()).
		Str("kind", string(d.Kind)).
		Dur("delay", delay).
		Msg("scheduled deadline")
}

// Cancel disarms the timer for one (session, kind) pair if armed.
func (s *Scheduler) Cancel(sessionID uuid.UUID, kind Kind) {
	key := timerKey{sessionID: sessionID, kind: kind}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.timers[key]; ok {
		close(entry.cancel)
		stopAndDrainTimer(entry.timer)
		delete(s.timers, key)
	}
}

// CancelSession disarms every timer armed for a session.
func (s *Scheduler) CancelSession(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.timers {
		if key.sessionID != sessionID {
			continue
		}
		close(entry.cancel)
		stopAndDrainTimer(entry.timer)
		delete(s.timers, key)
	}
}

// Armed reports whether a timer is currently armed for (session, kind).
// Used on restart recovery to re-arm unexpired countdowns exactly once.
func (s *Scheduler) Armed(sessionID uuid.UUID, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[timerKey{sessionID: sessionID, kind: kind}]
	return ok
}

// Stop cancels all timers and rejects further scheduling. The fired
// channel is left open so a consumer draining it never panics.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, entry := range s.timers {
		close(entry.cancel)
		stopAndDrainTimer(entry.timer)
		delete(s.timers, key)
	}
}

// remove clears a fired timer from the registry unless it was already
// replaced by a newer entry for the same key.
func (s *Scheduler) remove(key timerKey, entry *timerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.timers[key]; ok && cur == entry {
		delete(s.timers, key)
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel, following
// the pattern recommended in the time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
