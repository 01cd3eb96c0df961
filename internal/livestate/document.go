// Package livestate holds the volatile per-session state document: the
// single source of truth for a running game. Documents live in Redis,
// are owned exclusively by the session's engine, and are rebuilt from
// the durable record when evicted.
package livestate

import (
	"time"

	"github.com/google/uuid"

	"github.com/campusconnect/activities/internal/anticheat"
	"github.com/campusconnect/activities/internal/models"
)

// Phase is the live state-machine state of a session.
type Phase string

const (
	PhaseLobby         Phase = "lobby"
	PhaseRoleSelection Phase = "role_selection"
	PhaseCountdown     Phase = "countdown"
	PhaseRunning       Phase = "running"
	PhaseEnded         Phase = "ended"
)

// Presence tracks one participant's lobby flags.
type Presence struct {
	Joined bool `json:"joined"`
	Ready  bool `json:"ready"`
}

// Countdown is the ephemeral timed window preceding round start.
// At most one countdown is active per session.
type Countdown struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	EndsAt     time.Time `json:"ends_at"`
}

// Document is the live session state. Kind tags which of the per-activity
// payloads is populated; the other two stay nil.
type Document struct {
	SessionID uuid.UUID            `json:"session_id"`
	Kind      models.ActivityKind  `json:"kind"`
	Version   int64                `json:"version"`
	Phase     Phase                `json:"phase"`
	Config    models.SessionConfig `json:"config"`

	Presence       map[string]*Presence `json:"presence"`
	Countdown      *Countdown           `json:"countdown,omitempty"`
	Round          int                  `json:"round"`
	RoundEndsAt    *time.Time           `json:"round_ends_at,omitempty"`
	Scores         map[string]int       `json:"scores"`
	LastDelta      map[string]int       `json:"last_delta,omitempty"`
	LastActivityAt time.Time            `json:"last_activity_at"`

	RPS    *RPSState    `json:"rps,omitempty"`
	Story  *StoryState  `json:"story,omitempty"`
	Typing *TypingState `json:"typing,omitempty"`
}

// RPSState holds per-round submitted moves keyed by round index, then user id.
type RPSState struct {
	Moves map[int]map[string]string `json:"moves"`
}

// StoryLine is one appended story turn plus its peer-assigned score.
type StoryLine struct {
	Round    int    `json:"round"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Text     string `json:"text"`
	Score    *int   `json:"score,omitempty"`
	ScoredBy string `json:"scored_by,omitempty"`
}

// StoryState holds role claims and the accumulated lines.
type StoryState struct {
	Roles map[string]string `json:"roles"` // role -> user id
	Lines []StoryLine       `json:"lines"`
}

// TypingRoundState is one user's progress within the current typing round.
type TypingRoundState struct {
	Samples    []anticheat.Sample   `json:"samples,omitempty"`
	Incidents  []anticheat.Incident `json:"incidents,omitempty"`
	Typed      string               `json:"typed"`
	Completed  bool                 `json:"completed"`
	SkewMs     float64              `json:"skew_ms"`
	SkewPrimed bool                 `json:"skew_primed"`
}

// TypingState holds the round prompt and per-user progress.
type TypingState struct {
	Target string                       `json:"target"`
	Users  map[string]*TypingRoundState `json:"users"`
}

// AllJoinedAndReady reports whether every participant is simultaneously
// joined and ready.
func (d *Document) AllJoinedAndReady() bool {
	if len(d.Presence) == 0 {
		return false
	}
	for _, p := range d.Presence {
		if !p.Joined || !p.Ready {
			return false
		}
	}
	return true
}

// PresenceFor returns the presence entry for a user, creating it if absent.
func (d *Document) PresenceFor(userID string) *Presence {
	p, ok := d.Presence[userID]
	if !ok {
		p = &Presence{}
		d.Presence[userID] = p
	}
	return p
}

// Touch records caller activity for the inactivity windows.
func (d *Document) Touch(now time.Time) {
	d.LastActivityAt = now
}
