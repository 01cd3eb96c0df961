package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names an outbound activity event. These strings are part of
// the frontend contract.
type EventType string

const (
	EventPresenceChanged    EventType = "activity.presence.changed"
	EventCountdown          EventType = "activity.session.countdown"
	EventCountdownCancelled EventType = "activity.session.countdown_cancelled"
	EventRoundStarted       EventType = "activity.round.started"
	EventRoundEnded         EventType = "activity.round.ended"
	EventSessionEnded       EventType = "activity.session.ended"
	EventSessionRestarted   EventType = "activity.session.restarted"
	EventScoreUpdated       EventType = "activity.score.updated"
	EventAntiCheatFlag      EventType = "activity.anti_cheat.flag"
	EventStoryLineAdded     EventType = "activity.story.line_added"
	EventRoleClaimed        EventType = "activity.story.role_claimed"
)

// Event is the envelope every outbound message shares.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Publisher fans a named event with a payload out to the session's
// subscribers. Implementations must not block the caller on slow
// consumers; that is the hub's backpressure policy to enforce.
type Publisher interface {
	Publish(sessionID uuid.UUID, typ EventType, payload any)
}

// NewEvent wraps a payload in the event envelope.
func NewEvent(sessionID uuid.UUID, typ EventType, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID.String(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// PresencePayload reports a join/leave/ready toggle.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Joined bool   `json:"joined"`
	Ready  bool   `json:"ready"`
	Phase  string `json:"phase"`
}

// CountdownPayload announces the countdown window.
type CountdownPayload struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	EndsAt     time.Time `json:"ends_at"`
}

// CountdownCancelledPayload reports a countdown rollback.
type CountdownCancelledPayload struct {
	Reason string `json:"reason"`
	Phase  string `json:"phase"`
}

// RoundStartedPayload announces a round and its deadline.
type RoundStartedPayload struct {
	Round     int             `json:"round"`
	EndsAt    time.Time       `json:"ends_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TurnOwner string          `json:"turn_owner,omitempty"`
}

// ScoreboardEntry is one participant's running total plus the delta the
// most recent scoring event applied.
type ScoreboardEntry struct {
	UserID    string `json:"user_id"`
	Score     int    `json:"score"`
	LastDelta int    `json:"last_delta"`
}

// RoundEndedPayload carries the round outcome and scoreboard snapshot.
type RoundEndedPayload struct {
	Round      int               `json:"round"`
	Outcome    json.RawMessage   `json:"outcome,omitempty"`
	Scoreboard []ScoreboardEntry `json:"scoreboard"`
}

// SessionEndedPayload carries the terminal scoreboard and reason.
type SessionEndedPayload struct {
	Reason     string            `json:"reason"`
	WinnerID   string            `json:"winner_id,omitempty"`
	Tie        bool              `json:"tie,omitempty"`
	Scoreboard []ScoreboardEntry `json:"scoreboard"`
}

// SessionRestartedPayload points participants at the rematch session.
type SessionRestartedPayload struct {
	NewSessionID string `json:"new_session_id"`
	RequestedBy  string `json:"requested_by"`
}

// ScoreUpdatedPayload reports one ledger increment.
type ScoreUpdatedPayload struct {
	UserID string `json:"user_id"`
	Delta  int    `json:"delta"`
	Total  int    `json:"total"`
	Reason string `json:"reason"`
}

// AntiCheatFlagPayload reports the first incident of a kind in a round.
type AntiCheatFlagPayload struct {
	UserID string `json:"user_id"`
	Round  int    `json:"round"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}
