package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivityKind identifies which mini-game a session plays.
type ActivityKind string

const (
	ActivityRockPaperScissors ActivityKind = "rock_paper_scissors"
	ActivityStoryBuilder      ActivityKind = "story_builder"
	ActivitySpeedTyping       ActivityKind = "speed_typing"
)

// SessionStatus is the durable-record lifecycle status. The richer live
// phase (lobby, countdown, running, ...) lives in the livestate document.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "PENDING"
	SessionStatusRunning SessionStatus = "RUNNING"
	SessionStatusEnded   SessionStatus = "ENDED"
)

// SessionConfig holds JSONB configuration for a session. Values are
// validated and clamped at creation time.
type SessionConfig struct {
	Rounds           int `json:"rounds"`
	TurnsTotal       int `json:"turns_total,omitempty"` // story builder
	RoundTimeSec     int `json:"round_time_sec"`
	CountdownSec     int `json:"countdown_sec"`
	TargetTextLength int `json:"target_text_length,omitempty"` // speed typing
}

// Session represents one played instance of an activity.
type Session struct {
	ID           uuid.UUID     `json:"id"`
	Kind         ActivityKind  `json:"kind"`
	Status       SessionStatus `json:"status"`
	CreatorID    uuid.UUID     `json:"creator_id"`
	Config       SessionConfig `json:"config"`
	Participants []uuid.UUID   `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Participant is one member of a session with their current score total.
type Participant struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	Score     int       `json:"score"`
	JoinedAt  time.Time `json:"joined_at"`
}

// RoundState defines the durable state of a round record.
type RoundState string

const (
	RoundStateQueued  RoundState = "QUEUED"
	RoundStateRunning RoundState = "RUNNING"
	RoundStateDone    RoundState = "DONE"
)

// Round is a numbered unit of play within a session.
type Round struct {
	SessionID uuid.UUID  `json:"session_id"`
	Index     int        `json:"index"`
	State     RoundState `json:"state"`
	Payload   []byte     `json:"payload,omitempty"` // activity-specific: prompt, options, time limit
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ScoreEvent is an append-only ledger entry for one scoring event.
// Participant totals are always the sum of their ledger entries.
type ScoreEvent struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Score event reasons.
const (
	ScoreReasonRoundWon            = "round_won"
	ScoreReasonOpponentMissingMove = "opponent_missing_move"
	ScoreReasonOpponentLeft        = "opponent_left"
	ScoreReasonLineScored          = "line_scored"
	ScoreReasonTypingResult        = "typing_result"
)

// Session end reasons published with activity.session.ended.
const (
	EndReasonScoreThreshold  = "score_threshold"
	EndReasonRoundsExhausted = "rounds_exhausted"
	EndReasonCompleted       = "completed"
	EndReasonForfeit         = "forfeit"
	EndReasonInactivity      = "inactivity"
	EndReasonLobbyTimeout    = "lobby_timeout"
)
