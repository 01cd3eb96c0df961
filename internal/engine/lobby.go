package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
	"github.com/campusconnect/activities/internal/scheduler"
)

// Join marks a participant present in the lobby.
func (c *Core) Join(ctx context.Context, sessionID, userID uuid.UUID) error {
	doc, err := c.LoadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.RequireParticipant(doc, userID); err != nil {
		return err
	}
	if doc.Phase == livestate.PhaseEnded {
		return activityerr.ErrSessionEnded
	}

	p := doc.PresenceFor(userID.String())
	p.Joined = true
	c.touchLobby(doc)
	if err := c.SaveState(ctx, doc); err != nil {
		return err
	}
	c.publishPresence(doc, userID)
	return nil
}

// Leave drops a participant. Leaving a countdown cancels it; leaving a
// running head-to-head game forfeits it, crediting the remaining player.
func (c *Core) Leave(ctx context.Context, sessionID, userID uuid.UUID) error {
	doc, err := c.LoadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.RequireParticipant(doc, userID); err != nil {
		return err
	}

	switch doc.Phase {
	case livestate.PhaseEnded:
		return nil
	case livestate.PhaseRunning:
		return c.forfeit(ctx, doc, userID)
	case livestate.PhaseCountdown:
		c.cancelCountdown(doc, "participant_left")
	}

	p := doc.PresenceFor(userID.String())
	p.Joined = false
	p.Ready = false
	c.touchLobby(doc)
	if err := c.SaveState(ctx, doc); err != nil {
		return err
	}
	c.publishPresence(doc, userID)
	return nil
}

// Ready toggles a participant's ready flag on. When every participant is
// simultaneously joined and ready (and the game rules allow starting),
// the countdown begins.
func (c *Core) Ready(ctx context.Context, sessionID, userID uuid.UUID) error {
	doc, err := c.LoadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.RequireParticipant(doc, userID); err != nil {
		return err
	}
	if doc.Phase != c.game.LobbyPhase() {
		return activityerr.ErrSessionNotRunning.With("cannot ready in phase %s", doc.Phase)
	}

	p := doc.PresenceFor(userID.String())
	p.Joined = true
	p.Ready = true
	c.touchLobby(doc)

	if doc.AllJoinedAndReady() && c.game.CanStart(doc) == nil {
		c.startCountdown(doc)
	}
	if err := c.SaveState(ctx, doc); err != nil {
		return err
	}
	c.publishPresence(doc, userID)
	if doc.Phase == livestate.PhaseCountdown {
		c.Publish(doc.SessionID, gateway.EventCountdown, gateway.CountdownPayload{
			StartedAt:  doc.Countdown.StartedAt,
			DurationMs: doc.Countdown.DurationMs,
			EndsAt:     doc.Countdown.EndsAt,
		})
		c.sched.Schedule(scheduler.Deadline{SessionID: doc.SessionID, Kind: scheduler.KindCountdown},
			time.Duration(doc.Countdown.DurationMs)*time.Millisecond)
	}
	return nil
}

// Unready toggles the ready flag off; during a countdown this rolls the
// session back to the pre-countdown phase.
func (c *Core) Unready(ctx context.Context, sessionID, userID uuid.UUID) error {
	doc, err := c.LoadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.RequireParticipant(doc, userID); err != nil {
		return err
	}
	if doc.Phase != c.game.LobbyPhase() && doc.Phase != livestate.PhaseCountdown {
		return activityerr.ErrSessionNotRunning.With("cannot unready in phase %s", doc.Phase)
	}

	if doc.Phase == livestate.PhaseCountdown {
		c.cancelCountdown(doc, "participant_unready")
	}
	doc.PresenceFor(userID.String()).Ready = false
	c.touchLobby(doc)
	if err := c.SaveState(ctx, doc); err != nil {
		return err
	}
	c.publishPresence(doc, userID)
	return nil
}

// startCountdown moves the document into the countdown phase. The timer
// is armed by the caller after the state write succeeds.
func (c *Core) startCountdown(doc *livestate.Document) {
	now := c.clock.Now()
	secs := doc.Config.CountdownSec
	if secs <= 0 {
		secs = c.settings.CountdownSec
	}
	durationMs := int64(secs) * 1000
	doc.Phase = livestate.PhaseCountdown
	doc.Countdown = &livestate.Countdown{
		StartedAt:  now,
		DurationMs: durationMs,
		EndsAt:     now.Add(time.Duration(durationMs) * time.Millisecond),
	}
}

// cancelCountdown rolls the document back to the pre-countdown phase and
// disarms the timer. Cancelling always clears the countdown object.
func (c *Core) cancelCountdown(doc *livestate.Document, reason string) {
	c.sched.Cancel(doc.SessionID, scheduler.KindCountdown)
	doc.Phase = c.game.LobbyPhase()
	doc.Countdown = nil
	c.Publish(doc.SessionID, gateway.EventCountdownCancelled, gateway.CountdownCancelledPayload{
		Reason: reason,
		Phase:  string(doc.Phase),
	})
}

// forfeit ends a running head-to-head game when a participant leaves,
// crediting the remaining player.
func (c *Core) forfeit(ctx context.Context, doc *livestate.Document, leaverID uuid.UUID) error {
	var remaining string
	for userID := range doc.Presence {
		if userID != leaverID.String() {
			remaining = userID
		}
	}
	if remaining != "" {
		winner, err := uuid.Parse(remaining)
		if err == nil {
			if err := c.CreditScore(ctx, doc, winner, 1, models.ScoreReasonOpponentLeft); err != nil {
				return err
			}
		}
	}
	return c.EndSession(ctx, doc, models.EndReasonForfeit, remaining, false)
}

// touchLobby records lobby activity and pushes the idle window out.
func (c *Core) touchLobby(doc *livestate.Document) {
	doc.Touch(c.clock.Now())
	c.sched.Schedule(scheduler.Deadline{SessionID: doc.SessionID, Kind: scheduler.KindLobbyIdle}, c.settings.LobbyIdleTimeout)
}

func (c *Core) publishPresence(doc *livestate.Document, userID uuid.UUID) {
	p := doc.PresenceFor(userID.String())
	c.Publish(doc.SessionID, gateway.EventPresenceChanged, gateway.PresencePayload{
		UserID: userID.String(),
		Joined: p.Joined,
		Ready:  p.Ready,
		Phase:  string(doc.Phase),
	})
}

// ClaimRole is only meaningful for games with a role_selection phase;
// engines that have one override this.
func (c *Core) ClaimRole(ctx context.Context, sessionID, userID uuid.UUID, role string) error {
	return activityerr.ErrUnsupportedOperation.With("%s has no roles", c.kind)
}

// ScoreLine is only meaningful for the story builder.
func (c *Core) ScoreLine(ctx context.Context, sessionID, userID uuid.UUID, lineIndex, score int) error {
	return activityerr.ErrUnsupportedOperation.With("%s has no line scoring", c.kind)
}

// Snapshot summarizes the live state for the HTTP surface.
type Snapshot struct {
	SessionID  string                         `json:"session_id"`
	Kind       models.ActivityKind            `json:"kind"`
	Phase      livestate.Phase                `json:"phase"`
	Round      int                            `json:"round"`
	Presence   map[string]*livestate.Presence `json:"presence"`
	Countdown  *livestate.Countdown           `json:"countdown,omitempty"`
	Scoreboard []gateway.ScoreboardEntry      `json:"scoreboard"`
	State      json.RawMessage                `json:"state,omitempty"`
}

// StateSnapshot assembles the live summary clients poll over HTTP.
func (c *Core) StateSnapshot(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	doc, err := c.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		SessionID:  doc.SessionID.String(),
		Kind:       doc.Kind,
		Phase:      doc.Phase,
		Round:      doc.Round,
		Presence:   doc.Presence,
		Countdown:  doc.Countdown,
		Scoreboard: c.Scoreboard(doc),
	}
	var state any
	switch {
	case doc.RPS != nil:
		state = doc.RPS
	case doc.Story != nil:
		state = doc.Story
	case doc.Typing != nil:
		state = doc.Typing
	}
	if state != nil {
		data, err := json.Marshal(state)
		if err == nil {
			snap.State = data
		}
	}
	return snap, nil
}
