package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
	"github.com/campusconnect/activities/internal/scheduler"
)

// headToHeadParticipants is fixed for every current activity kind.
const headToHeadParticipants = 2

// CreateSession validates the request, writes the durable record and the
// initial live state, and arms the lobby idle window.
func (c *Core) CreateSession(ctx context.Context, creatorID uuid.UUID, participants []uuid.UUID, config models.SessionConfig) (*models.Session, error) {
	if len(participants) != headToHeadParticipants {
		return nil, activityerr.ErrInvalidParticipants.With("expected %d participants, got %d", headToHeadParticipants, len(participants))
	}
	seen := make(map[uuid.UUID]bool, len(participants))
	creatorIncluded := false
	for _, p := range participants {
		if seen[p] {
			return nil, activityerr.ErrInvalidParticipants.With("duplicate participant %s", p)
		}
		seen[p] = true
		if p == creatorID {
			creatorIncluded = true
		}
	}
	if !creatorIncluded {
		return nil, activityerr.ErrCreatorNotInSession
	}

	session := &models.Session{
		ID:           uuid.New(),
		Kind:         c.kind,
		Status:       models.SessionStatusPending,
		CreatorID:    creatorID,
		Config:       c.clampConfig(config),
		Participants: participants,
		CreatedAt:    c.clock.Now(),
	}
	if err := c.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	doc := c.newDocument(session)
	if err := c.store.Put(ctx, doc); err != nil {
		return nil, err
	}
	c.sched.Schedule(scheduler.Deadline{SessionID: session.ID, Kind: scheduler.KindLobbyIdle}, c.settings.LobbyIdleTimeout)

	log.Info().
		Str("session_id", session.ID.String()).
		Str("kind", string(c.kind)).
		Msg("session created")
	return session, nil
}

// clampConfig fills in defaults and bounds every knob a client can set.
func (c *Core) clampConfig(cfg models.SessionConfig) models.SessionConfig {
	out := cfg
	out.Rounds = clampInt(cfg.Rounds, c.settings.Rounds, 1, 15)
	out.TurnsTotal = clampInt(cfg.TurnsTotal, c.settings.TurnsTotal, 2, 20)
	out.RoundTimeSec = clampInt(cfg.RoundTimeSec, c.settings.RoundTimeSec, 5, 300)
	out.CountdownSec = clampInt(cfg.CountdownSec, c.settings.CountdownSec, 3, 10)
	if cfg.TargetTextLength != 0 {
		out.TargetTextLength = clampInt(cfg.TargetTextLength, 120, 40, 600)
	}
	return out
}

func clampInt(v, def, lo, hi int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Restart creates a rematch of an ended session with the same
// participants and config, announced on the old session's channel.
func (c *Core) Restart(ctx context.Context, sessionID, userID uuid.UUID) (*models.Session, error) {
	session, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusEnded {
		return nil, activityerr.ErrSessionNotRunning.With("restart requires an ended session")
	}
	isParticipant := false
	for _, p := range session.Participants {
		if p == userID {
			isParticipant = true
			break
		}
	}
	if !isParticipant {
		return nil, activityerr.ErrParticipantNotInSession
	}

	next, err := c.CreateSession(ctx, userID, session.Participants, session.Config)
	if err != nil {
		return nil, err
	}
	c.Publish(sessionID, gateway.EventSessionRestarted, gateway.SessionRestartedPayload{
		NewSessionID: next.ID.String(),
		RequestedBy:  userID.String(),
	})
	return next, nil
}

// CreditScore appends a ledger entry, mirrors the new total into the
// document, and publishes the score update.
func (c *Core) CreditScore(ctx context.Context, doc *livestate.Document, userID uuid.UUID, delta int, reason string) error {
	total, err := c.repo.RecordScore(ctx, models.ScoreEvent{
		ID:        uuid.New(),
		SessionID: doc.SessionID,
		UserID:    userID,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: c.clock.Now(),
	})
	if err != nil {
		return err
	}
	doc.Scores[userID.String()] = total
	if doc.LastDelta == nil {
		// Empty maps are dropped by the store round-trip.
		doc.LastDelta = make(map[string]int)
	}
	doc.LastDelta[userID.String()] = delta
	c.Publish(doc.SessionID, gateway.EventScoreUpdated, gateway.ScoreUpdatedPayload{
		UserID: userID.String(),
		Delta:  delta,
		Total:  total,
		Reason: reason,
	})
	return nil
}

// Scoreboard snapshots the per-participant totals with last deltas,
// ordered by user id for stable payloads.
func (c *Core) Scoreboard(doc *livestate.Document) []gateway.ScoreboardEntry {
	entries := make([]gateway.ScoreboardEntry, 0, len(doc.Scores))
	for userID, score := range doc.Scores {
		entries = append(entries, gateway.ScoreboardEntry{
			UserID:    userID,
			Score:     score,
			LastDelta: doc.LastDelta[userID],
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// StartRound begins the given round: durable record, live payload,
// round.started event, round deadline, inactivity window.
func (c *Core) StartRound(ctx context.Context, doc *livestate.Document, round int) error {
	info, err := c.game.BeginRound(doc, round)
	if err != nil {
		return err
	}
	duration := info.Duration
	if duration <= 0 {
		secs := doc.Config.RoundTimeSec
		if secs <= 0 {
			secs = c.settings.RoundTimeSec
		}
		duration = time.Duration(secs) * time.Second
	}
	now := c.clock.Now()
	endsAt := now.Add(duration)
	doc.Round = round
	doc.RoundEndsAt = &endsAt
	doc.Touch(now)

	if err := c.repo.CreateRound(ctx, &models.Round{
		SessionID: doc.SessionID,
		Index:     round,
		State:     models.RoundStateRunning,
		Payload:   info.Payload,
		StartedAt: &now,
	}); err != nil {
		return err
	}

	c.Publish(doc.SessionID, gateway.EventRoundStarted, gateway.RoundStartedPayload{
		Round:     round,
		EndsAt:    endsAt,
		Payload:   info.Payload,
		TurnOwner: info.TurnOwner,
	})
	c.sched.Schedule(scheduler.Deadline{SessionID: doc.SessionID, Kind: scheduler.KindRound, Round: round}, duration)
	c.sched.Schedule(scheduler.Deadline{SessionID: doc.SessionID, Kind: scheduler.KindInactivity}, c.settings.InactivityTimeout)
	return nil
}

// FinishRound marks the durable round done and clears the live deadline.
func (c *Core) FinishRound(ctx context.Context, doc *livestate.Document, round int) error {
	c.sched.Cancel(doc.SessionID, scheduler.KindRound)
	doc.RoundEndsAt = nil
	if err := c.repo.FinishRound(ctx, doc.SessionID, round, c.clock.Now()); err != nil {
		return err
	}
	return nil
}

// EndSession is the single terminal path: cancels timers, persists the
// ended status, publishes session.ended, and deletes the live state.
// The scoreboard snapshot is best effort so the primary transition
// always completes.
func (c *Core) EndSession(ctx context.Context, doc *livestate.Document, reason, winnerID string, tie bool) error {
	c.sched.CancelSession(doc.SessionID)

	if err := c.repo.MarkSessionEnded(ctx, doc.SessionID, c.clock.Now()); err != nil {
		return err
	}
	doc.Phase = livestate.PhaseEnded

	c.Publish(doc.SessionID, gateway.EventSessionEnded, gateway.SessionEndedPayload{
		Reason:     reason,
		WinnerID:   winnerID,
		Tie:        tie,
		Scoreboard: c.Scoreboard(doc),
	})

	if err := c.store.Delete(ctx, c.kind, doc.SessionID); err != nil {
		log.Warn().Err(err).
			Str("session_id", doc.SessionID.String()).
			Msg("failed to delete live state for ended session")
	}
	log.Info().
		Str("session_id", doc.SessionID.String()).
		Str("reason", reason).
		Str("winner_id", winnerID).
		Msg("session ended")
	return nil
}

// onCountdownElapsed transitions countdown -> running and starts round 0.
// Only this transition marks the durable record running.
func (c *Core) onCountdownElapsed(ctx context.Context, sessionID uuid.UUID) error {
	doc, err := c.loadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if doc.Phase != livestate.PhaseCountdown {
		return nil
	}

	doc.Phase = livestate.PhaseRunning
	doc.Countdown = nil
	if err := c.repo.MarkSessionRunning(ctx, sessionID, c.clock.Now()); err != nil {
		return err
	}
	if err := c.StartRound(ctx, doc, 0); err != nil {
		return err
	}
	c.sched.Cancel(sessionID, scheduler.KindLobbyIdle)
	return c.SaveState(ctx, doc)
}

// onRoundDeadline forwards an elapsed round timer to the game rules.
func (c *Core) onRoundDeadline(ctx context.Context, sessionID uuid.UUID, round int) error {
	doc, err := c.loadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if doc.Phase != livestate.PhaseRunning || doc.Round != round {
		return nil
	}
	return c.game.HandleRoundDeadline(ctx, doc, round)
}

// onInactivity ends a running session with no submissions inside the
// window, crediting the current score leader. A submission mid-window
// moves LastActivityAt without rescheduling the timer, so an early fire
// re-arms for the remainder.
func (c *Core) onInactivity(ctx context.Context, sessionID uuid.UUID) error {
	doc, err := c.loadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if doc.Phase != livestate.PhaseRunning {
		return nil
	}
	if elapsed := c.clock.Now().Sub(doc.LastActivityAt); elapsed < c.settings.InactivityTimeout {
		c.sched.Schedule(scheduler.Deadline{SessionID: sessionID, Kind: scheduler.KindInactivity}, c.settings.InactivityTimeout-elapsed)
		return nil
	}
	winnerID, tie := c.leader(doc)
	return c.EndSession(ctx, doc, models.EndReasonInactivity, winnerID, tie)
}

// onLobbyIdle expires a lobby that saw no join/ready activity.
func (c *Core) onLobbyIdle(ctx context.Context, sessionID uuid.UUID) error {
	doc, err := c.loadState(ctx, sessionID)
	if err != nil {
		if errors.Is(err, activityerr.ErrSessionEnded) {
			return nil
		}
		return err
	}
	if doc.Phase != c.game.LobbyPhase() {
		return nil
	}
	if c.clock.Now().Sub(doc.LastActivityAt) < c.settings.LobbyIdleTimeout {
		return nil
	}
	return c.EndSession(ctx, doc, models.EndReasonLobbyTimeout, "", false)
}

// leader picks the highest current total, reporting a tie when the top
// scores are equal.
func (c *Core) leader(doc *livestate.Document) (string, bool) {
	best, bestScore, count := "", 0, 0
	for userID, score := range doc.Scores {
		switch {
		case count == 0 || score > bestScore:
			best, bestScore, count = userID, score, 1
		case score == bestScore:
			count++
			if userID < best {
				best = userID
			}
		}
	}
	if count != 1 {
		return "", true
	}
	return best, false
}
