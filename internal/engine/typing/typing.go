// Package typing implements the speed-typing duel engine. Keystroke
// batches stream in over the socket, run through the anti-cheat
// detectors, and are scored when the round resolves.
package typing

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/anticheat"
	"github.com/campusconnect/activities/internal/engine"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
)

// prompts is the rotation of round targets. Index is round modulo length.
var prompts = []string{
	"The campus library stays open until midnight during finals week.",
	"Every great story begins with a single sentence typed in a hurry.",
	"Quick brown foxes are overrated; try typing about lazy dogs instead.",
	"Student clubs meet on Thursdays in the main hall by the fountain.",
	"A shortcut is the longest distance between two deadlines.",
}

// Engine runs speed-typing sessions.
type Engine struct {
	*engine.Core
}

// New wires a speed-typing engine.
func New(deps engine.Deps) *Engine {
	e := &Engine{}
	e.Core = engine.NewCore(models.ActivitySpeedTyping, e, deps)
	return e
}

func (e *Engine) LobbyPhase() livestate.Phase { return livestate.PhaseLobby }

func (e *Engine) InitState(doc *livestate.Document) {
	doc.Typing = &livestate.TypingState{Users: make(map[string]*livestate.TypingRoundState)}
}

func (e *Engine) CanStart(doc *livestate.Document) error { return nil }

func (e *Engine) BeginRound(doc *livestate.Document, round int) (engine.RoundInfo, error) {
	target := prompts[round%len(prompts)]
	doc.Typing.Target = target

	// Round progress resets, the per-user skew estimate does not.
	users := make(map[string]*livestate.TypingRoundState, len(doc.Typing.Users))
	for userID, prev := range doc.Typing.Users {
		users[userID] = &livestate.TypingRoundState{
			SkewMs:     prev.SkewMs,
			SkewPrimed: prev.SkewPrimed,
		}
	}
	doc.Typing.Users = users

	payload, err := json.Marshal(map[string]any{
		"round":  round,
		"of":     doc.Config.Rounds,
		"target": target,
	})
	if err != nil {
		return engine.RoundInfo{}, err
	}
	return engine.RoundInfo{Payload: payload}, nil
}

// sampleIn is one client keystroke observation.
type sampleIn struct {
	TimestampMs   int64 `json:"timestamp_ms"`
	CumulativeLen int   `json:"cumulative_len"`
	IsPaste       bool  `json:"is_paste,omitempty"`
}

// submitPayload is a batch of keystrokes plus current progress.
type submitPayload struct {
	Samples     []sampleIn `json:"samples"`
	Typed       string     `json:"typed"`
	Completed   bool       `json:"completed"`
	ClientNowMs int64      `json:"client_now_ms"`
}

// Submit ingests a keystroke batch: skew-corrects timestamps, runs the
// detectors, flags first incidents, and resolves the round once both
// participants finished.
func (e *Engine) Submit(ctx context.Context, sessionID, userID uuid.UUID, payload json.RawMessage) error {
	if err := e.CheckSubmitLimit(ctx, sessionID, userID); err != nil {
		return err
	}
	var req submitPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return activityerr.ErrInvalidMove.With("malformed keystroke payload")
	}

	doc, err := e.LoadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.RequireParticipant(doc, userID); err != nil {
		return err
	}
	if doc.Phase != livestate.PhaseRunning {
		return activityerr.ErrSessionNotRunning
	}

	now := e.Clock().Now()
	user := doc.Typing.Users[userID.String()]
	if user == nil {
		user = &livestate.TypingRoundState{}
		doc.Typing.Users[userID.String()] = user
	}

	skew := anticheat.RestoreSkew(user.SkewMs, user.SkewPrimed)
	if req.ClientNowMs != 0 {
		skew.Observe(req.ClientNowMs, now.UnixMilli())
	}

	roundEndMs := now.UnixMilli()
	if doc.RoundEndsAt != nil {
		roundEndMs = doc.RoundEndsAt.UnixMilli()
	}
	tracker := anticheat.ResumeTracker(roundEndMs, user.Samples, user.Incidents)
	seen := make(map[anticheat.IncidentKind]bool)
	for _, inc := range user.Incidents {
		seen[inc.Kind] = true
	}

	for _, in := range req.Samples {
		incidents := tracker.Add(anticheat.Sample{
			TimestampMs:   skew.Normalize(in.TimestampMs),
			CumulativeLen: in.CumulativeLen,
			IsPaste:       in.IsPaste,
		})
		for _, inc := range incidents {
			if seen[inc.Kind] {
				continue
			}
			seen[inc.Kind] = true
			e.Publish(sessionID, gateway.EventAntiCheatFlag, gateway.AntiCheatFlagPayload{
				UserID: userID.String(),
				Round:  doc.Round,
				Kind:   string(inc.Kind),
				Detail: inc.Detail,
			})
		}
	}

	user.Samples = tracker.Samples()
	user.Incidents = tracker.Incidents()
	user.SkewMs = skew.OffsetMs()
	user.SkewPrimed = skew.Primed()
	if len(req.Typed) > len(user.Typed) {
		user.Typed = req.Typed
	}
	if req.Completed || user.Typed == doc.Typing.Target {
		user.Completed = true
	}
	doc.Touch(now)

	if e.allCompleted(doc) {
		ended, err := e.resolveRound(ctx, doc, doc.Round)
		if err != nil {
			return err
		}
		if ended {
			return nil
		}
	}
	return e.SaveState(ctx, doc)
}

// HandleRoundDeadline scores whatever arrived before the timer elapsed.
func (e *Engine) HandleRoundDeadline(ctx context.Context, doc *livestate.Document, round int) error {
	ended, err := e.resolveRound(ctx, doc, round)
	if err != nil {
		return err
	}
	if ended {
		return nil
	}
	return e.SaveState(ctx, doc)
}

func (e *Engine) allCompleted(doc *livestate.Document) bool {
	for userID := range doc.Presence {
		user := doc.Typing.Users[userID]
		if user == nil || !user.Completed {
			return false
		}
	}
	return true
}

// roundOutcome is the per-user score breakdown published with round.ended.
type roundOutcome struct {
	Results map[string]anticheat.Result `json:"results"`
}

// resolveRound scores both participants, ledgers the points, and either
// advances or finishes the duel.
func (e *Engine) resolveRound(ctx context.Context, doc *livestate.Document, round int) (bool, error) {
	outcome := roundOutcome{Results: make(map[string]anticheat.Result, len(doc.Presence))}
	for userIDStr := range doc.Presence {
		user := doc.Typing.Users[userIDStr]
		if user == nil {
			user = &livestate.TypingRoundState{}
		}
		result := anticheat.ScoreRound(anticheat.RoundInput{
			Target:    doc.Typing.Target,
			Typed:     user.Typed,
			Samples:   user.Samples,
			Incidents: user.Incidents,
			Completed: user.Completed,
		})
		outcome.Results[userIDStr] = result

		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			continue
		}
		if err := e.CreditScore(ctx, doc, userID, result.Final, models.ScoreReasonTypingResult); err != nil {
			return false, err
		}
	}

	if err := e.FinishRound(ctx, doc, round); err != nil {
		return false, err
	}
	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return false, err
	}
	e.Publish(doc.SessionID, gateway.EventRoundEnded, gateway.RoundEndedPayload{
		Round:      round,
		Outcome:    outcomeJSON,
		Scoreboard: e.Scoreboard(doc),
	})

	if round >= doc.Config.Rounds-1 {
		winnerID, tie := finalWinner(doc.Scores)
		return true, e.EndSession(ctx, doc, models.EndReasonRoundsExhausted, winnerID, tie)
	}
	return false, e.StartRound(ctx, doc, round+1)
}

func finalWinner(scores map[string]int) (string, bool) {
	best, bestScore, ties := "", -1, 0
	for userID, score := range scores {
		switch {
		case score > bestScore:
			best, bestScore, ties = userID, score, 1
		case score == bestScore:
			ties++
		}
	}
	if ties != 1 {
		return "", true
	}
	return best, false
}
