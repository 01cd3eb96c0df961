// Package rps implements the rock-paper-scissors session engine:
// best-of-N simultaneous rounds with a win threshold of floor(N/2)+1.
package rps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/engine"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
)

// Valid moves.
const (
	MoveRock     = "rock"
	MovePaper    = "paper"
	MoveScissors = "scissors"
)

// beats maps each move to the move it defeats.
var beats = map[string]string{
	MoveRock:     MoveScissors,
	MoveScissors: MovePaper,
	MovePaper:    MoveRock,
}

// Round outcome reasons.
const (
	OutcomeWin                 = "win"
	OutcomeDraw                = "draw"
	OutcomeOpponentMissingMove = "opponent_missing_move"
	OutcomeNoMoves             = "no_moves"
)

// Engine runs rock-paper-scissors sessions.
type Engine struct {
	*engine.Core
}

// New wires an RPS engine.
func New(deps engine.Deps) *Engine {
	e := &Engine{}
	e.Core = engine.NewCore(models.ActivityRockPaperScissors, e, deps)
	return e
}

func (e *Engine) LobbyPhase() livestate.Phase { return livestate.PhaseLobby }

func (e *Engine) InitState(doc *livestate.Document) {
	doc.RPS = &livestate.RPSState{Moves: make(map[int]map[string]string)}
}

func (e *Engine) CanStart(doc *livestate.Document) error { return nil }

func (e *Engine) BeginRound(doc *livestate.Document, round int) (engine.RoundInfo, error) {
	if doc.RPS.Moves[round] == nil {
		doc.RPS.Moves[round] = make(map[string]string)
	}
	payload, err := json.Marshal(map[string]int{"round": round, "of": doc.Config.Rounds})
	if err != nil {
		return engine.RoundInfo{}, err
	}
	return engine.RoundInfo{Payload: payload}, nil
}

// submitPayload is the inbound move message body.
type submitPayload struct {
	Move string `json:"move"`
}

// Submit records a participant's move for the current round. Duplicate
// submissions for the same (round, user) pair are silently ignored.
func (e *Engine) Submit(ctx context.Context, sessionID, userID uuid.UUID, payload json.RawMessage) error {
	if err := e.CheckSubmitLimit(ctx, sessionID, userID); err != nil {
		return err
	}
	var req submitPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return activityerr.ErrInvalidMove.With("malformed move payload")
	}
	if _, ok := beats[req.Move]; !ok {
		return activityerr.ErrInvalidMove.With("unknown move %q", req.Move)
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

	round := doc.Round
	moves := doc.RPS.Moves[round]
	if moves == nil {
		moves = make(map[string]string)
		doc.RPS.Moves[round] = moves
	}
	if _, dup := moves[userID.String()]; dup {
		return nil
	}
	moves[userID.String()] = req.Move
	doc.Touch(e.Clock().Now())

	ended := false
	if len(moves) == len(doc.Presence) {
		ended, err = e.resolveRound(ctx, doc, round)
		if err != nil {
			return err
		}
	}
	if ended {
		return nil
	}
	return e.SaveState(ctx, doc)
}

// HandleRoundDeadline resolves a round whose timer elapsed with moves
// still missing.
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

// roundOutcome is published with activity.round.ended.
type roundOutcome struct {
	Winner string            `json:"winner,omitempty"`
	Reason string            `json:"reason"`
	Moves  map[string]string `json:"moves"`
}

// resolveRound computes the outcome, credits the ledger, publishes the
// scoreboard, and either advances to the next round or ends the match.
func (e *Engine) resolveRound(ctx context.Context, doc *livestate.Document, round int) (bool, error) {
	moves := doc.RPS.Moves[round]
	outcome := resolveMoves(moves)

	if outcome.Winner != "" {
		winnerID, err := uuid.Parse(outcome.Winner)
		if err != nil {
			return false, fmt.Errorf("malformed winner id %q: %w", outcome.Winner, err)
		}
		reason := models.ScoreReasonRoundWon
		if outcome.Reason == OutcomeOpponentMissingMove {
			reason = models.ScoreReasonOpponentMissingMove
		}
		if err := e.CreditScore(ctx, doc, winnerID, 1, reason); err != nil {
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

	threshold := doc.Config.Rounds/2 + 1
	for userID, score := range doc.Scores {
		if score >= threshold {
			return true, e.EndSession(ctx, doc, models.EndReasonScoreThreshold, userID, false)
		}
	}
	if round >= doc.Config.Rounds-1 {
		winnerID, tie := finalWinner(doc.Scores)
		return true, e.EndSession(ctx, doc, models.EndReasonRoundsExhausted, winnerID, tie)
	}
	return false, e.StartRound(ctx, doc, round+1)
}

// resolveMoves applies the RPS rules to whatever was submitted: a full
// pair plays out normally, a lone submitter wins by default, and an
// empty round is a no-move draw.
func resolveMoves(moves map[string]string) roundOutcome {
	out := roundOutcome{Moves: moves}
	switch len(moves) {
	case 0:
		out.Reason = OutcomeNoMoves
		return out
	case 1:
		for userID := range moves {
			out.Winner = userID
		}
		out.Reason = OutcomeOpponentMissingMove
		return out
	}

	users := make([]string, 0, 2)
	for userID := range moves {
		users = append(users, userID)
	}
	a, b := users[0], users[1]
	switch {
	case moves[a] == moves[b]:
		out.Reason = OutcomeDraw
	case beats[moves[a]] == moves[b]:
		out.Winner, out.Reason = a, OutcomeWin
	default:
		out.Winner, out.Reason = b, OutcomeWin
	}
	return out
}

// finalWinner breaks the end-of-match score comparison, reporting a tie
// as "no winner".
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
