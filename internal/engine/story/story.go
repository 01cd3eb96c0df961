// Package story implements the story-builder session engine: two fixed
// roles alternate appending lines, each line is scored by the other
// participant, and role totals decide the winner.
package story

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/engine"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
)

// The two fixed roles. Even round indices belong to RoleBoy, odd to RoleGirl.
const (
	RoleBoy  = "boy"
	RoleGirl = "girl"
)

const (
	minLineScore = 1
	maxLineScore = 5
)

// Engine runs story-builder sessions.
type Engine struct {
	*engine.Core
}

// New wires a story-builder engine.
func New(deps engine.Deps) *Engine {
	e := &Engine{}
	e.Core = engine.NewCore(models.ActivityStoryBuilder, e, deps)
	return e
}

func (e *Engine) LobbyPhase() livestate.Phase { return livestate.PhaseRoleSelection }

func (e *Engine) InitState(doc *livestate.Document) {
	doc.Story = &livestate.StoryState{Roles: make(map[string]string)}
}

// CanStart requires both roles claimed before the countdown may begin.
func (e *Engine) CanStart(doc *livestate.Document) error {
	if doc.Story.Roles[RoleBoy] == "" || doc.Story.Roles[RoleGirl] == "" {
		return activityerr.ErrRolesNotFilled
	}
	return nil
}

// roleForRound maps round parity to the role whose turn it is.
func roleForRound(round int) string {
	if round%2 == 0 {
		return RoleBoy
	}
	return RoleGirl
}

func (e *Engine) BeginRound(doc *livestate.Document, round int) (engine.RoundInfo, error) {
	role := roleForRound(round)
	payload, err := json.Marshal(map[string]any{
		"turn": round,
		"of":   doc.Config.TurnsTotal,
		"role": role,
	})
	if err != nil {
		return engine.RoundInfo{}, err
	}
	return engine.RoundInfo{Payload: payload, TurnOwner: doc.Story.Roles[role]}, nil
}

// ClaimRole assigns a role during role selection. Re-claiming by the same
// user is allowed; a role held by someone else is not. Claiming a new
// role releases the user's previous one.
func (e *Engine) ClaimRole(ctx context.Context, sessionID, userID uuid.UUID, role string) error {
	if role != RoleBoy && role != RoleGirl {
		return activityerr.ErrInvalidMove.With("unknown role %q", role)
	}
	doc, err := e.LoadState(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.RequireParticipant(doc, userID); err != nil {
		return err
	}
	if doc.Phase != livestate.PhaseRoleSelection {
		return activityerr.ErrSessionNotRunning.With("cannot claim role in phase %s", doc.Phase)
	}

	holder := doc.Story.Roles[role]
	if holder != "" && holder != userID.String() {
		return activityerr.ErrRoleTaken
	}
	for r, h := range doc.Story.Roles {
		if h == userID.String() && r != role {
			delete(doc.Story.Roles, r)
		}
	}
	doc.Story.Roles[role] = userID.String()
	doc.Touch(e.Clock().Now())
	if err := e.SaveState(ctx, doc); err != nil {
		return err
	}
	e.Publish(sessionID, gateway.EventRoleClaimed, map[string]string{
		"role":    role,
		"user_id": userID.String(),
	})
	return nil
}

// submitPayload is the inbound story-turn body.
type submitPayload struct {
	Text string `json:"text"`
}

// Submit appends the turn owner's line for the current round.
func (e *Engine) Submit(ctx context.Context, sessionID, userID uuid.UUID, payload json.RawMessage) error {
	if err := e.CheckSubmitLimit(ctx, sessionID, userID); err != nil {
		return err
	}
	var req submitPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.Text == "" {
		return activityerr.ErrInvalidMove.With("malformed turn payload")
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
	role := roleForRound(round)
	if doc.Story.Roles[role] != userID.String() {
		return activityerr.ErrNotYourTurn
	}
	if line := lineForRound(doc.Story, round); line != nil {
		// Duplicate submission for an already-played turn.
		return nil
	}

	line := livestate.StoryLine{
		Round:  round,
		UserID: userID.String(),
		Role:   role,
		Text:   req.Text,
	}
	doc.Story.Lines = append(doc.Story.Lines, line)
	doc.Touch(e.Clock().Now())
	e.Publish(sessionID, gateway.EventStoryLineAdded, line)

	ended, err := e.advanceTurn(ctx, doc, round, line)
	if err != nil {
		return err
	}
	if ended {
		return nil
	}
	return e.SaveState(ctx, doc)
}

// HandleRoundDeadline skips a turn whose owner never submitted.
func (e *Engine) HandleRoundDeadline(ctx context.Context, doc *livestate.Document, round int) error {
	ended, err := e.advanceTurn(ctx, doc, round, livestate.StoryLine{Round: round, Role: roleForRound(round)})
	if err != nil {
		return err
	}
	if ended {
		return nil
	}
	return e.SaveState(ctx, doc)
}

// advanceTurn closes the round and either starts the next turn or
// completes the story.
func (e *Engine) advanceTurn(ctx context.Context, doc *livestate.Document, round int, line livestate.StoryLine) (bool, error) {
	if err := e.FinishRound(ctx, doc, round); err != nil {
		return false, err
	}
	outcome, err := json.Marshal(line)
	if err != nil {
		return false, err
	}
	e.Publish(doc.SessionID, gateway.EventRoundEnded, gateway.RoundEndedPayload{
		Round:      round,
		Outcome:    outcome,
		Scoreboard: e.Scoreboard(doc),
	})

	if round >= doc.Config.TurnsTotal-1 {
		winnerID, tie := e.winnerByRole(doc)
		return true, e.EndSession(ctx, doc, models.EndReasonCompleted, winnerID, tie)
	}
	return false, e.StartRound(ctx, doc, round+1)
}

// ScoreLine lets the opposite participant rate a line 1-5. The score is
// ledgered to the line's author; re-scoring an already-scored line is
// ignored.
func (e *Engine) ScoreLine(ctx context.Context, sessionID, userID uuid.UUID, lineIndex, score int) error {
	if score < minLineScore || score > maxLineScore {
		return activityerr.ErrInvalidMove.With("line score must be between %d and %d", minLineScore, maxLineScore)
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
	if lineIndex < 0 || lineIndex >= len(doc.Story.Lines) {
		return activityerr.ErrInvalidMove.With("no line at index %d", lineIndex)
	}

	line := &doc.Story.Lines[lineIndex]
	if line.UserID == userID.String() {
		return activityerr.ErrCannotScoreOwnLine
	}
	if line.Score != nil {
		return nil
	}

	line.Score = &score
	line.ScoredBy = userID.String()
	doc.Touch(e.Clock().Now())

	authorID, err := uuid.Parse(line.UserID)
	if err != nil {
		return activityerr.ErrInvalidMove.With("line %d has no author to credit", lineIndex)
	}
	if err := e.CreditScore(ctx, doc, authorID, score, models.ScoreReasonLineScored); err != nil {
		return err
	}
	return e.SaveState(ctx, doc)
}

// winnerByRole sums line scores grouped by the turn-owner's role and
// reports ties explicitly.
func (e *Engine) winnerByRole(doc *livestate.Document) (string, bool) {
	totals := map[string]int{RoleBoy: 0, RoleGirl: 0}
	for _, line := range doc.Story.Lines {
		if line.Score != nil {
			totals[line.Role] += *line.Score
		}
	}
	switch {
	case totals[RoleBoy] > totals[RoleGirl]:
		return doc.Story.Roles[RoleBoy], false
	case totals[RoleGirl] > totals[RoleBoy]:
		return doc.Story.Roles[RoleGirl], false
	default:
		return "", true
	}
}

func lineForRound(s *livestate.StoryState, round int) *livestate.StoryLine {
	for i := range s.Lines {
		if s.Lines[i].Round == round {
			return &s.Lines[i]
		}
	}
	return nil
}
