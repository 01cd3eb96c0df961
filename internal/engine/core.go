// Package engine implements the shared session state machine driven by
// two input sources: direct calls from transport handlers and fired
// deadlines from the scheduler. Activity-specific rules plug in through
// the Game interface.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
	"github.com/campusconnect/activities/internal/ratelimit"
	"github.com/campusconnect/activities/internal/scheduler"
)

// Repository is what the engine needs from the durable relational store.
type Repository interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	MarkSessionRunning(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkSessionEnded(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateRound(ctx context.Context, round *models.Round) error
	FinishRound(ctx context.Context, sessionID uuid.UUID, index int, at time.Time) error
	// RecordScore appends a ledger entry and atomically increments the
	// participant total in one transaction, returning the new total.
	RecordScore(ctx context.Context, event models.ScoreEvent) (int, error)
	SessionTotals(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error)
	LastDeltas(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error)
}

// RoundInfo describes a newly started round.
type RoundInfo struct {
	Payload   json.RawMessage
	TurnOwner string
	Duration  time.Duration
}

// Game supplies the activity-specific rules the shared core calls into.
type Game interface {
	// LobbyPhase is the pre-countdown phase: lobby for most games,
	// role_selection for story builder.
	LobbyPhase() livestate.Phase
	// InitState allocates the game payload on a fresh document.
	InitState(doc *livestate.Document)
	// CanStart reports why a fully-ready lobby still cannot start
	// (e.g. unclaimed roles), or nil.
	CanStart(doc *livestate.Document) error
	// BeginRound populates the document for the given round.
	BeginRound(doc *livestate.Document, round int) (RoundInfo, error)
	// HandleRoundDeadline resolves a round whose timer elapsed before
	// every required submission arrived.
	HandleRoundDeadline(ctx context.Context, doc *livestate.Document, round int) error
}

// Settings are the clamped defaults applied to session configs.
type Settings struct {
	CountdownSec      int
	RoundTimeSec      int
	Rounds            int
	TurnsTotal        int
	LobbyIdleTimeout  time.Duration
	InactivityTimeout time.Duration
	SubmitLimit       int
	SubmitWindow      time.Duration
}

// DefaultSettings mirror the production defaults.
func DefaultSettings() Settings {
	return Settings{
		CountdownSec:      3,
		RoundTimeSec:      30,
		Rounds:            3,
		TurnsTotal:        6,
		LobbyIdleTimeout:  10 * time.Minute,
		InactivityTimeout: 60 * time.Second,
		SubmitLimit:       20,
		SubmitWindow:      5 * time.Second,
	}
}

// Core is the shared state machine. One Core exists per activity kind;
// its scheduler and timer registry live and die with it.
type Core struct {
	kind     models.ActivityKind
	game     Game
	repo     Repository
	store    livestate.Store
	sched    *scheduler.Scheduler
	pub      gateway.Publisher
	limiter  ratelimit.Limiter
	clock    clockwork.Clock
	settings Settings
}

// Deps bundles the collaborators a Core needs.
type Deps struct {
	Repo     Repository
	Store    livestate.Store
	Sched    *scheduler.Scheduler
	Pub      gateway.Publisher
	Limiter  ratelimit.Limiter
	Clock    clockwork.Clock
	Settings Settings
}

// NewCore wires a core for one activity kind.
func NewCore(kind models.ActivityKind, game Game, deps Deps) *Core {
	return &Core{
		kind:     kind,
		game:     game,
		repo:     deps.Repo,
		store:    deps.Store,
		sched:    deps.Sched,
		pub:      deps.Pub,
		limiter:  deps.Limiter,
		clock:    deps.Clock,
		settings: deps.Settings,
	}
}

// Kind returns the activity kind this core drives.
func (c *Core) Kind() models.ActivityKind { return c.kind }

// Scheduler exposes the deadline registry, mainly for tests.
func (c *Core) Scheduler() *scheduler.Scheduler { return c.sched }

// Run consumes fired deadlines until ctx is cancelled. Engines are
// otherwise purely reactive to caller-invoked methods.
func (c *Core) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.sched.C():
			c.dispatchDeadline(ctx, d)
		}
	}
}

// dispatchDeadline retries swap conflicts: a deadline has no caller to
// surface an error to, and a conflict only means a handler invocation
// won the write race.
func (c *Core) dispatchDeadline(ctx context.Context, d scheduler.Deadline) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = c.handleDeadline(ctx, d)
		if !errors.Is(err, activityerr.ErrStateConflict) {
			break
		}
	}
	if err != nil && !errors.Is(err, activityerr.ErrSessionStateMissing) {
		log.Error().Err(err).
			Str("session_id", d.SessionID.String()).
			Str("kind", string(d.Kind)).
			Msg("deadline handling failed")
	}
}

func (c *Core) handleDeadline(ctx context.Context, d scheduler.Deadline) error {
	switch d.Kind {
	case scheduler.KindCountdown:
		return c.onCountdownElapsed(ctx, d.SessionID)
	case scheduler.KindRound:
		return c.onRoundDeadline(ctx, d.SessionID, d.Round)
	case scheduler.KindInactivity:
		return c.onInactivity(ctx, d.SessionID)
	case scheduler.KindLobbyIdle:
		return c.onLobbyIdle(ctx, d.SessionID)
	}
	return nil
}

// LoadState reads the live document for a caller-driven operation,
// rebuilding it from the durable record when the volatile store lost
// it, and re-arming a countdown that survived a process restart.
// Deadline handlers use loadState: the countdown they fired for is
// already disarmed, so the re-arm heuristic would double-schedule.
func (c *Core) LoadState(ctx context.Context, sessionID uuid.UUID) (*livestate.Document, error) {
	doc, err := c.loadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if doc.Phase == livestate.PhaseCountdown && doc.Countdown != nil &&
		!c.sched.Armed(sessionID, scheduler.KindCountdown) {
		remaining := doc.Countdown.EndsAt.Sub(c.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		c.sched.Schedule(scheduler.Deadline{SessionID: sessionID, Kind: scheduler.KindCountdown}, remaining)
		log.Info().
			Str("session_id", sessionID.String()).
			Dur("remaining", remaining).
			Msg("re-armed countdown after restart")
	}
	return doc, nil
}

func (c *Core) loadState(ctx context.Context, sessionID uuid.UUID) (*livestate.Document, error) {
	doc, err := c.store.Get(ctx, c.kind, sessionID)
	if errors.Is(err, activityerr.ErrSessionStateMissing) {
		return c.rebuildState(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// rebuildState reconstructs a fresh lobby document from the durable
// session and ledger. Presence is reset: nobody is assumed joined or
// ready after a restart.
func (c *Core) rebuildState(ctx context.Context, sessionID uuid.UUID) (*livestate.Document, error) {
	session, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionStatusEnded {
		return nil, activityerr.ErrSessionEnded
	}

	doc := c.newDocument(session)
	totals, err := c.repo.SessionTotals(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for userID, total := range totals {
		doc.Scores[userID.String()] = total
	}
	deltas, err := c.repo.LastDeltas(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for userID, delta := range deltas {
		doc.LastDelta[userID.String()] = delta
	}

	if err := c.store.Put(ctx, doc); err != nil {
		return nil, err
	}
	c.sched.Schedule(scheduler.Deadline{SessionID: sessionID, Kind: scheduler.KindLobbyIdle}, c.settings.LobbyIdleTimeout)
	log.Info().
		Str("session_id", sessionID.String()).
		Str("kind", string(c.kind)).
		Msg("rebuilt live state from durable record")
	return doc, nil
}

func (c *Core) newDocument(session *models.Session) *livestate.Document {
	doc := &livestate.Document{
		SessionID:      session.ID,
		Kind:           c.kind,
		Phase:          c.game.LobbyPhase(),
		Config:         session.Config,
		Presence:       make(map[string]*livestate.Presence, len(session.Participants)),
		Scores:         make(map[string]int, len(session.Participants)),
		LastDelta:      make(map[string]int),
		LastActivityAt: c.clock.Now(),
	}
	for _, userID := range session.Participants {
		doc.Presence[userID.String()] = &livestate.Presence{}
		doc.Scores[userID.String()] = 0
	}
	c.game.InitState(doc)
	return doc
}

// SaveState writes the document back via the store's versioned swap.
func (c *Core) SaveState(ctx context.Context, doc *livestate.Document) error {
	return c.store.Put(ctx, doc)
}

// RequireParticipant rejects callers that are not in the session.
func (c *Core) RequireParticipant(doc *livestate.Document, userID uuid.UUID) error {
	if _, ok := doc.Presence[userID.String()]; !ok {
		return activityerr.ErrParticipantNotInSession
	}
	return nil
}

// CheckSubmitLimit throttles per-user move submissions.
func (c *Core) CheckSubmitLimit(ctx context.Context, sessionID, userID uuid.UUID) error {
	key := "submit:" + sessionID.String() + ":" + userID.String()
	return c.limiter.Check(ctx, key, c.settings.SubmitLimit, c.settings.SubmitWindow)
}

// Publish forwards an event to the session's subscribers.
func (c *Core) Publish(sessionID uuid.UUID, typ gateway.EventType, payload any) {
	c.pub.Publish(sessionID, typ, payload)
}

// Clock returns the injected clock.
func (c *Core) Clock() clockwork.Clock { return c.clock }

// Settings returns the engine defaults.
func (c *Core) Settings() Settings { return c.settings }
