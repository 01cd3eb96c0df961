package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/engine"
	"github.com/campusconnect/activities/internal/engine/enginetest"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
	"github.com/campusconnect/activities/internal/scheduler"
)

// stubGame is the smallest possible Game: no custom state, rounds that
// never resolve on their own.
type stubGame struct {
	core *engine.Core
}

func (g *stubGame) LobbyPhase() livestate.Phase            { return livestate.PhaseLobby }
func (g *stubGame) InitState(doc *livestate.Document)      {}
func (g *stubGame) CanStart(doc *livestate.Document) error { return nil }

func (g *stubGame) BeginRound(doc *livestate.Document, round int) (engine.RoundInfo, error) {
	return engine.RoundInfo{}, nil
}

func (g *stubGame) HandleRoundDeadline(ctx context.Context, doc *livestate.Document, round int) error {
	return g.core.SaveState(ctx, doc)
}

type fixture struct {
	core  *engine.Core
	repo  *enginetest.Repo
	pub   *enginetest.Publisher
	store *livestate.MemoryStore
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	deps, repo, pub, store := enginetest.NewDeps(clock)
	g := &stubGame{}
	core := engine.NewCore(models.ActivityRockPaperScissors, g, deps)
	g.core = core
	t.Cleanup(core.Scheduler().Stop)
	return &fixture{core: core, repo: repo, pub: pub, store: store, clock: clock}
}

func (f *fixture) createSession(t *testing.T, a, b uuid.UUID) *models.Session {
	t.Helper()
	session, err := f.core.CreateSession(context.Background(), a, []uuid.UUID{a, b}, models.SessionConfig{})
	require.NoError(t, err)
	return session
}

func (f *fixture) readyBoth(t *testing.T, sessionID, a, b uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.core.Join(ctx, sessionID, a))
	require.NoError(t, f.core.Join(ctx, sessionID, b))
	require.NoError(t, f.core.Ready(ctx, sessionID, a))
	require.NoError(t, f.core.Ready(ctx, sessionID, b))
}

// driveToRunning runs the deadline loop, readies both users, and advances
// past the countdown.
func (f *fixture) driveToRunning(t *testing.T, sessionID, a, b uuid.UUID) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.core.Run(ctx)

	f.readyBoth(t, sessionID, a, b)
	f.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		session := f.repo.Session(sessionID)
		return session != nil && session.Status == models.SessionStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	_, err := f.core.CreateSession(ctx, a, []uuid.UUID{a}, models.SessionConfig{})
	assert.ErrorIs(t, err, activityerr.ErrInvalidParticipants)

	_, err = f.core.CreateSession(ctx, a, []uuid.UUID{a, a}, models.SessionConfig{})
	assert.ErrorIs(t, err, activityerr.ErrInvalidParticipants)

	_, err = f.core.CreateSession(ctx, uuid.New(), []uuid.UUID{a, b}, models.SessionConfig{})
	assert.ErrorIs(t, err, activityerr.ErrCreatorNotInSession)
}

func TestCreateSessionClampsConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	session, err := f.core.CreateSession(ctx, a, []uuid.UUID{a, b}, models.SessionConfig{
		Rounds:       100,
		RoundTimeSec: 1,
		CountdownSec: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, session.Config.Rounds)
	assert.Equal(t, 5, session.Config.RoundTimeSec)
	assert.Equal(t, 3, session.Config.CountdownSec)

	session, err = f.core.CreateSession(ctx, a, []uuid.UUID{a, b}, models.SessionConfig{})
	require.NoError(t, err)
	assert.Equal(t, 3, session.Config.Rounds)
	assert.Equal(t, 30, session.Config.RoundTimeSec)
	assert.Equal(t, 6, session.Config.TurnsTotal)
	assert.Zero(t, session.Config.TargetTextLength)
}

func TestCreditScoreSurvivesStoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	ctx := context.Background()

	// A document loaded from the store comes back with no last-delta map.
	doc, err := f.store.Get(ctx, session.Kind, session.ID)
	require.NoError(t, err)
	require.Nil(t, doc.LastDelta)

	require.NoError(t, f.core.CreditScore(ctx, doc, b, 2, models.ScoreReasonRoundWon))

	assert.Equal(t, 2, doc.Scores[b.String()])
	assert.Equal(t, 2, doc.LastDelta[b.String()])

	var entry gateway.ScoreboardEntry
	for _, e := range f.core.Scoreboard(doc) {
		if e.UserID == b.String() {
			entry = e
		}
	}
	assert.Equal(t, 2, entry.Score)
	assert.Equal(t, 2, entry.LastDelta)

	updates := f.pub.ByType(gateway.EventScoreUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, 2, updates[0].Payload.(gateway.ScoreUpdatedPayload).Total)
}

func TestCountdownUsesSessionConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	session, err := f.core.CreateSession(ctx, a, []uuid.UUID{a, b}, models.SessionConfig{CountdownSec: 5})
	require.NoError(t, err)

	f.readyBoth(t, session.ID, a, b)

	snap, err := f.core.StateSnapshot(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.Countdown)
	assert.Equal(t, int64(5000), snap.Countdown.DurationMs)

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go f.core.Run(runCtx)

	// The default three seconds are not enough for a five-second countdown.
	f.clock.Advance(3 * time.Second)
	assert.Equal(t, models.SessionStatusPending, f.repo.Session(session.ID).Status)

	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		stored := f.repo.Session(session.ID)
		return stored != nil && stored.Status == models.SessionStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRoundDeadlineUsesSessionConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	session, err := f.core.CreateSession(ctx, a, []uuid.UUID{a, b}, models.SessionConfig{RoundTimeSec: 45})
	require.NoError(t, err)

	f.driveToRunning(t, session.ID, a, b)

	started := f.pub.ByType(gateway.EventRoundStarted)
	require.Len(t, started, 1)
	payload := started[0].Payload.(gateway.RoundStartedPayload)
	assert.True(t, payload.EndsAt.Equal(f.clock.Now().Add(45*time.Second)))
}

func TestReadyAllStartsCountdown(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)

	f.readyBoth(t, session.ID, a, b)

	snap, err := f.core.StateSnapshot(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, livestate.PhaseCountdown, snap.Phase)
	require.NotNil(t, snap.Countdown)
	assert.Equal(t, int64(3000), snap.Countdown.DurationMs)
	assert.True(t, f.core.Scheduler().Armed(session.ID, scheduler.KindCountdown))
	assert.Len(t, f.pub.ByType(gateway.EventCountdown), 1)
}

func TestUnreadyCancelsCountdown(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	f.readyBoth(t, session.ID, a, b)

	require.NoError(t, f.core.Unready(context.Background(), session.ID, b))

	snap, err := f.core.StateSnapshot(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, livestate.PhaseLobby, snap.Phase)
	assert.Nil(t, snap.Countdown)
	assert.False(t, f.core.Scheduler().Armed(session.ID, scheduler.KindCountdown))

	cancelled := f.pub.ByType(gateway.EventCountdownCancelled)
	require.Len(t, cancelled, 1)
	payload := cancelled[0].Payload.(gateway.CountdownCancelledPayload)
	assert.Equal(t, "participant_unready", payload.Reason)
}

func TestLeaveDuringCountdownCancelsIt(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	f.readyBoth(t, session.ID, a, b)

	require.NoError(t, f.core.Leave(context.Background(), session.ID, a))

	snap, err := f.core.StateSnapshot(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, livestate.PhaseLobby, snap.Phase)
	assert.False(t, snap.Presence[a.String()].Joined)

	cancelled := f.pub.ByType(gateway.EventCountdownCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "participant_left", cancelled[0].Payload.(gateway.CountdownCancelledPayload).Reason)
}

func TestCountdownElapsesIntoFirstRound(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)

	f.driveToRunning(t, session.ID, a, b)

	snap, err := f.core.StateSnapshot(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, livestate.PhaseRunning, snap.Phase)
	assert.Equal(t, 0, snap.Round)

	started := f.pub.ByType(gateway.EventRoundStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 0, started[0].Payload.(gateway.RoundStartedPayload).Round)
	assert.False(t, f.core.Scheduler().Armed(session.ID, scheduler.KindLobbyIdle))
	assert.True(t, f.core.Scheduler().Armed(session.ID, scheduler.KindRound))
}

func TestLeaveDuringRunningForfeits(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	f.driveToRunning(t, session.ID, a, b)

	require.NoError(t, f.core.Leave(context.Background(), session.ID, a))

	stored := f.repo.Session(session.ID)
	require.NotNil(t, stored)
	assert.Equal(t, models.SessionStatusEnded, stored.Status)

	ledger := f.repo.Ledger()
	require.Len(t, ledger, 1)
	assert.Equal(t, b, ledger[0].UserID)
	assert.Equal(t, 1, ledger[0].Delta)
	assert.Equal(t, models.ScoreReasonOpponentLeft, ledger[0].Reason)

	ended := f.pub.ByType(gateway.EventSessionEnded)
	require.Len(t, ended, 1)
	payload := ended[0].Payload.(gateway.SessionEndedPayload)
	assert.Equal(t, models.EndReasonForfeit, payload.Reason)
	assert.Equal(t, b.String(), payload.WinnerID)
}

func TestRebuildAfterEvictionResetsPresence(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	ctx := context.Background()
	require.NoError(t, f.core.Join(ctx, session.ID, a))

	require.NoError(t, f.store.Delete(ctx, session.Kind, session.ID))

	snap, err := f.core.StateSnapshot(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, livestate.PhaseLobby, snap.Phase)
	require.Contains(t, snap.Presence, a.String())
	require.Contains(t, snap.Presence, b.String())
	assert.False(t, snap.Presence[a.String()].Joined)
	assert.True(t, f.core.Scheduler().Armed(session.ID, scheduler.KindLobbyIdle))
}

func TestCountdownRearmedAfterRestart(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	f.readyBoth(t, session.ID, a, b)

	// A new core over the same stores stands in for a restarted process.
	restartedDeps, _, _, _ := enginetest.NewDeps(f.clock)
	restartedDeps.Repo = f.repo
	restartedDeps.Store = f.store
	g := &stubGame{}
	core2 := engine.NewCore(models.ActivityRockPaperScissors, g, restartedDeps)
	g.core = core2
	t.Cleanup(core2.Scheduler().Stop)

	f.clock.Advance(time.Second)
	snap, err := core2.StateSnapshot(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, livestate.PhaseCountdown, snap.Phase)
	assert.True(t, core2.Scheduler().Armed(session.ID, scheduler.KindCountdown))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go core2.Run(ctx)

	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		stored := f.repo.Session(session.ID)
		return stored != nil && stored.Status == models.SessionStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLobbyIdleTimeout(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.core.Run(ctx)

	f.clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool {
		stored := f.repo.Session(session.ID)
		return stored != nil && stored.Status == models.SessionStatusEnded
	}, 2*time.Second, 10*time.Millisecond)

	ended := f.pub.ByType(gateway.EventSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, models.EndReasonLobbyTimeout, ended[0].Payload.(gateway.SessionEndedPayload).Reason)
}

func TestInactivityEndsRunningSession(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	f.driveToRunning(t, session.ID, a, b)

	f.clock.Advance(60 * time.Second)
	require.Eventually(t, func() bool {
		stored := f.repo.Session(session.ID)
		return stored != nil && stored.Status == models.SessionStatusEnded
	}, 2*time.Second, 10*time.Millisecond)

	ended := f.pub.ByType(gateway.EventSessionEnded)
	require.Len(t, ended, 1)
	payload := ended[0].Payload.(gateway.SessionEndedPayload)
	assert.Equal(t, models.EndReasonInactivity, payload.Reason)
	assert.True(t, payload.Tie)
}

func TestInactivityRearmsAfterMidWindowActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	session, err := f.core.CreateSession(ctx, a, []uuid.UUID{a, b}, models.SessionConfig{RoundTimeSec: 120})
	require.NoError(t, err)
	f.driveToRunning(t, session.ID, a, b)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.core.Join(ctx, session.ID, a))

	// The original window elapses with recent activity: the handler
	// re-arms for the remainder instead of ending the session.
	f.clock.Advance(30 * time.Second)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.SessionStatusRunning, f.repo.Session(session.ID).Status)

	f.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		stored := f.repo.Session(session.ID)
		return stored != nil && stored.Status == models.SessionStatusEnded
	}, 2*time.Second, 10*time.Millisecond)

	ended := f.pub.ByType(gateway.EventSessionEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, models.EndReasonInactivity, ended[0].Payload.(gateway.SessionEndedPayload).Reason)
}

func TestRebuildRestoresScoreboardFromLedger(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	ctx := context.Background()

	for _, event := range []models.ScoreEvent{
		{SessionID: session.ID, UserID: a, Delta: 2},
		{SessionID: session.ID, UserID: a, Delta: 1},
		{SessionID: session.ID, UserID: b, Delta: 3},
	} {
		event.ID = uuid.New()
		event.Reason = models.ScoreReasonRoundWon
		event.CreatedAt = f.clock.Now()
		_, err := f.repo.RecordScore(ctx, event)
		require.NoError(t, err)
	}

	require.NoError(t, f.store.Delete(ctx, session.Kind, session.ID))

	snap, err := f.core.StateSnapshot(ctx, session.ID)
	require.NoError(t, err)
	byUser := make(map[string]gateway.ScoreboardEntry)
	for _, entry := range snap.Scoreboard {
		byUser[entry.UserID] = entry
	}
	assert.Equal(t, 3, byUser[a.String()].Score)
	assert.Equal(t, 1, byUser[a.String()].LastDelta)
	assert.Equal(t, 3, byUser[b.String()].Score)
	assert.Equal(t, 3, byUser[b.String()].LastDelta)
}

func TestRestartRequiresEndedSession(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)

	_, err := f.core.Restart(context.Background(), session.ID, a)
	assert.ErrorIs(t, err, activityerr.ErrSessionNotRunning)
}

func TestRestartCreatesRematch(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	f.driveToRunning(t, session.ID, a, b)
	require.NoError(t, f.core.Leave(context.Background(), session.ID, a))

	_, err := f.core.Restart(context.Background(), session.ID, uuid.New())
	assert.ErrorIs(t, err, activityerr.ErrParticipantNotInSession)

	next, err := f.core.Restart(context.Background(), session.ID, b)
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, next.ID)
	assert.Equal(t, models.SessionStatusPending, next.Status)
	assert.ElementsMatch(t, session.Participants, next.Participants)

	restarted := f.pub.ByType(gateway.EventSessionRestarted)
	require.Len(t, restarted, 1)
	assert.Equal(t, session.ID, restarted[0].SessionID)
	assert.Equal(t, next.ID.String(), restarted[0].Payload.(gateway.SessionRestartedPayload).NewSessionID)
}

func TestJoinRejectsStrangers(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)

	err := f.core.Join(context.Background(), session.ID, uuid.New())
	assert.ErrorIs(t, err, activityerr.ErrParticipantNotInSession)
}

func TestReadyOutsideLobbyFails(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)
	f.driveToRunning(t, session.ID, a, b)

	err := f.core.Ready(context.Background(), session.ID, a)
	assert.ErrorIs(t, err, activityerr.ErrSessionNotRunning)
}

func TestRoleOperationsUnsupportedByDefault(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.createSession(t, a, b)

	err := f.core.ClaimRole(context.Background(), session.ID, a, "boy")
	assert.ErrorIs(t, err, activityerr.ErrUnsupportedOperation)

	err = f.core.ScoreLine(context.Background(), session.ID, a, 0, 3)
	assert.ErrorIs(t, err, activityerr.ErrUnsupportedOperation)
}
