package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
	"github.com/campusconnect/activities/internal/ratelimit"
	"github.com/campusconnect/activities/internal/scheduler"
)

type noopRepo struct{}

func (noopRepo) CreateSession(context.Context, *models.Session) error { return nil }
func (noopRepo) GetSession(context.Context, uuid.UUID) (*models.Session, error) {
	return nil, activityerr.ErrSessionNotFound
}
func (noopRepo) MarkSessionRunning(context.Context, uuid.UUID, time.Time) error { return nil }
func (noopRepo) MarkSessionEnded(context.Context, uuid.UUID, time.Time) error   { return nil }
func (noopRepo) CreateRound(context.Context, *models.Round) error               { return nil }
func (noopRepo) FinishRound(context.Context, uuid.UUID, int, time.Time) error   { return nil }
func (noopRepo) RecordScore(context.Context, models.ScoreEvent) (int, error)    { return 0, nil }
func (noopRepo) SessionTotals(context.Context, uuid.UUID) (map[uuid.UUID]int, error) {
	return nil, nil
}
func (noopRepo) LastDeltas(context.Context, uuid.UUID) (map[uuid.UUID]int, error) {
	return nil, nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(uuid.UUID, gateway.EventType, any) {}

type idleGame struct{}

func (idleGame) LobbyPhase() livestate.Phase       { return livestate.PhaseLobby }
func (idleGame) InitState(*livestate.Document)     {}
func (idleGame) CanStart(*livestate.Document) error { return nil }
func (idleGame) BeginRound(*livestate.Document, int) (RoundInfo, error) {
	return RoundInfo{}, nil
}
func (idleGame) HandleRoundDeadline(context.Context, *livestate.Document, int) error {
	return nil
}

// A countdown deadline can arrive after its registry entry is gone. The
// handler must transition without scheduling a replacement countdown;
// only caller-driven loads re-arm after a restart.
func TestCountdownElapseLeavesTimerDisarmed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := livestate.NewMemoryStore()
	sched := scheduler.New(clock)
	t.Cleanup(sched.Stop)
	core := NewCore(models.ActivityRockPaperScissors, idleGame{}, Deps{
		Repo:     noopRepo{},
		Store:    store,
		Sched:    sched,
		Pub:      noopPublisher{},
		Limiter:  ratelimit.Unlimited{},
		Clock:    clock,
		Settings: DefaultSettings(),
	})

	ctx := context.Background()
	now := clock.Now()
	sessionID := uuid.New()
	a, b := uuid.New().String(), uuid.New().String()
	require.NoError(t, store.Put(ctx, &livestate.Document{
		SessionID: sessionID,
		Kind:      models.ActivityRockPaperScissors,
		Phase:     livestate.PhaseCountdown,
		Config:    models.SessionConfig{Rounds: 3, RoundTimeSec: 30, CountdownSec: 3},
		Presence: map[string]*livestate.Presence{
			a: {Joined: true, Ready: true},
			b: {Joined: true, Ready: true},
		},
		Scores: map[string]int{a: 0, b: 0},
		Countdown: &livestate.Countdown{
			StartedAt:  now,
			DurationMs: 3000,
			EndsAt:     now.Add(3 * time.Second),
		},
		LastActivityAt: now,
	}))

	require.NoError(t, core.onCountdownElapsed(ctx, sessionID))

	assert.False(t, sched.Armed(sessionID, scheduler.KindCountdown))
	cur, err := store.Get(ctx, models.ActivityRockPaperScissors, sessionID)
	require.NoError(t, err)
	assert.Equal(t, livestate.PhaseRunning, cur.Phase)
	assert.True(t, sched.Armed(sessionID, scheduler.KindRound))
}
