package typing_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/anticheat"
	"github.com/campusconnect/activities/internal/engine/enginetest"
	"github.com/campusconnect/activities/internal/engine/typing"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
)

const target = "a quick line to type"

type fixture struct {
	eng   *typing.Engine
	repo  *enginetest.Repo
	pub   *enginetest.Publisher
	store *livestate.MemoryStore
	clock *clockwork.FakeClock
	a, b  uuid.UUID
}

func newFixture(t *testing.T, rounds int) (*fixture, uuid.UUID) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	deps, repo, pub, store := enginetest.NewDeps(clock)
	eng := typing.New(deps)
	t.Cleanup(eng.Scheduler().Stop)

	f := &fixture{eng: eng, repo: repo, pub: pub, store: store, clock: clock, a: uuid.New(), b: uuid.New()}
	sessionID := uuid.New()

	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, &models.Session{
		ID:           sessionID,
		Kind:         models.ActivitySpeedTyping,
		Status:       models.SessionStatusRunning,
		CreatorID:    f.a,
		Participants: []uuid.UUID{f.a, f.b},
		CreatedAt:    clock.Now(),
	}))

	endsAt := clock.Now().Add(30 * time.Second)
	require.NoError(t, store.Put(ctx, &livestate.Document{
		SessionID: sessionID,
		Kind:      models.ActivitySpeedTyping,
		Phase:     livestate.PhaseRunning,
		Config:    models.SessionConfig{Rounds: rounds, RoundTimeSec: 30, CountdownSec: 3},
		Presence: map[string]*livestate.Presence{
			f.a.String(): {Joined: true, Ready: true},
			f.b.String(): {Joined: true, Ready: true},
		},
		Scores:         map[string]int{f.a.String(): 0, f.b.String(): 0},
		LastDelta:      map[string]int{},
		LastActivityAt: clock.Now(),
		RoundEndsAt:    &endsAt,
		Typing: &livestate.TypingState{
			Target: target,
			Users:  map[string]*livestate.TypingRoundState{},
		},
	}))
	return f, sessionID
}

type sampleIn struct {
	TimestampMs   int64 `json:"timestamp_ms"`
	CumulativeLen int   `json:"cumulative_len"`
	IsPaste       bool  `json:"is_paste,omitempty"`
}

type submitIn struct {
	Samples     []sampleIn `json:"samples"`
	Typed       string     `json:"typed"`
	Completed   bool       `json:"completed"`
	ClientNowMs int64      `json:"client_now_ms"`
}

func (f *fixture) submit(t *testing.T, sessionID, userID uuid.UUID, in submitIn) error {
	t.Helper()
	payload, err := json.Marshal(in)
	require.NoError(t, err)
	return f.eng.Submit(context.Background(), sessionID, userID, payload)
}

func (f *fixture) doc(t *testing.T, sessionID uuid.UUID) *livestate.Document {
	t.Helper()
	doc, err := f.store.Get(context.Background(), models.ActivitySpeedTyping, sessionID)
	require.NoError(t, err)
	return doc
}

// steadyBatch types the whole target one char per 100ms starting at base.
func steadyBatch(base int64) []sampleIn {
	out := make([]sampleIn, 0, len(target)+1)
	for i := 0; i <= len(target); i++ {
		out = append(out, sampleIn{TimestampMs: base + int64(i)*100, CumulativeLen: i})
	}
	return out
}

func TestSubmitStoresProgress(t *testing.T) {
	f, sessionID := newFixture(t, 1)
	base := f.clock.Now().UnixMilli()

	require.NoError(t, f.submit(t, sessionID, f.a, submitIn{
		Samples: []sampleIn{
			{TimestampMs: base, CumulativeLen: 0},
			{TimestampMs: base + 200, CumulativeLen: 2},
		},
		Typed:       "a ",
		ClientNowMs: base + 200,
	}))

	doc := f.doc(t, sessionID)
	user := doc.Typing.Users[f.a.String()]
	require.NotNil(t, user)
	assert.Len(t, user.Samples, 2)
	assert.Equal(t, "a ", user.Typed)
	assert.False(t, user.Completed)
	assert.True(t, user.SkewPrimed)
	assert.Empty(t, f.pub.ByType(gateway.EventRoundEnded))
}

func TestPasteFlaggedOncePerRound(t *testing.T) {
	f, sessionID := newFixture(t, 1)
	base := f.clock.Now().UnixMilli()

	require.NoError(t, f.submit(t, sessionID, f.b, submitIn{
		Samples: []sampleIn{
			{TimestampMs: base, CumulativeLen: 0},
			{TimestampMs: base + 20, CumulativeLen: len(target), IsPaste: true},
		},
		Typed:       target,
		ClientNowMs: base + 20,
	}))

	flags := f.pub.ByType(gateway.EventAntiCheatFlag)
	require.Len(t, flags, 1)
	payload := flags[0].Payload.(gateway.AntiCheatFlagPayload)
	assert.Equal(t, f.b.String(), payload.UserID)
	assert.Equal(t, string(anticheat.IncidentPaste), payload.Kind)

	// A second paste in the same round does not re-flag.
	require.NoError(t, f.submit(t, sessionID, f.b, submitIn{
		Samples:     []sampleIn{{TimestampMs: base + 40, CumulativeLen: len(target) + 12, IsPaste: true}},
		Typed:       target,
		ClientNowMs: base + 40,
	}))
	assert.Len(t, f.pub.ByType(gateway.EventAntiCheatFlag), 1)
}

func TestRoundResolvesWhenBothComplete(t *testing.T) {
	f, sessionID := newFixture(t, 1)
	base := f.clock.Now().UnixMilli()

	require.NoError(t, f.submit(t, sessionID, f.a, submitIn{
		Samples:     steadyBatch(base),
		Typed:       target,
		Completed:   true,
		ClientNowMs: base,
	}))
	assert.Empty(t, f.pub.ByType(gateway.EventSessionEnded))

	require.NoError(t, f.submit(t, sessionID, f.b, submitIn{
		Samples:     steadyBatch(base),
		Typed:       target,
		Completed:   true,
		ClientNowMs: base,
	}))

	ended := f.pub.ByType(gateway.EventRoundEnded)
	require.Len(t, ended, 1)
	payload := ended[0].Payload.(gateway.RoundEndedPayload)

	var outcome struct {
		Results map[string]anticheat.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(payload.Outcome, &outcome))
	require.Contains(t, outcome.Results, f.a.String())
	require.Contains(t, outcome.Results, f.b.String())
	assert.Equal(t, 1.0, outcome.Results[f.a.String()].Accuracy)
	assert.Positive(t, outcome.Results[f.a.String()].Final)
	assert.Equal(t, 10, outcome.Results[f.a.String()].Bonus)

	// One round means the duel ends here.
	sessionEnded := f.pub.ByType(gateway.EventSessionEnded)
	require.Len(t, sessionEnded, 1)
	endPayload := sessionEnded[0].Payload.(gateway.SessionEndedPayload)
	assert.Equal(t, models.EndReasonRoundsExhausted, endPayload.Reason)
	assert.True(t, endPayload.Tie)

	ledger := f.repo.Ledger()
	require.Len(t, ledger, 2)
	for _, event := range ledger {
		assert.Equal(t, models.ScoreReasonTypingResult, event.Reason)
	}
}

func TestPastePenaltyAppearsInResults(t *testing.T) {
	f, sessionID := newFixture(t, 1)
	base := f.clock.Now().UnixMilli()

	require.NoError(t, f.submit(t, sessionID, f.a, submitIn{
		Samples:     steadyBatch(base),
		Typed:       target,
		Completed:   true,
		ClientNowMs: base,
	}))
	require.NoError(t, f.submit(t, sessionID, f.b, submitIn{
		Samples: []sampleIn{
			{TimestampMs: base, CumulativeLen: 0},
			{TimestampMs: base + 20, CumulativeLen: len(target), IsPaste: true},
		},
		Typed:       target,
		Completed:   true,
		ClientNowMs: base,
	}))

	ended := f.pub.ByType(gateway.EventRoundEnded)
	require.Len(t, ended, 1)
	var outcome struct {
		Results map[string]anticheat.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(ended[0].Payload.(gateway.RoundEndedPayload).Outcome, &outcome))
	assert.Equal(t, 15, outcome.Results[f.b.String()].PastePenalty)
	assert.Zero(t, outcome.Results[f.a.String()].PastePenalty)
}

func TestDeadlineScoresPartialProgress(t *testing.T) {
	f, sessionID := newFixture(t, 1)
	base := f.clock.Now().UnixMilli()

	require.NoError(t, f.submit(t, sessionID, f.a, submitIn{
		Samples: []sampleIn{
			{TimestampMs: base, CumulativeLen: 0},
			{TimestampMs: base + 700, CumulativeLen: 7},
		},
		Typed:       "a quick",
		ClientNowMs: base,
	}))

	doc := f.doc(t, sessionID)
	require.NoError(t, f.eng.HandleRoundDeadline(context.Background(), doc, 0))

	ended := f.pub.ByType(gateway.EventRoundEnded)
	require.Len(t, ended, 1)
	var outcome struct {
		Results map[string]anticheat.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(ended[0].Payload.(gateway.RoundEndedPayload).Outcome, &outcome))

	// Both are scored: the silent opponent gets zeroes.
	assert.Zero(t, outcome.Results[f.b.String()].Final)
	assert.Zero(t, outcome.Results[f.a.String()].Bonus)
	assert.Less(t, outcome.Results[f.a.String()].Accuracy, 0.9)
}

func TestSkewCarriesIntoNextRound(t *testing.T) {
	f, sessionID := newFixture(t, 2)
	base := f.clock.Now().UnixMilli()

	require.NoError(t, f.submit(t, sessionID, f.a, submitIn{
		Samples:     steadyBatch(base),
		Typed:       target,
		Completed:   true,
		ClientNowMs: base + 120,
	}))
	require.NoError(t, f.submit(t, sessionID, f.b, submitIn{
		Samples:   steadyBatch(base),
		Typed:     target,
		Completed: true,
	}))

	doc := f.doc(t, sessionID)
	require.Equal(t, 1, doc.Round)

	// Round progress resets but the clock-skew estimate survives.
	carried := doc.Typing.Users[f.a.String()]
	require.NotNil(t, carried)
	assert.True(t, carried.SkewPrimed)
	assert.InDelta(t, 120, carried.SkewMs, 0.001)
	assert.Empty(t, carried.Samples)
	assert.Empty(t, carried.Typed)
	assert.False(t, carried.Completed)

	other := doc.Typing.Users[f.b.String()]
	require.NotNil(t, other)
	assert.False(t, other.SkewPrimed)
}

func TestSubmitValidation(t *testing.T) {
	f, sessionID := newFixture(t, 1)

	err := f.eng.Submit(context.Background(), sessionID, f.a, json.RawMessage(`{bad`))
	assert.ErrorIs(t, err, activityerr.ErrInvalidMove)

	err = f.submit(t, sessionID, uuid.New(), submitIn{Typed: "x"})
	assert.ErrorIs(t, err, activityerr.ErrParticipantNotInSession)
}
