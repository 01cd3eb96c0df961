// Package enginetest provides in-memory fakes for engine tests: a
// Repository backed by maps and a Publisher that records every event.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/engine"
	"github.com/campusconnect/activities/internal/gateway"
	"github.com/campusconnect/activities/internal/livestate"
	"github.com/campusconnect/activities/internal/models"
	"github.com/campusconnect/activities/internal/ratelimit"
	"github.com/campusconnect/activities/internal/scheduler"
)

// Repo is an in-memory engine.Repository.
type Repo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	rounds   map[uuid.UUID]map[int]*models.Round
	ledger   []models.ScoreEvent
	totals   map[uuid.UUID]map[uuid.UUID]int
}

func NewRepo() *Repo {
	return &Repo{
		sessions: make(map[uuid.UUID]*models.Session),
		rounds:   make(map[uuid.UUID]map[int]*models.Round),
		totals:   make(map[uuid.UUID]map[uuid.UUID]int),
	}
}

func (r *Repo) CreateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *session
	r.sessions[session.ID] = &copied
	r.totals[session.ID] = make(map[uuid.UUID]int)
	for _, p := range session.Participants {
		r.totals[session.ID][p] = 0
	}
	return nil
}

func (r *Repo) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, activityerr.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (r *Repo) MarkSessionRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[id]; ok {
		session.Status = models.SessionStatusRunning
		if session.StartedAt == nil {
			session.StartedAt = &at
		}
	}
	return nil
}

func (r *Repo) MarkSessionEnded(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[id]; ok {
		session.Status = models.SessionStatusEnded
		if session.EndedAt == nil {
			session.EndedAt = &at
		}
	}
	return nil
}

func (r *Repo) CreateRound(ctx context.Context, round *models.Round) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rounds[round.SessionID] == nil {
		r.rounds[round.SessionID] = make(map[int]*models.Round)
	}
	copied := *round
	r.rounds[round.SessionID][round.Index] = &copied
	return nil
}

func (r *Repo) FinishRound(ctx context.Context, sessionID uuid.UUID, index int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if round, ok := r.rounds[sessionID][index]; ok {
		round.State = models.RoundStateDone
		if round.EndedAt == nil {
			round.EndedAt = &at
		}
	}
	return nil
}

func (r *Repo) RecordScore(ctx context.Context, event models.ScoreEvent) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.totals[event.SessionID] == nil {
		r.totals[event.SessionID] = make(map[uuid.UUID]int)
	}
	r.ledger = append(r.ledger, event)
	r.totals[event.SessionID][event.UserID] += event.Delta
	return r.totals[event.SessionID][event.UserID], nil
}

func (r *Repo) SessionTotals(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]int, len(r.totals[sessionID]))
	for userID, total := range r.totals[sessionID] {
		out[userID] = total
	}
	return out, nil
}

func (r *Repo) LastDeltas(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]int)
	for _, event := range r.ledger {
		if event.SessionID == sessionID {
			out[event.UserID] = event.Delta
		}
	}
	return out, nil
}

// Session returns the stored durable record, or nil.
func (r *Repo) Session(id uuid.UUID) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil
	}
	copied := *session
	return &copied
}

// Ledger returns a copy of the recorded score events.
func (r *Repo) Ledger() []models.ScoreEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ScoreEvent, len(r.ledger))
	copy(out, r.ledger)
	return out
}

// PublishedEvent is one captured Publish call.
type PublishedEvent struct {
	SessionID uuid.UUID
	Type      gateway.EventType
	Payload   any
}

// Publisher records every published event for assertions.
type Publisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) Publish(sessionID uuid.UUID, typ gateway.EventType, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{SessionID: sessionID, Type: typ, Payload: payload})
}

// Events returns every captured event in publish order.
func (p *Publisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

// ByType filters captured events by type.
func (p *Publisher) ByType(typ gateway.EventType) []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PublishedEvent
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// NewDeps bundles fakes around the given clock: in-memory store and
// repository, recording publisher, unlimited rate limiter, default settings.
func NewDeps(clock clockwork.Clock) (engine.Deps, *Repo, *Publisher, *livestate.MemoryStore) {
	repo := NewRepo()
	pub := NewPublisher()
	store := livestate.NewMemoryStore()
	deps := engine.Deps{
		Repo:     repo,
		Store:    store,
		Sched:    scheduler.New(clock),
		Pub:      pub,
		Limiter:  ratelimit.Unlimited{},
		Clock:    clock,
		Settings: engine.DefaultSettings(),
	}
	return deps, repo, pub, store
}
