// Package repository is the durable relational store for sessions,
// participants, rounds, and the append-only score ledger.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/models"
)

// Repository runs hand-written SQL over a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// withTx runs fn inside a transaction: rollback on error, commit otherwise.
func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateSession inserts the session row and its participant rows in one
// transaction so a half-created session can never be observed.
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO activity_sessions (id, kind, status, creator_id, config, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			session.ID, session.Kind, session.Status, session.CreatorID, session.Config, session.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		for _, userID := range session.Participants {
			_, err := tx.Exec(ctx, `
				INSERT INTO activity_participants (session_id, user_id, score, joined_at)
				VALUES ($1, $2, 0, $3)`,
				session.ID, userID, session.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert participant: %w", err)
			}
		}
		return nil
	})
}

// GetSession loads a session with its participant list.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	err := r.pool.QueryRow(ctx, `
		SELECT id, kind, status, creator_id, config, created_at, started_at, ended_at
		FROM activity_sessions WHERE id = $1`, id,
	).Scan(&session.ID, &session.Kind, &session.Status, &session.CreatorID,
		&session.Config, &session.CreatedAt, &session.StartedAt, &session.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, activityerr.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM activity_participants
		WHERE session_id = $1 ORDER BY joined_at, user_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		session.Participants = append(session.Participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read participants: %w", err)
	}
	return &session, nil
}

// MarkSessionRunning records the transition out of the lobby. Only the
// first round start flips this.
func (r *Repository) MarkSessionRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE activity_sessions SET status = $1, started_at = COALESCE(started_at, $2)
		WHERE id = $3`,
		models.SessionStatusRunning, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark session running: %w", err)
	}
	return nil
}

// MarkSessionEnded records the terminal transition.
func (r *Repository) MarkSessionEnded(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE activity_sessions SET status = $1, ended_at = COALESCE(ended_at, $2)
		WHERE id = $3`,
		models.SessionStatusEnded, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark session ended: %w", err)
	}
	return nil
}

// CreateRound upserts the round record; deadline retries make this path
// idempotent.
func (r *Repository) CreateRound(ctx context.Context, round *models.Round) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO activity_rounds (session_id, index, state, payload, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, index)
		DO UPDATE SET state = EXCLUDED.state, payload = EXCLUDED.payload`,
		round.SessionID, round.Index, round.State, round.Payload, round.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create round: %w", err)
	}
	return nil
}

// FinishRound marks a round done.
func (r *Repository) FinishRound(ctx context.Context, sessionID uuid.UUID, index int, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE activity_rounds SET state = $1, ended_at = COALESCE(ended_at, $2)
		WHERE session_id = $3 AND index = $4`,
		models.RoundStateDone, at, sessionID, index)
	if err != nil {
		return fmt.Errorf("failed to finish round: %w", err)
	}
	return nil
}

// RecordScore appends the ledger entry and increments the participant
// total in one transaction. The increment is a single atomic UPDATE so
// concurrent submissions cannot double-apply a read-then-write total.
func (r *Repository) RecordScore(ctx context.Context, event models.ScoreEvent) (int, error) {
	var total int
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO activity_score_events (id, session_id, user_id, delta, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			event.ID, event.SessionID, event.UserID, event.Delta, event.Reason, event.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert score event: %w", err)
		}
		err = tx.QueryRow(ctx, `
			UPDATE activity_participants SET score = score + $1
			WHERE session_id = $2 AND user_id = $3
			RETURNING score`,
			event.Delta, event.SessionID, event.UserID,
		).Scan(&total)
		if errors.Is(err, pgx.ErrNoRows) {
			return activityerr.ErrParticipantNotInSession
		}
		if err != nil {
			return fmt.Errorf("failed to increment participant total: %w", err)
		}
		return nil
	})
	return total, err
}

// SessionTotals reads the current totals for every participant.
func (r *Repository) SessionTotals(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, score FROM activity_participants WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[uuid.UUID]int)
	for rows.Next() {
		var userID uuid.UUID
		var score int
		if err := rows.Scan(&userID, &score); err != nil {
			return nil, fmt.Errorf("failed to scan total: %w", err)
		}
		totals[userID] = score
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read totals: %w", err)
	}
	return totals, nil
}

// LastDeltas returns each participant's most recent ledger delta, used
// for scoreboard snapshots rebuilt from durable data.
func (r *Repository) LastDeltas(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (user_id) user_id, delta
		FROM activity_score_events
		WHERE session_id = $1
		ORDER BY user_id, created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load last deltas: %w", err)
	}
	defer rows.Close()

	deltas := make(map[uuid.UUID]int)
	for rows.Next() {
		var userID uuid.UUID
		var delta int
		if err := rows.Scan(&userID, &delta); err != nil {
			return nil, fmt.Errorf("failed to scan delta: %w", err)
		}
		deltas[userID] = delta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read deltas: %w", err)
	}
	return deltas, nil
}
