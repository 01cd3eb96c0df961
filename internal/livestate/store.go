package livestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/models"
)

// Store is the contract engines use for the live-state document.
type Store interface {
	// Get loads the document, or activityerr.ErrSessionStateMissing if absent.
	Get(ctx context.Context, kind models.ActivityKind, sessionID uuid.UUID) (*Document, error)
	// Put writes the document back. The write is a compare-and-swap on
	// doc.Version: a concurrent writer wins and the loser gets
	// activityerr.ErrStateConflict. On success doc.Version is bumped.
	Put(ctx context.Context, doc *Document) error
	// Delete removes the document. Deleting an absent key is a no-op.
	Delete(ctx context.Context, kind models.ActivityKind, sessionID uuid.UUID) error
}

// documentTTL bounds how long an abandoned document can linger; every
// successful Put refreshes it. Well above the lobby idle timeout so the
// engine, not eviction, decides when a session dies.
const documentTTL = 30 * time.Minute

// RedisStore keeps one JSON document per session under
// "activity:<kind>:<session>".
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func stateKey(kind models.ActivityKind, sessionID uuid.UUID) string {
	return fmt.Sprintf("activity:%s:%s", kind, sessionID)
}

func (s *RedisStore) Get(ctx context.Context, kind models.ActivityKind, sessionID uuid.UUID) (*Document, error) {
	data, err := s.client.Get(ctx, stateKey(kind, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, activityerr.ErrSessionStateMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load live state: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode live state: %w", err)
	}
	return &doc, nil
}

func (s *RedisStore) Put(ctx context.Context, doc *Document) error {
	key := stateKey(doc.Kind, doc.SessionID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read live state for swap: %w", err)
		}
		if err == nil {
			var cur Document
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("failed to decode live state for swap: %w", err)
			}
			if cur.Version != doc.Version {
				return activityerr.ErrStateConflict
			}
		}

		next := *doc
		next.Version = doc.Version + 1
		payload, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to encode live state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, documentTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return activityerr.ErrStateConflict
	}
	if err != nil {
		return err
	}
	doc.Version++
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, kind models.ActivityKind, sessionID uuid.UUID) error {
	return s.client.Del(ctx, stateKey(kind, sessionID)).Err()
}
