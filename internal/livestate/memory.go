package livestate

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/campusconnect/activities/internal/activityerr"
	"github.com/campusconnect/activities/internal/models"
)

// MemoryStore is an in-process Store with the same versioned-swap
// semantics as RedisStore. Used in tests and single-node development.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, kind models.ActivityKind, sessionID uuid.UUID) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[stateKey(kind, sessionID)]
	if !ok {
		return nil, activityerr.ErrSessionStateMissing
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MemoryStore) Put(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey(doc.Kind, doc.SessionID)
	if data, ok := s.docs[key]; ok {
		var cur Document
		if err := json.Unmarshal(data, &cur); err != nil {
			return err
		}
		if cur.Version != doc.Version {
			return activityerr.ErrStateConflict
		}
	}

	next := *doc
	next.Version = doc.Version + 1
	payload, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	s.docs[key] = payload
	doc.Version++
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, kind models.ActivityKind, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, stateKey(kind, sessionID))
	return nil
}
