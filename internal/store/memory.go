package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "cart_sentinel/pkg/errors"
)

// MemoryStore keeps snapshots in memory. Round-trips through JSON so callers
// see the same copy semantics as the durable backends.
type MemoryStore struct {
	snapshots map[string][]byte
	mu        sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]byte),
	}
}

func (s *MemoryStore) Save(ctx context.Context, key string, state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[key] = data
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, key string, out interface{}) (bool, error) {
	s.mu.RLock()
	data, ok := s.snapshots[key]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: failed to unmarshal snapshot %s: %v", apperrors.ErrPersistence, key, err)
	}
	return true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
