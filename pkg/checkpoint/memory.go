package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Values go through the
// same JSON round trip as RedisStore.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Save stores v as the run's checkpoint.
func (s *MemoryStore) Save(_ context.Context, runID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		operationsTotal.WithLabelValues("memory", "save", "error").Inc()
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	s.data[runID] = data
	s.saves++
	s.mu.Unlock()

	operationsTotal.WithLabelValues("memory", "save", "ok").Inc()
	return nil
}

// Load decodes the run's checkpoint into v.
func (s *MemoryStore) Load(_ context.Context, runID string, v any) error {
	s.mu.Lock()
	data, ok := s.data[runID]
	s.mu.Unlock()

	if !ok {
		operationsTotal.WithLabelValues("memory", "load", "miss").Inc()
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		operationsTotal.WithLabelValues("memory", "load", "error").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	operationsTotal.WithLabelValues("memory", "load", "hit").Inc()
	return nil
}

// Delete removes the run's checkpoint.
func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.data, runID)
	s.mu.Unlock()

	operationsTotal.WithLabelValues("memory", "delete", "ok").Inc()
	return nil
}

// Saves returns the number of successful saves.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Has reports whether a checkpoint exists for runID.
func (s *MemoryStore) Has(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[runID]
	return ok
}
