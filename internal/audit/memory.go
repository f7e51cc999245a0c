package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store. It suits tests and
// single-process deployments that accept losing the trail on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*SignedEvent
	byID   map[string]*SignedEvent
	byHash map[string]*SignedEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*SignedEvent),
		byHash: make(map[string]*SignedEvent),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *SignedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.events); n > 0 && s.events[n-1].Hash != e.PreviousHash {
		return ErrStaleTip
	}
	cp := cloneEvent(e)
	s.events = append(s.events, cp)
	s.byID[cp.ID] = cp
	s.byHash[cp.Hash] = cp
	return nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*SignedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(e), nil
}

// GetByHash implements Store.
func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*SignedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byHash[hash]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(e), nil
}

// First implements Store.
func (s *MemoryStore) First(_ context.Context) (*SignedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, nil
	}
	return cloneEvent(s.events[0]), nil
}

// Tip implements Store.
func (s *MemoryStore) Tip(_ context.Context) (*SignedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, nil
	}
	return cloneEvent(s.events[len(s.events)-1]), nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// Iterate implements Store. It walks a snapshot, so fn may call back into
// the store and concurrent appends do not tear the iteration.
func (s *MemoryStore) Iterate(_ context.Context, fn func(*SignedEvent) (bool, error)) error {
	s.mu.RLock()
	snapshot := make([]*SignedEvent, len(s.events))
	copy(snapshot, s.events)
	s.mu.RUnlock()

	for _, e := range snapshot {
		cont, err := fn(cloneEvent(e))
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// RemovePrefix implements Store.
func (s *MemoryStore) RemovePrefix(_ context.Context, n int) ([]*SignedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	if n > len(s.events) {
		n = len(s.events)
	}
	removed := s.events[:n]
	s.events = append([]*SignedEvent(nil), s.events[n:]...)
	for _, e := range removed {
		delete(s.byID, e.ID)
		delete(s.byHash, e.Hash)
	}
	out := make([]*SignedEvent, n)
	for i, e := range removed {
		out[i] = cloneEvent(e)
	}
	return out, nil
}
