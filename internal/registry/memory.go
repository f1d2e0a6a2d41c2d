package registry

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps registrations in process memory. A single RWMutex guards
// the map and the insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]StreamPair
	order   []string
}

// NewMemoryStore returns an empty in-memory registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string]StreamPair)}
}

func (s *MemoryStore) Create(_ context.Context, alias string, pair StreamPair) error {
	alias, pair, err := normalize(alias, pair)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(alias, pair)
}

func (s *MemoryStore) createLocked(alias string, pair StreamPair) error {
	if _, exists := s.streams[alias]; exists {
		return ErrConflict
	}
	if err := checkPrimary(pair); err != nil {
		return err
	}
	s.streams[alias] = pair
	s.order = append(s.order, alias)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, alias string) (StreamPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.streams[strings.TrimSpace(alias)]
	if !ok {
		return StreamPair{}, ErrNotFound
	}
	return pair, nil
}

func (s *MemoryStore) Delete(_ context.Context, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.deleteLocked(strings.TrimSpace(alias))
	return err
}

func (s *MemoryStore) deleteLocked(alias string) (int, error) {
	if _, exists := s.streams[alias]; !exists {
		return -1, ErrNotFound
	}
	delete(s.streams, alias)
	for i, candidate := range s.order {
		if candidate == alias {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return i, nil
		}
	}
	return -1, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), nil
}

func (s *MemoryStore) snapshotLocked() []Entry {
	entries := make([]Entry, 0, len(s.order))
	for _, alias := range s.order {
		entries = append(entries, Entry{Alias: alias, Stream: s.streams[alias]})
	}
	return entries
}

// Len returns the number of registered aliases.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
