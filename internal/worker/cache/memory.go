package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[string]Snapshot
}

// NewMemory returns an in-process snapshot store. Generations are plain nested
// maps guarded by one RWMutex; snapshots are copied on the way in and out so
// callers can never mutate stored state.
func NewMemory() Store {
	return &memoryStore{generations: make(map[string]map[string]Snapshot)}
}

func (s *memoryStore) Put(_ context.Context, generation, key string, snap Snapshot) error {
	if snap.StoredAt.IsZero() {
		snap.StoredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.generations[generation]
	if !ok {
		entries = make(map[string]Snapshot)
		s.generations[generation] = entries
	}
	entries[key] = cloneSnapshot(snap)
	return nil
}

func (s *memoryStore) Match(_ context.Context, generation, key string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.generations[generation]
	if !ok {
		return Snapshot{}, false, nil
	}
	snap, ok := entries[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

func (s *memoryStore) Generations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) DeleteGeneration(_ context.Context, generation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generations, generation)
	return nil
}

func (s *memoryStore) Len(_ context.Context, generation string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.generations[generation])), nil
}

func (s *memoryStore) Close(_ context.Context) error {
	return nil
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := Snapshot{
		Status:   in.Status,
		StoredAt: in.StoredAt,
	}
	if len(in.Header) > 0 {
		out.Header = make(map[string][]string, len(in.Header))
		for k, values := range in.Header {
			copied := make([]string, len(values))
			copy(copied, values)
			out.Header[k] = copied
		}
	}
	if len(in.Body) > 0 {
		out.Body = make([]byte, len(in.Body))
		copy(out.Body, in.Body)
	}
	return out
}
