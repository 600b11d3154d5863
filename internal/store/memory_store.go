package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe in-memory Store. It is used when no
// database path is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]Snapshot // region -> snapshots, oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]Snapshot)}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.Region] = append(s.data[snap.Region], snap)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, region string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.data[region]
	if len(history) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, region)
	}
	return history[len(history)-1], nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for region, history := range s.data {
		kept := history[:0]
		for i, snap := range history {
			if snap.FetchedAt.Before(cutoff) && i != len(history)-1 {
				removed++
				continue
			}
			kept = append(kept, snap)
		}
		s.data[region] = kept
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
