package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps encoded snapshots in memory. It is meant for tests and
// throwaway runs.
type MemoryStore struct {
	mu   sync.RWMutex
	sims map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sims: make(map[string][]byte)}
}

// Load decodes a fresh copy of the stored snapshot.
func (s *MemoryStore) Load(ctx context.Context, sim string) (*Snapshot, error) {
	s.mu.RLock()
	data, ok := s.sims[sim]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", sim, ErrNotFound)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", sim, err)
	}
	snap.normalize(sim)
	return &snap, nil
}

// Save stores an encoded copy of snap.
func (s *MemoryStore) Save(ctx context.Context, sim string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", sim, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sims[sim] = data
	return nil
}

// Delete removes sim.
func (s *MemoryStore) Delete(ctx context.Context, sim string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sims, sim)
	return nil
}

// Exists reports whether sim is stored.
func (s *MemoryStore) Exists(ctx context.Context, sim string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sims[sim]
	return ok, nil
}

// List returns the meta of every stored simulation.
func (s *MemoryStore) List(ctx context.Context) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]Meta, 0, len(s.sims))
	for sim, data := range s.sims {
		var snap struct{ Meta Meta }
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", sim, err)
		}
		if snap.Meta.SimCode == "" {
			snap.Meta.SimCode = sim
		}
		metas = append(metas, snap.Meta)
	}
	sortMetas(metas)
	return metas, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
