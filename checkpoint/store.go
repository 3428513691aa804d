// Package checkpoint persists execution snapshots so interrupted tasks
// can be restored. Backends are optional adapters behind the execution
// checkpoint hook; memory, Redis, and SQLite stores are provided.
package checkpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/taskloom/loom/execution"
)

// ErrNotFound is returned when a task has no stored snapshot.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists one snapshot per task; saving again replaces the
// previous snapshot.
type Store interface {
	// Save persists the snapshot for its task.
	Save(ctx context.Context, snap *execution.Snapshot) error

	// LoadLatest returns the most recently saved snapshot of a task.
	LoadLatest(ctx context.Context, taskID string) (*execution.Snapshot, error)

	// Delete removes a task's snapshots.
	Delete(ctx context.Context, taskID string) error
}

// StoreHook adapts a store to the execution checkpoint hook.
func StoreHook(store Store) execution.CheckpointHook {
	return func(ctx context.Context, snap *execution.Snapshot) error {
		return store.Save(ctx, snap)
	}
}

// MemoryStore keeps snapshots in process memory. Intended for tests
// and single-run tools.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*execution.Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*execution.Snapshot)}
}

func (s *MemoryStore) Save(_ context.Context, snap *execution.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.TaskID] = snap
	return nil
}

func (s *MemoryStore) LoadLatest(_ context.Context, taskID string) (*execution.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, taskID)
	return nil
}
