package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notebase/engine/internal/workspace/types"
)

// MemoryEventStore is a mutex-guarded in-process EventStore with the same
// semantics as the Postgres implementation. Used by tests and local
// development; the single mutex stands in for the store transaction.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]*types.Event // workspaceID -> log ordered by version
	byID   map[string]*types.Event   // eventID -> event (global uniqueness)
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string][]*types.Event),
		byID:   make(map[string]*types.Event),
	}
}

func (s *MemoryEventStore) Append(ctx context.Context, workspaceID string, ev *types.Event, baseVersion int64) (types.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[ev.EventID]; ok {
		if existing.WorkspaceID != workspaceID {
			return types.AppendResult{}, types.ErrDuplicateEventID
		}
		return types.AppendResult{Version: existing.Version}, nil
	}

	log := s.events[workspaceID]
	var currentVersion int64
	if len(log) > 0 {
		currentVersion = log[len(log)-1].Version
	}

	if currentVersion != baseVersion {
		return types.AppendResult{Version: currentVersion, Conflict: true}, nil
	}

	stored := ev.Clone()
	stored.WorkspaceID = workspaceID
	stored.Version = currentVersion + 1
	s.events[workspaceID] = append(log, stored)
	s.byID[stored.EventID] = stored

	return types.AppendResult{Version: stored.Version}, nil
}

func (s *MemoryEventStore) ListEventsAfter(ctx context.Context, workspaceID string, afterVersion int64, limit, offset int) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = PageSize
	}

	tail := s.tailLocked(workspaceID, afterVersion)
	if offset >= len(tail) {
		return nil, nil
	}
	tail = tail[offset:]
	if len(tail) > limit {
		tail = tail[:limit]
	}

	out := make([]*types.Event, len(tail))
	for i, e := range tail {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *MemoryEventStore) CountEventsAfter(ctx context.Context, workspaceID string, afterVersion int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tailLocked(workspaceID, afterVersion))), nil
}

func (s *MemoryEventStore) EventsSinceBase(ctx context.Context, workspaceID string, baseVersion int64) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tail := s.tailLocked(workspaceID, baseVersion)
	if len(tail) > MaxConflictTail {
		return nil, types.ErrConflictTailTooLarge
	}
	out := make([]*types.Event, len(tail))
	for i, e := range tail {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *MemoryEventStore) HeadVersion(ctx context.Context, workspaceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[workspaceID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Version, nil
}

func (s *MemoryEventStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events[workspaceID] {
		delete(s.byID, e.EventID)
	}
	delete(s.events, workspaceID)
	return nil
}

// tailLocked returns the live slice of events with version > after.
// Caller holds at least the read lock.
func (s *MemoryEventStore) tailLocked(workspaceID string, after int64) []*types.Event {
	log := s.events[workspaceID]
	// Versions are dense starting at 1, so the tail starts at index `after`.
	idx := sort.Search(len(log), func(i int) bool { return log[i].Version > after })
	return log[idx:]
}

// MemorySnapshotStore is an in-process SnapshotStore.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]*types.Snapshot // workspaceID -> ascending by version
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string][]*types.Snapshot),
	}
}

func (s *MemorySnapshotStore) Save(ctx context.Context, snap *types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *snap
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.State = append([]byte(nil), snap.State...)

	list := s.snapshots[snap.WorkspaceID]
	for _, existing := range list {
		if existing.Version == snap.Version {
			// Concurrent triggers may produce the same snapshot; keep the first.
			return nil
		}
	}
	list = append(list, &stored)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	s.snapshots[snap.WorkspaceID] = list
	return nil
}

func (s *MemorySnapshotStore) Latest(ctx context.Context, workspaceID string) (*types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[workspaceID]
	if len(list) == 0 {
		return nil, types.ErrSnapshotNotFound
	}
	return cloneSnapshot(list[len(list)-1]), nil
}

func (s *MemorySnapshotStore) LatestAtOrBefore(ctx context.Context, workspaceID string, version int64) (*types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[workspaceID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Version <= version {
			return cloneSnapshot(list[i]), nil
		}
	}
	return nil, types.ErrSnapshotNotFound
}

func (s *MemorySnapshotStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, workspaceID)
	return nil
}

func cloneSnapshot(snap *types.Snapshot) *types.Snapshot {
	c := *snap
	c.State = append([]byte(nil), snap.State...)
	return &c
}
