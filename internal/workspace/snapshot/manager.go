// Package snapshot compacts workspace event logs into materialized state
// snapshots, bounding replay cost. Snapshotting is an optimization: readers
// always fall back to full replay when no snapshot exists, and a failed
// snapshot attempt never affects the append that triggered it.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/notebase/engine/internal/crypto"
	"github.com/notebase/engine/internal/store/cache"
	"github.com/notebase/engine/internal/workspace/projector"
	"github.com/notebase/engine/internal/workspace/store"
	"github.com/notebase/engine/internal/workspace/types"
)

// DefaultThreshold is the number of events that must accumulate past the
// latest snapshot before a new one is materialized.
const DefaultThreshold = 500

// CacheKey returns the cache key for a workspace's latest snapshot.
func CacheKey(workspaceID string) string {
	return "notebase:snapshot:" + workspaceID
}

// Trigger requests snapshot evaluation for a workspace after a successful
// append. Implementations are fire-and-forget: Notify must not block the
// writer's response and must never surface an error to it.
type Trigger interface {
	Notify(ctx context.Context, workspaceID string)
}

// Manager decides whether a workspace is due for compaction and performs it.
// Safe for concurrent use; concurrent triggers for the same workspace at
// worst produce one redundant snapshot, which is harmless.
type Manager struct {
	events    store.EventStore
	snapshots store.SnapshotStore
	projector *projector.Projector
	threshold int64
	cache     cache.Cache // optional; latest-snapshot read cache
	logger    *slog.Logger
}

// ManagerConfig holds snapshot manager configuration.
type ManagerConfig struct {
	EventStore    store.EventStore
	SnapshotStore store.SnapshotStore
	Projector     *projector.Projector
	Threshold     int64
	Cache         cache.Cache
	Logger        *slog.Logger
}

// NewManager creates a snapshot manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Projector == nil {
		cfg.Projector = projector.New(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		events:    cfg.EventStore,
		snapshots: cfg.SnapshotStore,
		projector: cfg.Projector,
		threshold: cfg.Threshold,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
	}
}

// Materialize re-checks the threshold and, if due, folds the events past the
// latest snapshot into a new one. Returns whether a snapshot was created.
func (m *Manager) Materialize(ctx context.Context, workspaceID string) (bool, error) {
	baseVersion := int64(0)
	baseState := []byte(projector.EmptyState)

	latest, err := m.snapshots.Latest(ctx, workspaceID)
	switch {
	case err == nil:
		baseVersion = latest.Version
		baseState = latest.State
	case errors.Is(err, types.ErrSnapshotNotFound):
		// First compaction for this workspace.
	default:
		return false, fmt.Errorf("load latest snapshot: %w", err)
	}

	count, err := m.events.CountEventsAfter(ctx, workspaceID, baseVersion)
	if err != nil {
		return false, fmt.Errorf("count events: %w", err)
	}
	if count < m.threshold {
		return false, nil
	}

	state := baseState
	folded := int64(0)
	from := baseVersion

	// Bounded pagination: never loop past what the count promised, even if
	// the store's page semantics misbehave.
	maxPages := int(count/int64(store.PageSize)) + 2
	for page := 0; page < maxPages; page++ {
		events, err := m.events.ListEventsAfter(ctx, workspaceID, from, store.PageSize, 0)
		if err != nil {
			return false, fmt.Errorf("list events after %d: %w", from, err)
		}
		if len(events) == 0 {
			break
		}

		state, err = m.projector.Project(state, from, events)
		if err != nil {
			return false, fmt.Errorf("project events: %w", err)
		}

		folded += int64(len(events))
		from = events[len(events)-1].Version
		if len(events) < store.PageSize {
			break
		}
	}

	if folded == 0 {
		return false, nil
	}

	snap := &types.Snapshot{
		WorkspaceID: workspaceID,
		Version:     from,
		State:       state,
		EventCount:  folded,
		Checksum:    crypto.Checksum(state),
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.snapshots.Save(ctx, snap); err != nil {
		return false, fmt.Errorf("save snapshot: %w", err)
	}

	m.cacheLatest(ctx, snap)

	m.logger.Info("snapshot materialized",
		slog.String("workspace_id", workspaceID),
		slog.Int64("snapshot_version", snap.Version),
		slog.Int64("event_count", folded),
	)

	return true, nil
}

func (m *Manager) cacheLatest(ctx context.Context, snap *types.Snapshot) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, CacheKey(snap.WorkspaceID), data, 0); err != nil {
		m.logger.Warn("failed to cache snapshot",
			slog.String("workspace_id", snap.WorkspaceID),
			slog.String("error", err.Error()),
		)
	}
}
