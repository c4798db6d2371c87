package store

import (
	"context"

	"github.com/notebase/engine/internal/workspace/types"
)

// PageSize is the fixed page size for event reads. Readers issue successive
// ascending pages until a short page signals exhaustion.
const PageSize = 1000

// MaxConflictTail caps the unpaged suffix returned on conflict. A rebase
// needs the complete suffix, so the tail is not paginated, but beyond this
// many events the caller must re-read through the paginated path instead.
const MaxConflictTail = 10000

// EventStore is the durable, append-only store of workspace events. Append
// is the concurrency-control point: the version check and insert execute as
// one indivisible unit against the store.
type EventStore interface {
	// Append attempts to append ev with the caller's expected base version.
	// Re-submitting an already-appended event ID returns the original
	// version with no new entry. A stale base version returns the current
	// head with Conflict set and inserts nothing.
	Append(ctx context.Context, workspaceID string, ev *types.Event, baseVersion int64) (types.AppendResult, error)

	// ListEventsAfter returns up to limit events with version > afterVersion,
	// ascending by version, skipping offset rows.
	ListEventsAfter(ctx context.Context, workspaceID string, afterVersion int64, limit, offset int) ([]*types.Event, error)

	// CountEventsAfter returns the number of events with version > afterVersion.
	CountEventsAfter(ctx context.Context, workspaceID string, afterVersion int64) (int64, error)

	// EventsSinceBase returns every event with version > baseVersion,
	// regardless of page size; used strictly for conflict reporting.
	// Returns types.ErrConflictTailTooLarge past MaxConflictTail events.
	EventsSinceBase(ctx context.Context, workspaceID string, baseVersion int64) ([]*types.Event, error)

	// HeadVersion returns the highest assigned version, 0 for an empty log.
	HeadVersion(ctx context.Context, workspaceID string) (int64, error)

	// DeleteWorkspace removes the whole log. Only valid as part of a
	// cascading workspace deletion; events are otherwise immutable.
	DeleteWorkspace(ctx context.Context, workspaceID string) error
}

// SnapshotStore persists materialized state snapshots. Snapshots are an
// optimization: absence is always safe and readers fall back to full replay.
type SnapshotStore interface {
	Save(ctx context.Context, snap *types.Snapshot) error

	// Latest returns the snapshot with the highest version, or
	// types.ErrSnapshotNotFound.
	Latest(ctx context.Context, workspaceID string) (*types.Snapshot, error)

	// LatestAtOrBefore returns the newest snapshot with version <= version,
	// or types.ErrSnapshotNotFound. Used for historical reconstruction.
	LatestAtOrBefore(ctx context.Context, workspaceID string, version int64) (*types.Snapshot, error)

	DeleteWorkspace(ctx context.Context, workspaceID string) error
}
