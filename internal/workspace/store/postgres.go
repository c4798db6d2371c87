package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notebase/engine/internal/crypto"
	"github.com/notebase/engine/internal/workspace/types"
)

const pgUniqueViolation = "23505"

// PostgresEventStore implements EventStore using PostgreSQL. The append
// algorithm runs inside a single transaction holding a per-workspace
// advisory lock, so the version check and insert are one indivisible unit;
// the unique (workspace_id, version) index is the backstop if two
// transactions ever race past the lock.
type PostgresEventStore struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
// encryptor may be nil, in which case payloads are stored in the clear.
func NewPostgresEventStore(pool *pgxpool.Pool, encryptor *crypto.Encryptor) *PostgresEventStore {
	return &PostgresEventStore{
		pool:      pool,
		encryptor: encryptor,
	}
}

// Append implements the atomic version-check-and-insert. See EventStore.
func (s *PostgresEventStore) Append(
	ctx context.Context,
	workspaceID string,
	ev *types.Event,
	baseVersion int64,
) (types.AppendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.AppendResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize appends for this workspace. Released at commit/rollback.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, workspaceID,
	); err != nil {
		return types.AppendResult{}, fmt.Errorf("failed to lock workspace log: %w", err)
	}

	// Idempotency under network retries: a re-submitted event ID returns
	// the original version without inserting anything.
	var existingWorkspace string
	var existingVersion int64
	err = tx.QueryRow(ctx, `
		SELECT workspace_id, version
		FROM workspace_events
		WHERE event_id = $1
	`, ev.EventID).Scan(&existingWorkspace, &existingVersion)
	switch {
	case err == nil:
		if existingWorkspace != workspaceID {
			return types.AppendResult{}, types.ErrDuplicateEventID
		}
		return types.AppendResult{Version: existingVersion}, nil
	case errors.Is(err, pgx.ErrNoRows):
		// New event, continue.
	default:
		return types.AppendResult{}, fmt.Errorf("failed to check event ID: %w", err)
	}

	var currentVersion int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM workspace_events
		WHERE workspace_id = $1
	`, workspaceID).Scan(&currentVersion)
	if err != nil {
		return types.AppendResult{}, fmt.Errorf("failed to read head version: %w", err)
	}

	if currentVersion != baseVersion {
		return types.AppendResult{Version: currentVersion, Conflict: true}, nil
	}

	payload := []byte(ev.Payload)
	encrypted := false
	if s.encryptor != nil {
		payload, err = s.encryptor.Seal(payload, ev.EventID)
		if err != nil {
			return types.AppendResult{}, fmt.Errorf("failed to seal payload: %w", err)
		}
		encrypted = true
	}

	newVersion := currentVersion + 1
	_, err = tx.Exec(ctx, `
		INSERT INTO workspace_events (
			workspace_id, version, event_id, event_type,
			payload, encrypted, client_ts, actor_id, actor_name
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		workspaceID,
		newVersion,
		ev.EventID,
		ev.Type,
		payload,
		encrypted,
		ev.Timestamp,
		ev.ActorID,
		ev.ActorName,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Another writer claimed the version slot between our check and
			// insert. Report it as a conflict carrying the current head; the
			// failed insert aborted our transaction, so read it on a fresh
			// connection.
			head, headErr := s.HeadVersion(ctx, workspaceID)
			if headErr != nil {
				return types.AppendResult{}, headErr
			}
			return types.AppendResult{Version: head, Conflict: true}, nil
		}
		return types.AppendResult{}, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return types.AppendResult{}, fmt.Errorf("failed to commit append: %w", err)
	}

	return types.AppendResult{Version: newVersion}, nil
}

// ListEventsAfter returns one page of events after afterVersion.
func (s *PostgresEventStore) ListEventsAfter(
	ctx context.Context,
	workspaceID string,
	afterVersion int64,
	limit, offset int,
) ([]*types.Event, error) {
	if limit <= 0 {
		limit = PageSize
	}
	rows, err := s.pool.Query(ctx, `
		SELECT workspace_id, version, event_id, event_type,
		       payload, encrypted, client_ts, actor_id, actor_name
		FROM workspace_events
		WHERE workspace_id = $1 AND version > $2
		ORDER BY version ASC
		LIMIT $3 OFFSET $4
	`, workspaceID, afterVersion, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

// CountEventsAfter returns the number of events after afterVersion.
func (s *PostgresEventStore) CountEventsAfter(ctx context.Context, workspaceID string, afterVersion int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM workspace_events
		WHERE workspace_id = $1 AND version > $2
	`, workspaceID, afterVersion).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// EventsSinceBase returns the full unpaged suffix after baseVersion for
// conflict reporting, capped at MaxConflictTail.
func (s *PostgresEventStore) EventsSinceBase(ctx context.Context, workspaceID string, baseVersion int64) ([]*types.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workspace_id, version, event_id, event_type,
		       payload, encrypted, client_ts, actor_id, actor_name
		FROM workspace_events
		WHERE workspace_id = $1 AND version > $2
		ORDER BY version ASC
		LIMIT $3
	`, workspaceID, baseVersion, MaxConflictTail+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict tail: %w", err)
	}
	defer rows.Close()

	events, err := s.scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) > MaxConflictTail {
		return nil, types.ErrConflictTailTooLarge
	}
	return events, nil
}

// HeadVersion returns the highest assigned version, 0 for an empty log.
func (s *PostgresEventStore) HeadVersion(ctx context.Context, workspaceID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM workspace_events
		WHERE workspace_id = $1
	`, workspaceID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get head version: %w", err)
	}
	return version, nil
}

// DeleteWorkspace removes all events for a workspace (cascading deletion only).
func (s *PostgresEventStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM workspace_events
		WHERE workspace_id = $1
	`, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete workspace events: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) scanEvents(rows pgx.Rows) ([]*types.Event, error) {
	var events []*types.Event
	for rows.Next() {
		var ev types.Event
		var payload []byte
		var encrypted bool

		if err := rows.Scan(
			&ev.WorkspaceID, &ev.Version, &ev.EventID, &ev.Type,
			&payload, &encrypted, &ev.Timestamp, &ev.ActorID, &ev.ActorName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if encrypted {
			if s.encryptor == nil {
				return nil, fmt.Errorf("event %s: payload is encrypted but no key is configured", ev.EventID)
			}
			opened, err := s.encryptor.Open(payload, ev.EventID)
			if err != nil {
				return nil, fmt.Errorf("event %s: %w", ev.EventID, err)
			}
			payload = opened
		}
		ev.Payload = payload

		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// PostgresSnapshotStore implements SnapshotStore using PostgreSQL.
type PostgresSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSnapshotStore creates a new PostgreSQL-backed snapshot store.
func NewPostgresSnapshotStore(pool *pgxpool.Pool) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{pool: pool}
}

// Save persists a snapshot. A duplicate (workspace, version) write from a
// concurrent trigger is harmless and ignored.
func (s *PostgresSnapshotStore) Save(ctx context.Context, snap *types.Snapshot) error {
	checksum := snap.Checksum
	if checksum == nil {
		checksum = crypto.Checksum(snap.State)
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_snapshots (
			workspace_id, snapshot_version, state, event_count, checksum, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace_id, snapshot_version) DO NOTHING
	`, snap.WorkspaceID, snap.Version, []byte(snap.State), snap.EventCount, checksum, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Latest returns the snapshot with the highest version.
func (s *PostgresSnapshotStore) Latest(ctx context.Context, workspaceID string) (*types.Snapshot, error) {
	return s.queryOne(ctx, `
		SELECT workspace_id, snapshot_version, state, event_count, checksum, created_at
		FROM workspace_snapshots
		WHERE workspace_id = $1
		ORDER BY snapshot_version DESC
		LIMIT 1
	`, workspaceID)
}

// LatestAtOrBefore returns the newest snapshot not past version.
func (s *PostgresSnapshotStore) LatestAtOrBefore(ctx context.Context, workspaceID string, version int64) (*types.Snapshot, error) {
	return s.queryOne(ctx, `
		SELECT workspace_id, snapshot_version, state, event_count, checksum, created_at
		FROM workspace_snapshots
		WHERE workspace_id = $1 AND snapshot_version <= $2
		ORDER BY snapshot_version DESC
		LIMIT 1
	`, workspaceID, version)
}

// DeleteWorkspace removes all snapshots for a workspace.
func (s *PostgresSnapshotStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM workspace_snapshots
		WHERE workspace_id = $1
	`, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete workspace snapshots: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) queryOne(ctx context.Context, sql string, args ...any) (*types.Snapshot, error) {
	var snap types.Snapshot
	var state []byte
	err := s.pool.QueryRow(ctx, sql, args...).Scan(
		&snap.WorkspaceID, &snap.Version, &state,
		&snap.EventCount, &snap.Checksum, &snap.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	snap.State = state

	if len(snap.Checksum) > 0 {
		if subtle.ConstantTimeCompare(snap.Checksum, crypto.Checksum(state)) != 1 {
			return nil, fmt.Errorf("snapshot %s@%d: checksum mismatch", snap.WorkspaceID, snap.Version)
		}
	}

	return &snap, nil
}
