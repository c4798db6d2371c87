// Package workspace implements the workspace event-sourcing engine: an
// append-only per-workspace event log with optimistic concurrency control,
// periodic snapshot compaction, and historical reconstruction. Authorization
// is performed upstream; the engine trusts the verified actor it is handed.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notebase/engine/internal/store/cache"
	"github.com/notebase/engine/internal/workspace/projector"
	"github.com/notebase/engine/internal/workspace/snapshot"
	"github.com/notebase/engine/internal/workspace/store"
	"github.com/notebase/engine/internal/workspace/types"
)

var (
	ErrServiceNotRunning     = errors.New("workspace service is not running")
	ErrServiceAlreadyRunning = errors.New("workspace service is already running")
)

// Metrics provides hooks for observability.
type Metrics interface {
	RecordAppend(conflict bool)
	RecordRevert()
	RecordReadLatency(operation string, duration time.Duration)
}

// noopMetrics is a no-op implementation of Metrics.
type noopMetrics struct{}

func (noopMetrics) RecordAppend(bool)                      {}
func (noopMetrics) RecordRevert()                          {}
func (noopMetrics) RecordReadLatency(string, time.Duration) {}

// Actor identifies the verified user performing an operation.
type Actor struct {
	ID   string
	Name string
}

// AppendOutcome is the full result of an append attempt. On conflict,
// CurrentEvents holds every event appended since the caller's base version
// so it can rebase locally and resubmit.
type AppendOutcome struct {
	Result        types.AppendResult
	CurrentEvents []*types.Event
}

// View is the read-path result: the latest snapshot (if any) plus only the
// events after it, and the workspace's current head version.
type View struct {
	Events   []*types.Event
	Version  int64
	Snapshot *types.Snapshot
}

// Service orchestrates the event store, snapshot manager, and projector.
type Service struct {
	events    store.EventStore
	snapshots store.SnapshotStore
	projector *projector.Projector
	trigger   snapshot.Trigger
	cache     cache.Cache
	metrics   Metrics
	logger    *slog.Logger

	running bool
	mu      sync.RWMutex
}

// Config holds configuration for the workspace service.
type Config struct {
	EventStore    store.EventStore
	SnapshotStore store.SnapshotStore
	Projector     *projector.Projector
	Trigger       snapshot.Trigger
	Cache         cache.Cache
	Metrics       Metrics
	Logger        *slog.Logger
}

// NewService creates a workspace service.
func NewService(cfg Config) *Service {
	if cfg.Projector == nil {
		cfg.Projector = projector.New(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		events:    cfg.EventStore,
		snapshots: cfg.SnapshotStore,
		projector: cfg.Projector,
		trigger:   cfg.Trigger,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServiceAlreadyRunning
	}

	s.logger.Info("starting workspace service")
	s.running = true
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("stopping workspace service")
	s.running = false
	return nil
}

func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// AppendEvent validates and appends an event with optimistic concurrency
// control. Conflicts are routine, not errors: the outcome carries the full
// conflicting tail for the caller to rebase on. On success a snapshot
// trigger is dispatched fire-and-forget.
func (s *Service) AppendEvent(ctx context.Context, workspaceID string, ev *types.Event, baseVersion int64) (*AppendOutcome, error) {
	if !s.IsRunning() {
		return nil, ErrServiceNotRunning
	}
	if err := types.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	if err := types.ValidateEvent(ev); err != nil {
		return nil, err
	}
	if baseVersion < 0 {
		return nil, &types.ValidationError{Field: "base_version", Reason: "must be non-negative"}
	}

	result, err := s.events.Append(ctx, workspaceID, ev, baseVersion)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAppend(result.Conflict)

	outcome := &AppendOutcome{Result: result}
	if result.Conflict {
		tail, err := s.events.EventsSinceBase(ctx, workspaceID, baseVersion)
		if err != nil {
			return nil, err
		}
		outcome.CurrentEvents = tail
		return outcome, nil
	}

	if s.trigger != nil {
		// Decoupled from the request: the trigger outlives this call and
		// its failure never reaches the writer.
		s.trigger.Notify(context.WithoutCancel(ctx), workspaceID)
	}

	s.logger.Debug("event appended",
		slog.String("workspace_id", workspaceID),
		slog.String("event_id", ev.EventID),
		slog.String("type", ev.Type),
		slog.Int64("version", result.Version),
	)

	return outcome, nil
}

// GetWorkspace returns the latest snapshot plus only the events after it.
// An empty workspace is not an error: version 0, no events, no snapshot.
func (s *Service) GetWorkspace(ctx context.Context, workspaceID string) (*View, error) {
	if !s.IsRunning() {
		return nil, ErrServiceNotRunning
	}
	if err := types.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordReadLatency("GetWorkspace", time.Since(start))
	}()

	snap, err := s.latestSnapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	after := int64(0)
	if snap != nil {
		after = snap.Version
	}

	events, err := s.collectEventsAfter(ctx, workspaceID, after)
	if err != nil {
		return nil, err
	}

	version := after
	if len(events) > 0 {
		version = events[len(events)-1].Version
	}

	return &View{Events: events, Version: version, Snapshot: snap}, nil
}

// StateAt reconstructs workspace state as of an arbitrary past version,
// using the nearest snapshot at or before it plus the remaining events.
func (s *Service) StateAt(ctx context.Context, workspaceID string, version int64) (json.RawMessage, error) {
	if !s.IsRunning() {
		return nil, ErrServiceNotRunning
	}
	if err := types.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	if version < 0 {
		return nil, &types.ValidationError{Field: "version", Reason: "must be non-negative"}
	}
	if version == 0 {
		return append(json.RawMessage(nil), projector.EmptyState...), nil
	}

	head, err := s.events.HeadVersion(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if version > head {
		return nil, &types.ValidationError{Field: "version", Reason: fmt.Sprintf("beyond head version %d", head)}
	}

	baseVersion := int64(0)
	baseState := []byte(projector.EmptyState)

	snap, err := s.snapshots.LatestAtOrBefore(ctx, workspaceID, version)
	switch {
	case err == nil:
		baseVersion = snap.Version
		baseState = snap.State
	case errors.Is(err, types.ErrSnapshotNotFound):
		// Full replay from version 0.
	default:
		return nil, err
	}

	events, err := s.collectEventsBetween(ctx, workspaceID, baseVersion, version)
	if err != nil {
		return nil, err
	}

	return s.projector.Project(baseState, baseVersion, events)
}

// RevertToVersion reconstructs state at targetVersion and re-enters it into
// the log as a new forward-moving event with the current head as base. It
// never mutates history, and it participates in the same conflict-detection
// path as any other write: a concurrent append makes the revert conflict.
func (s *Service) RevertToVersion(ctx context.Context, workspaceID string, targetVersion int64, actor Actor) (*AppendOutcome, error) {
	if !s.IsRunning() {
		return nil, ErrServiceNotRunning
	}
	if err := types.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	if targetVersion < 0 {
		return nil, &types.ValidationError{Field: "target_version", Reason: "must be non-negative"}
	}
	if actor.ID == "" {
		return nil, &types.ValidationError{Field: "actor_id", Reason: "required"}
	}

	head, err := s.events.HeadVersion(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if targetVersion > head {
		return nil, &types.ValidationError{Field: "target_version", Reason: fmt.Sprintf("beyond head version %d", head)}
	}

	state, err := s.StateAt(ctx, workspaceID, targetVersion)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(struct {
		TargetVersion int64           `json:"target_version"`
		State         json.RawMessage `json:"state"`
	}{TargetVersion: targetVersion, State: state})
	if err != nil {
		return nil, fmt.Errorf("marshal revert payload: %w", err)
	}

	ev := &types.Event{
		EventID:   uuid.NewString(),
		Type:      types.EventTypeReverted,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		ActorID:   actor.ID,
		ActorName: actor.Name,
	}

	outcome, err := s.AppendEvent(ctx, workspaceID, ev, head)
	if err != nil {
		return nil, err
	}
	if !outcome.Result.Conflict {
		s.metrics.RecordRevert()
		s.logger.Info("workspace reverted",
			slog.String("workspace_id", workspaceID),
			slog.Int64("target_version", targetVersion),
			slog.Int64("new_version", outcome.Result.Version),
			slog.String("actor_id", actor.ID),
		)
	}
	return outcome, nil
}

// DeleteWorkspace removes a workspace's log, snapshots, and cache entry.
// Only called as part of cascading workspace deletion.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	if !s.IsRunning() {
		return ErrServiceNotRunning
	}
	if err := types.ValidateWorkspaceID(workspaceID); err != nil {
		return err
	}

	if err := s.events.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	if err := s.snapshots.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Delete(ctx, snapshot.CacheKey(workspaceID))
	}

	s.logger.Info("workspace deleted", slog.String("workspace_id", workspaceID))
	return nil
}

// latestSnapshot reads through the cache, falling back to the store. A nil
// snapshot with nil error means the workspace has never been compacted.
func (s *Service) latestSnapshot(ctx context.Context, workspaceID string) (*types.Snapshot, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, snapshot.CacheKey(workspaceID)); err == nil {
			var snap types.Snapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return &snap, nil
			}
			// Corrupt cache entry: drop it and fall through to the store.
			s.cache.Delete(ctx, snapshot.CacheKey(workspaceID))
		}
	}

	snap, err := s.snapshots.Latest(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, types.ErrSnapshotNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(snap); err == nil {
			s.cache.Set(ctx, snapshot.CacheKey(workspaceID), data, 0)
		}
	}
	return snap, nil
}

// collectEventsAfter pages through all events with version > after. The
// loop is bounded by the count so misbehaving page semantics cannot cause
// unbounded polling.
func (s *Service) collectEventsAfter(ctx context.Context, workspaceID string, after int64) ([]*types.Event, error) {
	count, err := s.events.CountEventsAfter(ctx, workspaceID, after)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if count <= store.PageSize {
		return s.events.ListEventsAfter(ctx, workspaceID, after, store.PageSize, 0)
	}

	var all []*types.Event
	cursor := after
	maxPages := int(count/int64(store.PageSize)) + 2
	for page := 0; page < maxPages; page++ {
		events, err := s.events.ListEventsAfter(ctx, workspaceID, cursor, store.PageSize, 0)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		all = append(all, events...)
		cursor = events[len(events)-1].Version
		if len(events) < store.PageSize {
			break
		}
	}
	return all, nil
}

// collectEventsBetween pages through events with after < version <= upTo.
// Versions are dense, so upTo-after bounds the scan: a reconstruction of an
// early version never reads the rest of a long log.
func (s *Service) collectEventsBetween(ctx context.Context, workspaceID string, after, upTo int64) ([]*types.Event, error) {
	if upTo <= after {
		return nil, nil
	}

	var all []*types.Event
	cursor := after
	maxPages := int((upTo-after)/int64(store.PageSize)) + 2
	for page := 0; page < maxPages && cursor < upTo; page++ {
		limit := store.PageSize
		if remaining := upTo - cursor; remaining < int64(limit) {
			limit = int(remaining)
		}
		events, err := s.events.ListEventsAfter(ctx, workspaceID, cursor, limit, 0)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			if ev.Version > upTo {
				return all, nil
			}
			all = append(all, ev)
		}
		cursor = events[len(events)-1].Version
		if len(events) < limit {
			break
		}
	}
	return all, nil
}
