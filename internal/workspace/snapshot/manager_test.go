package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/notebase/engine/internal/store/cache"
	"github.com/notebase/engine/internal/workspace/projector"
	"github.com/notebase/engine/internal/workspace/store"
	"github.com/notebase/engine/internal/workspace/types"
)

func fillEvents(t *testing.T, s store.EventStore, workspaceID string, n int) {
	t.Helper()
	ctx := context.Background()
	head, err := s.HeadVersion(ctx, workspaceID)
	if err != nil {
		t.Fatalf("HeadVersion failed: %v", err)
	}
	for i := 0; i < n; i++ {
		version := head + int64(i) + 1
		payload, _ := json.Marshal(map[string]string{"id": fmt.Sprintf("n%d", version), "text": "x"})
		ev := &types.Event{
			EventID:   fmt.Sprintf("%s-ev-%d", workspaceID, version),
			Type:      "note.updated",
			Payload:   payload,
			Timestamp: 1700000000000,
			ActorID:   "user-1",
		}
		result, err := s.Append(ctx, workspaceID, ev, version-1)
		if err != nil || result.Conflict {
			t.Fatalf("append %d failed: result=%+v err=%v", version, result, err)
		}
	}
}

func newTestManager(t *testing.T, threshold int64) (*Manager, *store.MemoryEventStore, *store.MemorySnapshotStore, *cache.LRU) {
	t.Helper()
	events := store.NewMemoryEventStore()
	snapshots := store.NewMemorySnapshotStore()
	c := cache.NewLRU(16)
	m := NewManager(ManagerConfig{
		EventStore:    events,
		SnapshotStore: snapshots,
		Projector:     projector.New(nil),
		Threshold:     threshold,
		Cache:         c,
	})
	return m, events, snapshots, c
}

func TestMaterializeBelowThresholdIsNoop(t *testing.T) {
	m, events, snapshots, _ := newTestManager(t, 10)
	fillEvents(t, events, "ws-1", 9)

	created, err := m.Materialize(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if created {
		t.Error("snapshot created below threshold")
	}
	if _, err := snapshots.Latest(context.Background(), "ws-1"); err == nil {
		t.Error("snapshot exists below threshold")
	}
}

func TestMaterializeAtThreshold(t *testing.T) {
	m, events, snapshots, c := newTestManager(t, 10)
	fillEvents(t, events, "ws-1", 12)

	created, err := m.Materialize(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if !created {
		t.Fatal("expected snapshot to be created")
	}

	snap, err := snapshots.Latest(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if snap.Version != 12 {
		t.Errorf("snapshot version = %d, want 12", snap.Version)
	}
	if snap.EventCount != 12 {
		t.Errorf("event count = %d, want 12", snap.EventCount)
	}
	if len(snap.Checksum) == 0 {
		t.Error("snapshot has no checksum")
	}

	// The read cache holds the fresh snapshot.
	if _, err := c.Get(context.Background(), CacheKey("ws-1")); err != nil {
		t.Errorf("cache miss after materialize: %v", err)
	}
}

func TestMaterializeIncremental(t *testing.T) {
	m, events, snapshots, _ := newTestManager(t, 10)
	ctx := context.Background()

	fillEvents(t, events, "ws-1", 10)
	if created, err := m.Materialize(ctx, "ws-1"); err != nil || !created {
		t.Fatalf("first materialize: created=%v err=%v", created, err)
	}

	// Nine more events: below threshold relative to the new snapshot.
	fillEvents(t, events, "ws-1", 9)
	if created, err := m.Materialize(ctx, "ws-1"); err != nil || created {
		t.Fatalf("premature second materialize: created=%v err=%v", created, err)
	}

	fillEvents(t, events, "ws-1", 1)
	if created, err := m.Materialize(ctx, "ws-1"); err != nil || !created {
		t.Fatalf("second materialize: created=%v err=%v", created, err)
	}

	snap, err := snapshots.Latest(ctx, "ws-1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if snap.Version != 20 {
		t.Errorf("snapshot version = %d, want 20", snap.Version)
	}
}

func TestMaterializeMatchesFullReplay(t *testing.T) {
	m, events, _, _ := newTestManager(t, 5)
	ctx := context.Background()

	fillEvents(t, events, "ws-1", 5)
	if _, err := m.Materialize(ctx, "ws-1"); err != nil {
		t.Fatalf("first materialize failed: %v", err)
	}
	fillEvents(t, events, "ws-1", 5)
	if _, err := m.Materialize(ctx, "ws-1"); err != nil {
		t.Fatalf("second materialize failed: %v", err)
	}

	latest, err := m.snapshots.Latest(ctx, "ws-1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}

	all, err := events.ListEventsAfter(ctx, "ws-1", 0, 100, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter failed: %v", err)
	}
	full, err := projector.New(nil).Project(nil, 0, all)
	if err != nil {
		t.Fatalf("full replay failed: %v", err)
	}

	if string(latest.State) != string(full) {
		t.Errorf("incremental snapshot diverged from full replay:\nsnap: %s\nfull: %s", latest.State, full)
	}
}

func TestWorkerMaterializesOnNotify(t *testing.T) {
	m, events, snapshots, _ := newTestManager(t, 5)
	fillEvents(t, events, "ws-1", 6)

	w := NewWorker(WorkerConfig{Manager: m, Workers: 1, Capacity: 8})
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop(ctx)

	w.Notify(ctx, "ws-1")

	deadline := time.After(2 * time.Second)
	for {
		if snap, err := snapshots.Latest(ctx, "ws-1"); err == nil {
			if snap.Version != 6 {
				t.Errorf("snapshot version = %d, want 6", snap.Version)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("snapshot not materialized within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerDropsWhenFull(t *testing.T) {
	m, _, _, _ := newTestManager(t, 5)

	// Never started: the channel only fills.
	w := NewWorker(WorkerConfig{Manager: m, Workers: 1, Capacity: 2})
	ctx := context.Background()

	// Must not block even past capacity.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			w.Notify(ctx, fmt.Sprintf("ws-%d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on full queue")
	}
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	p := DefaultRetryPolicy()

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		if d <= 0 {
			t.Errorf("attempt %d: backoff %v not positive", attempt, d)
		}
		// Jitter stays within 20% of the capped exponential interval.
		if d > time.Duration(float64(p.MaximumInterval)*1.2) {
			t.Errorf("attempt %d: backoff %v exceeds maximum", attempt, d)
		}
	}
}
