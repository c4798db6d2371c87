package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/notebase/engine/internal/workspace/types"
)

func newTestEvent(eventID string) *types.Event {
	return &types.Event{
		EventID:   eventID,
		Type:      "note.updated",
		Payload:   json.RawMessage(`{"id":"n1","text":"hello"}`),
		Timestamp: 1700000000000,
		ActorID:   "user-1",
		ActorName: "Alice",
	}
}

func mustAppend(t *testing.T, s EventStore, workspaceID string, ev *types.Event, base int64) types.AppendResult {
	t.Helper()
	result, err := s.Append(context.Background(), workspaceID, ev, base)
	if err != nil {
		t.Fatalf("Append(%s, base=%d) failed: %v", ev.EventID, base, err)
	}
	return result
}

func TestAppendAssignsDenseVersions(t *testing.T) {
	s := NewMemoryEventStore()

	for i := 1; i <= 5; i++ {
		result := mustAppend(t, s, "ws-1", newTestEvent(fmt.Sprintf("ev-%d", i)), int64(i-1))
		if result.Conflict {
			t.Fatalf("append %d reported conflict", i)
		}
		if result.Version != int64(i) {
			t.Errorf("append %d: version = %d, want %d", i, result.Version, i)
		}
	}

	head, err := s.HeadVersion(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("HeadVersion failed: %v", err)
	}
	if head != 5 {
		t.Errorf("head = %d, want 5", head)
	}
}

func TestAppendConflictOnStaleBase(t *testing.T) {
	s := NewMemoryEventStore()

	mustAppend(t, s, "ws-1", newTestEvent("ev-1"), 0)
	mustAppend(t, s, "ws-1", newTestEvent("ev-2"), 1)

	// Base version 1 is stale: head is already 2.
	result := mustAppend(t, s, "ws-1", newTestEvent("ev-3"), 1)
	if !result.Conflict {
		t.Fatal("expected conflict on stale base version")
	}
	if result.Version != 2 {
		t.Errorf("conflict version = %d, want head 2", result.Version)
	}

	// Nothing was inserted.
	head, _ := s.HeadVersion(context.Background(), "ws-1")
	if head != 2 {
		t.Errorf("head after conflict = %d, want 2", head)
	}
}

func TestAppendIdempotentRetry(t *testing.T) {
	s := NewMemoryEventStore()

	ev := newTestEvent("ev-1")
	first := mustAppend(t, s, "ws-1", ev, 0)

	// Retrying the same event ID returns the original version, no conflict,
	// regardless of the base version supplied.
	retry := mustAppend(t, s, "ws-1", ev.Clone(), 7)
	if retry.Conflict {
		t.Fatal("idempotent retry reported conflict")
	}
	if retry.Version != first.Version {
		t.Errorf("retry version = %d, want %d", retry.Version, first.Version)
	}

	count, _ := s.CountEventsAfter(context.Background(), "ws-1", 0)
	if count != 1 {
		t.Errorf("event count = %d, want 1", count)
	}
}

func TestAppendDuplicateEventIDAcrossWorkspaces(t *testing.T) {
	s := NewMemoryEventStore()

	mustAppend(t, s, "ws-1", newTestEvent("ev-shared"), 0)

	_, err := s.Append(context.Background(), "ws-2", newTestEvent("ev-shared"), 0)
	if !errors.Is(err, types.ErrDuplicateEventID) {
		t.Fatalf("err = %v, want ErrDuplicateEventID", err)
	}
}

func TestAppendConcurrentSameBase(t *testing.T) {
	s := NewMemoryEventStore()
	mustAppend(t, s, "ws-1", newTestEvent("ev-0"), 0)

	const writers = 16
	results := make([]types.AppendResult, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := newTestEvent(fmt.Sprintf("race-%d", i))
			result, err := s.Append(context.Background(), "ws-1", ev, 1)
			if err != nil {
				t.Errorf("writer %d failed: %v", i, err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, r := range results {
		if !r.Conflict {
			winners++
			if r.Version != 2 {
				t.Errorf("winner version = %d, want 2", r.Version)
			}
			continue
		}
		// Losers observe the head the winner created, never their own
		// tentative slot.
		if r.Version != 2 {
			t.Errorf("loser %d conflict version = %d, want head 2", i, r.Version)
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}

	head, _ := s.HeadVersion(context.Background(), "ws-1")
	if head != 2 {
		t.Errorf("head = %d, want 2", head)
	}
}

func TestListEventsAfterPagination(t *testing.T) {
	s := NewMemoryEventStore()
	for i := 1; i <= 25; i++ {
		mustAppend(t, s, "ws-1", newTestEvent(fmt.Sprintf("ev-%d", i)), int64(i-1))
	}

	page, err := s.ListEventsAfter(context.Background(), "ws-1", 5, 10, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter failed: %v", err)
	}
	if len(page) != 10 {
		t.Fatalf("page size = %d, want 10", len(page))
	}
	if page[0].Version != 6 || page[9].Version != 15 {
		t.Errorf("page spans %d..%d, want 6..15", page[0].Version, page[9].Version)
	}

	page, err = s.ListEventsAfter(context.Background(), "ws-1", 5, 10, 10)
	if err != nil {
		t.Fatalf("ListEventsAfter with offset failed: %v", err)
	}
	if len(page) != 10 {
		t.Fatalf("offset page size = %d, want 10", len(page))
	}
	if page[0].Version != 16 {
		t.Errorf("offset page starts at %d, want 16", page[0].Version)
	}

	// Past the end.
	page, err = s.ListEventsAfter(context.Background(), "ws-1", 25, 10, 0)
	if err != nil {
		t.Fatalf("ListEventsAfter past end failed: %v", err)
	}
	if len(page) != 0 {
		t.Errorf("page past end has %d events, want 0", len(page))
	}
}

func TestEventsSinceBase(t *testing.T) {
	s := NewMemoryEventStore()
	for i := 1; i <= 4; i++ {
		mustAppend(t, s, "ws-1", newTestEvent(fmt.Sprintf("ev-%d", i)), int64(i-1))
	}

	tail, err := s.EventsSinceBase(context.Background(), "ws-1", 2)
	if err != nil {
		t.Fatalf("EventsSinceBase failed: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail length = %d, want 2", len(tail))
	}
	if tail[0].Version != 3 || tail[1].Version != 4 {
		t.Errorf("tail versions = %d,%d, want 3,4", tail[0].Version, tail[1].Version)
	}
}

func TestCountEventsAfter(t *testing.T) {
	s := NewMemoryEventStore()
	for i := 1; i <= 7; i++ {
		mustAppend(t, s, "ws-1", newTestEvent(fmt.Sprintf("ev-%d", i)), int64(i-1))
	}

	count, err := s.CountEventsAfter(context.Background(), "ws-1", 3)
	if err != nil {
		t.Fatalf("CountEventsAfter failed: %v", err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
}

func TestDeleteWorkspaceFreesEventIDs(t *testing.T) {
	s := NewMemoryEventStore()
	mustAppend(t, s, "ws-1", newTestEvent("ev-1"), 0)

	if err := s.DeleteWorkspace(context.Background(), "ws-1"); err != nil {
		t.Fatalf("DeleteWorkspace failed: %v", err)
	}

	head, _ := s.HeadVersion(context.Background(), "ws-1")
	if head != 0 {
		t.Errorf("head after delete = %d, want 0", head)
	}

	// The event ID is reusable once the workspace is gone.
	result := mustAppend(t, s, "ws-2", newTestEvent("ev-1"), 0)
	if result.Conflict || result.Version != 1 {
		t.Errorf("reuse after delete: %+v", result)
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	s := NewMemoryEventStore()
	mustAppend(t, s, "ws-1", newTestEvent("ev-a"), 0)
	mustAppend(t, s, "ws-2", newTestEvent("ev-b"), 0)
	mustAppend(t, s, "ws-2", newTestEvent("ev-c"), 1)

	head1, _ := s.HeadVersion(context.Background(), "ws-1")
	head2, _ := s.HeadVersion(context.Background(), "ws-2")
	if head1 != 1 || head2 != 2 {
		t.Errorf("heads = %d,%d, want 1,2", head1, head2)
	}
}

func TestSnapshotStoreLatest(t *testing.T) {
	s := NewMemorySnapshotStore()
	ctx := context.Background()

	if _, err := s.Latest(ctx, "ws-1"); !errors.Is(err, types.ErrSnapshotNotFound) {
		t.Fatalf("Latest on empty store: err = %v, want ErrSnapshotNotFound", err)
	}

	for _, v := range []int64{500, 1000, 1500} {
		err := s.Save(ctx, &types.Snapshot{
			WorkspaceID: "ws-1",
			Version:     v,
			State:       json.RawMessage(`{"version":` + fmt.Sprint(v) + `}`),
			EventCount:  500,
		})
		if err != nil {
			t.Fatalf("Save(%d) failed: %v", v, err)
		}
	}

	latest, err := s.Latest(ctx, "ws-1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Version != 1500 {
		t.Errorf("latest version = %d, want 1500", latest.Version)
	}

	snap, err := s.LatestAtOrBefore(ctx, "ws-1", 1200)
	if err != nil {
		t.Fatalf("LatestAtOrBefore failed: %v", err)
	}
	if snap.Version != 1000 {
		t.Errorf("at-or-before 1200: version = %d, want 1000", snap.Version)
	}

	if _, err := s.LatestAtOrBefore(ctx, "ws-1", 499); !errors.Is(err, types.ErrSnapshotNotFound) {
		t.Errorf("at-or-before 499: err = %v, want ErrSnapshotNotFound", err)
	}
}

func TestSnapshotStoreDuplicateVersionKept(t *testing.T) {
	s := NewMemorySnapshotStore()
	ctx := context.Background()

	first := &types.Snapshot{WorkspaceID: "ws-1", Version: 500, State: json.RawMessage(`{"a":1}`)}
	second := &types.Snapshot{WorkspaceID: "ws-1", Version: 500, State: json.RawMessage(`{"a":2}`)}

	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	latest, _ := s.Latest(ctx, "ws-1")
	if string(latest.State) != `{"a":1}` {
		t.Errorf("state = %s, want first writer kept", latest.State)
	}
}
