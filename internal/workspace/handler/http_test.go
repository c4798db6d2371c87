package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/notebase/engine/internal/workspace"
	"github.com/notebase/engine/internal/workspace/projector"
	"github.com/notebase/engine/internal/workspace/ratelimit"
	"github.com/notebase/engine/internal/workspace/store"
)

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *httptest.Server {
	t.Helper()

	svc := workspace.NewService(workspace.Config{
		EventStore:    store.NewMemoryEventStore(),
		SnapshotStore: store.NewMemorySnapshotStore(),
		Projector:     projector.New(nil),
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { svc.Stop(context.Background()) })

	mux := http.NewServeMux()
	h := NewHTTPHandler(svc, limiter, slog.Default())
	h.RegisterRoutes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func doAppend(t *testing.T, server *httptest.Server, workspaceID string, req AppendEventRequest, actorID string) (*http.Response, AppendEventResponse) {
	t.Helper()

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequest(http.MethodPost,
		server.URL+"/api/v1/workspaces/"+workspaceID+"/events", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		httpReq.Header.Set("X-Actor-Id", actorID)
		httpReq.Header.Set("X-Actor-Name", "Alice")
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var decoded AppendEventResponse
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func appendReq(eventID string, base int64) AppendEventRequest {
	return AppendEventRequest{
		EventID:     eventID,
		Type:        "note.updated",
		Payload:     json.RawMessage(`{"id":"n1","text":"hello"}`),
		Timestamp:   1700000000000,
		BaseVersion: base,
	}
}

func TestAppendEventEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	resp, decoded := doAppend(t, server, "ws-1", appendReq("ev-1", 0), "user-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if decoded.Conflict || decoded.Version != 1 {
		t.Errorf("response = %+v, want version 1, no conflict", decoded)
	}
}

func TestAppendEventConflictResponse(t *testing.T) {
	server := newTestServer(t, nil)

	doAppend(t, server, "ws-1", appendReq("ev-1", 0), "user-1")
	doAppend(t, server, "ws-1", appendReq("ev-2", 1), "user-1")

	resp, decoded := doAppend(t, server, "ws-1", appendReq("ev-3", 1), "user-2")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if !decoded.Conflict {
		t.Fatal("body does not mark conflict")
	}
	if decoded.Version != 2 {
		t.Errorf("conflict head = %d, want 2", decoded.Version)
	}
	if len(decoded.CurrentEvents) != 1 || decoded.CurrentEvents[0].Version != 2 {
		t.Errorf("conflict tail = %+v, want single event at version 2", decoded.CurrentEvents)
	}
}

func TestAppendEventRequiresActor(t *testing.T) {
	server := newTestServer(t, nil)

	resp, _ := doAppend(t, server, "ws-1", appendReq("ev-1", 0), "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAppendEventValidationError(t *testing.T) {
	server := newTestServer(t, nil)

	req := appendReq("ev-1", 0)
	req.Payload = json.RawMessage(`{broken`)
	resp, _ := doAppend(t, server, "ws-1", req, "user-1")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAppendEventRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		GlobalRPS:      1000,
		GlobalBurst:    1000,
		WorkspaceRPS:   1,
		WorkspaceBurst: 1,
	})
	server := newTestServer(t, limiter)

	resp, _ := doAppend(t, server, "ws-1", appendReq("ev-1", 0), "user-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doAppend(t, server, "ws-1", appendReq("ev-2", 1), "user-1")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", resp.StatusCode)
	}
}

func TestGetWorkspaceEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	for i := 1; i <= 3; i++ {
		doAppend(t, server, "ws-1", appendReq(fmt.Sprintf("ev-%d", i), int64(i-1)), "user-1")
	}

	resp, err := http.Get(server.URL + "/api/v1/workspaces/ws-1/events")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var view WorkspaceResponse
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if view.Version != 3 || len(view.Events) != 3 {
		t.Errorf("view version=%d events=%d, want 3 and 3", view.Version, len(view.Events))
	}
	if view.Events[0].ActorID != "user-1" || view.Events[0].ActorName != "Alice" {
		t.Errorf("actor not preserved: %+v", view.Events[0])
	}
}

func TestGetStateAtEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	doAppend(t, server, "ws-1", appendReq("ev-1", 0), "user-1")
	doAppend(t, server, "ws-1", appendReq("ev-2", 1), "user-1")

	resp, err := http.Get(server.URL + "/api/v1/workspaces/ws-1/versions/1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var state StateAtResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if state.Version != 1 || len(state.State) == 0 {
		t.Errorf("state response = %+v", state)
	}

	// Beyond head is a client error.
	resp, err = http.Get(server.URL + "/api/v1/workspaces/ws-1/versions/99")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("beyond-head status = %d, want 400", resp.StatusCode)
	}

	// Non-numeric version.
	resp, err = http.Get(server.URL + "/api/v1/workspaces/ws-1/versions/abc")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric status = %d, want 400", resp.StatusCode)
	}
}

func TestRevertEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	doAppend(t, server, "ws-1", appendReq("ev-1", 0), "user-1")
	doAppend(t, server, "ws-1", appendReq("ev-2", 1), "user-1")

	body, _ := json.Marshal(RevertRequest{TargetVersion: 1})
	req, _ := http.NewRequest(http.MethodPost,
		server.URL+"/api/v1/workspaces/ws-1/revert", bytes.NewReader(body))
	req.Header.Set("X-Actor-Id", "user-1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("revert request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var decoded AppendEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Conflict || decoded.Version != 3 {
		t.Errorf("revert response = %+v, want version 3", decoded)
	}
}

func TestDeleteWorkspaceEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	doAppend(t, server, "ws-1", appendReq("ev-1", 0), "user-1")

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/workspaces/ws-1", http.NoBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	getResp, err := http.Get(server.URL + "/api/v1/workspaces/ws-1/events")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer getResp.Body.Close()
	var view WorkspaceResponse
	json.NewDecoder(getResp.Body).Decode(&view)
	if view.Version != 0 {
		t.Errorf("version after delete = %d, want 0", view.Version)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t, nil)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	server := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/v1/workspaces/ws-1/events")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := resp.Header.Get("Cache-Control"); got == "" {
		t.Error("Cache-Control header missing")
	}
}
