package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/notebase/engine/internal/workspace"
	"github.com/notebase/engine/internal/workspace/ratelimit"
	"github.com/notebase/engine/internal/workspace/types"
)

const (
	// MaxRequestBodySize limits request body to 1MB to prevent memory exhaustion.
	MaxRequestBodySize = 1 << 20 // 1 MB
)

// The application backend calls these endpoints; authentication and
// workspace authorization happen there. The engine trusts the actor
// identity forwarded in the X-Actor-Id and X-Actor-Name headers.
type HTTPHandler struct {
	service *workspace.Service
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewHTTPHandler creates a new HTTP handler. limiter may be nil to disable
// write throttling.
func NewHTTPHandler(service *workspace.Service, limiter *ratelimit.Limiter, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		limiter: limiter,
		logger:  logger,
	}
}

// RegisterRoutes registers all HTTP routes.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	// Event log endpoints - all wrapped with security middleware
	mux.HandleFunc("POST /api/v1/workspaces/{workspace_id}/events", h.securityMiddleware(h.AppendEvent))
	mux.HandleFunc("GET /api/v1/workspaces/{workspace_id}/events", h.securityMiddleware(h.GetWorkspace))
	mux.HandleFunc("GET /api/v1/workspaces/{workspace_id}/versions/{version}", h.securityMiddleware(h.GetStateAt))
	mux.HandleFunc("POST /api/v1/workspaces/{workspace_id}/revert", h.securityMiddleware(h.RevertWorkspace))
	mux.HandleFunc("DELETE /api/v1/workspaces/{workspace_id}", h.securityMiddleware(h.DeleteWorkspace))

	// Health check (no security middleware needed for health endpoints)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
}

// securityMiddleware adds security headers and request limits to handlers.
func (h *HTTPHandler) securityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Set security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Limit request body size to prevent memory exhaustion attacks
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
		}

		next(w, r)
	}
}

// EventJSON is the wire representation of a log event.
type EventJSON struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	ActorID   string          `json:"actor_id"`
	ActorName string          `json:"actor_name,omitempty"`
	Version   int64           `json:"version"`
}

func toEventJSON(ev *types.Event) EventJSON {
	return EventJSON{
		EventID:   ev.EventID,
		Type:      ev.Type,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
		ActorID:   ev.ActorID,
		ActorName: ev.ActorName,
		Version:   ev.Version,
	}
}

func toEventJSONList(events []*types.Event) []EventJSON {
	out := make([]EventJSON, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventJSON(ev))
	}
	return out
}

// AppendEventRequest is the request to append an event.
type AppendEventRequest struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
	BaseVersion int64           `json:"base_version"`
}

// AppendEventResponse is the response from an append attempt. On conflict
// CurrentEvents carries every event since the caller's base version.
type AppendEventResponse struct {
	Version       int64       `json:"version"`
	Conflict      bool        `json:"conflict"`
	CurrentEvents []EventJSON `json:"current_events,omitempty"`
}

// POST /api/v1/workspaces/{workspace_id}/events.
func (h *HTTPHandler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := r.PathValue("workspace_id")

	if h.limiter != nil && !h.limiter.Allow(workspaceID) {
		h.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var req AppendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Handle MaxBytesReader error specially
		if err.Error() == "http: request body too large" {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	actor := actorFromHeaders(r)
	if actor.ID == "" {
		h.writeError(w, http.StatusBadRequest, "X-Actor-Id header is required")
		return
	}

	ev := &types.Event{
		EventID:   req.EventID,
		Type:      req.Type,
		Payload:   req.Payload,
		Timestamp: req.Timestamp,
		ActorID:   actor.ID,
		ActorName: actor.Name,
	}

	outcome, err := h.service.AppendEvent(ctx, workspaceID, ev, req.BaseVersion)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := AppendEventResponse{
		Version:  outcome.Result.Version,
		Conflict: outcome.Result.Conflict,
	}
	status := http.StatusOK
	if outcome.Result.Conflict {
		resp.CurrentEvents = toEventJSONList(outcome.CurrentEvents)
		status = http.StatusConflict
	}

	h.writeJSON(w, status, resp)
}

// WorkspaceResponse is the read-path response: the latest snapshot state
// plus only the events after it.
type WorkspaceResponse struct {
	Version         int64           `json:"version"`
	SnapshotVersion int64           `json:"snapshot_version"`
	SnapshotState   json.RawMessage `json:"snapshot_state,omitempty"`
	Events          []EventJSON     `json:"events"`
}

// GET /api/v1/workspaces/{workspace_id}/events.
func (h *HTTPHandler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := r.PathValue("workspace_id")

	view, err := h.service.GetWorkspace(ctx, workspaceID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := WorkspaceResponse{
		Version: view.Version,
		Events:  toEventJSONList(view.Events),
	}
	if view.Snapshot != nil {
		resp.SnapshotVersion = view.Snapshot.Version
		resp.SnapshotState = view.Snapshot.State
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// StateAtResponse is the reconstructed state as of a past version.
type StateAtResponse struct {
	Version int64           `json:"version"`
	State   json.RawMessage `json:"state"`
}

// GET /api/v1/workspaces/{workspace_id}/versions/{version}.
func (h *HTTPHandler) GetStateAt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := r.PathValue("workspace_id")

	version, err := strconv.ParseInt(r.PathValue("version"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "version must be an integer")
		return
	}

	state, err := h.service.StateAt(ctx, workspaceID, version)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, StateAtResponse{Version: version, State: state})
}

// RevertRequest is the request to revert a workspace to a past version.
type RevertRequest struct {
	TargetVersion int64 `json:"target_version"`
}

// POST /api/v1/workspaces/{workspace_id}/revert.
func (h *HTTPHandler) RevertWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := r.PathValue("workspace_id")

	if h.limiter != nil && !h.limiter.Allow(workspaceID) {
		h.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var req RevertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	actor := actorFromHeaders(r)
	if actor.ID == "" {
		h.writeError(w, http.StatusBadRequest, "X-Actor-Id header is required")
		return
	}

	outcome, err := h.service.RevertToVersion(ctx, workspaceID, req.TargetVersion, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := AppendEventResponse{
		Version:  outcome.Result.Version,
		Conflict: outcome.Result.Conflict,
	}
	status := http.StatusOK
	if outcome.Result.Conflict {
		resp.CurrentEvents = toEventJSONList(outcome.CurrentEvents)
		status = http.StatusConflict
	}

	h.writeJSON(w, status, resp)
}

// DELETE /api/v1/workspaces/{workspace_id}.
func (h *HTTPHandler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := r.PathValue("workspace_id")

	if err := h.service.DeleteWorkspace(ctx, workspaceID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Health check endpoint.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready check endpoint.
func (h *HTTPHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.service.IsRunning() {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Helper functions

func actorFromHeaders(r *http.Request) workspace.Actor {
	return workspace.Actor{
		ID:   r.Header.Get("X-Actor-Id"),
		Name: r.Header.Get("X-Actor-Name"),
	}
}

func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case types.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrDuplicateEventID):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrConflictTailTooLarge):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workspace.ErrServiceNotRunning):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
