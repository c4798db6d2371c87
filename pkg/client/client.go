// Package client provides a Go SDK for the Notebase workspace engine.
// This can be used by the application backend or any other Go-based service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the workspace engine client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	actorID    string
	actorName  string
}

// Config holds client configuration.
type Config struct {
	BaseURL   string        // e.g., "http://localhost:7233" or "http://engine:7233"
	APIKey    string        // Authentication key
	ActorID   string        // Verified actor forwarded on every write
	ActorName string        // Display name for audit trails
	Timeout   time.Duration // Request timeout
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:7233",
		Timeout: 30 * time.Second,
	}
}

// New creates a new engine client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		actorID:   cfg.ActorID,
		actorName: cfg.ActorName,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// --- Event Log ---

// Event is an entry in a workspace's append-only log.
type Event struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	ActorID   string          `json:"actor_id"`
	ActorName string          `json:"actor_name,omitempty"`
	Version   int64           `json:"version"`
}

// AppendEventRequest is the request to append an event.
type AppendEventRequest struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
	BaseVersion int64           `json:"base_version"`
}

// AppendEventResponse is the response from an append attempt. Conflict is a
// routine outcome, not an error: CurrentEvents then carries every event
// since the request's base version so the caller can rebase and resubmit.
type AppendEventResponse struct {
	Version       int64   `json:"version"`
	Conflict      bool    `json:"conflict"`
	CurrentEvents []Event `json:"current_events,omitempty"`
}

// AppendEvent appends a single event to a workspace's log.
func (c *Client) AppendEvent(ctx context.Context, workspaceID string, req *AppendEventRequest) (*AppendEventResponse, error) {
	var resp AppendEventResponse
	url := fmt.Sprintf("/api/v1/workspaces/%s/events", workspaceID)
	if err := c.post(ctx, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AppendWithRebase appends an event, transparently retrying on conflict with
// the advanced base version. The event itself is resubmitted unchanged; if
// it must be transformed against the conflicting tail first, pass a non-nil
// rebase callback. Gives up after maxAttempts.
func (c *Client) AppendWithRebase(ctx context.Context, workspaceID string, req *AppendEventRequest, maxAttempts int, rebase func(req *AppendEventRequest, tail []Event) error) (*AppendEventResponse, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var resp *AppendEventResponse
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var err error
		resp, err = c.AppendEvent(ctx, workspaceID, req)
		if err != nil {
			return nil, err
		}
		if !resp.Conflict {
			return resp, nil
		}

		if rebase != nil {
			if err := rebase(req, resp.CurrentEvents); err != nil {
				return nil, fmt.Errorf("rebase failed: %w", err)
			}
		}
		req.BaseVersion = resp.Version
	}
	return resp, fmt.Errorf("append conflicted after %d attempts at version %d", maxAttempts, resp.Version)
}

// --- Reads ---

// WorkspaceView is the read-path result: the latest snapshot state plus
// only the events after it.
type WorkspaceView struct {
	Version         int64           `json:"version"`
	SnapshotVersion int64           `json:"snapshot_version"`
	SnapshotState   json.RawMessage `json:"snapshot_state,omitempty"`
	Events          []Event         `json:"events"`
}

// GetWorkspace fetches the current workspace view.
func (c *Client) GetWorkspace(ctx context.Context, workspaceID string) (*WorkspaceView, error) {
	var resp WorkspaceView
	url := fmt.Sprintf("/api/v1/workspaces/%s/events", workspaceID)
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StateAtResponse is reconstructed state as of a past version.
type StateAtResponse struct {
	Version int64           `json:"version"`
	State   json.RawMessage `json:"state"`
}

// StateAt fetches workspace state as of an arbitrary past version.
func (c *Client) StateAt(ctx context.Context, workspaceID string, version int64) (*StateAtResponse, error) {
	var resp StateAtResponse
	url := fmt.Sprintf("/api/v1/workspaces/%s/versions/%d", workspaceID, version)
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Revert ---

// Revert re-enters the state at targetVersion into the log as a new
// forward-moving event. History is never rewritten; the response behaves
// like any other append, including the conflict path.
func (c *Client) Revert(ctx context.Context, workspaceID string, targetVersion int64) (*AppendEventResponse, error) {
	var resp AppendEventResponse
	url := fmt.Sprintf("/api/v1/workspaces/%s/revert", workspaceID)
	body := map[string]int64{"target_version": targetVersion}
	if err := c.post(ctx, url, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteWorkspace removes a workspace's log and snapshots. Part of
// cascading workspace deletion only.
func (c *Client) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	url := fmt.Sprintf("/api/v1/workspaces/%s", workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+url, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// --- HTTP Helpers ---

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.actorID != "" {
		req.Header.Set("X-Actor-Id", c.actorID)
	}
	if c.actorName != "" {
		req.Header.Set("X-Actor-Name", c.actorName)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// 409 with a conflict body is a normal append outcome, not an API error.
	if resp.StatusCode == http.StatusConflict && result != nil {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if decodeErr := json.Unmarshal(body, result); decodeErr == nil {
			if ar, ok := result.(*AppendEventResponse); ok && ar.Conflict {
				return nil
			}
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(errBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
