package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSnapshotNotFound is returned when a workspace has no snapshot yet.
	// Callers fall back to replaying from version 0.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrDuplicateEventID indicates the submitted event ID is already used
	// by an event in a different workspace. Event IDs are globally unique.
	ErrDuplicateEventID = errors.New("duplicate event ID")

	// ErrConflictTailTooLarge indicates the conflicting suffix exceeds the
	// server-side cap and the caller must re-read through the paginated path.
	ErrConflictTailTooLarge = errors.New("conflict tail too large")
)

// EventTypeReverted is the synthetic event appended by a revert. Its payload
// carries the fully reconstructed state at the target version.
const EventTypeReverted = "workspace.reverted"

// Event is a single immutable entry in a workspace log. Version is assigned
// by the store on append; all other fields are supplied by the client.
// Payload is opaque to the engine.
type Event struct {
	WorkspaceID string          `json:"workspace_id"`
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"` // client wall-clock, unix ms
	ActorID     string          `json:"actor_id"`
	ActorName   string          `json:"actor_name,omitempty"`
	Version     int64           `json:"version"`
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	c := *e
	if e.Payload != nil {
		c.Payload = make(json.RawMessage, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return &c
}

// AppendResult reports the outcome of an append attempt. It is transient and
// never persisted. Conflict means nothing was inserted and Version is the
// workspace's current head.
type AppendResult struct {
	Version  int64 `json:"version"`
	Conflict bool  `json:"conflict"`
}

// Snapshot is a materialized workspace state at Version, folding EventCount
// events. Version 0 with empty state means "empty workspace".
type Snapshot struct {
	WorkspaceID string          `json:"workspace_id"`
	Version     int64           `json:"version"`
	State       json.RawMessage `json:"state"`
	EventCount  int64           `json:"event_count"`
	Checksum    []byte          `json:"checksum,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ValidationError is returned for malformed input, before any storage call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateEvent checks the structural fields of an event submitted for
// append. Payload contents are not inspected.
func ValidateEvent(e *Event) error {
	if e == nil {
		return &ValidationError{Field: "event", Reason: "missing"}
	}
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Reason: "required"}
	}
	if len(e.EventID) > 128 {
		return &ValidationError{Field: "event_id", Reason: "too long"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "required"}
	}
	if len(e.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	if !json.Valid(e.Payload) {
		return &ValidationError{Field: "payload", Reason: "not valid JSON"}
	}
	if e.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Reason: "must be positive unix milliseconds"}
	}
	if e.ActorID == "" {
		return &ValidationError{Field: "actor_id", Reason: "required"}
	}
	if e.Version != 0 {
		return &ValidationError{Field: "version", Reason: "assigned by the server, must be zero"}
	}
	return nil
}

// ValidateWorkspaceID checks a workspace identifier from the request path.
func ValidateWorkspaceID(id string) error {
	if id == "" {
		return &ValidationError{Field: "workspace_id", Reason: "required"}
	}
	if len(id) > 128 {
		return &ValidationError{Field: "workspace_id", Reason: "too long"}
	}
	return nil
}
