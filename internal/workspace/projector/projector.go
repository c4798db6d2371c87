// Package projector derives workspace state from an ordered event sequence.
// Projection is a pure fold: the same base state and event suffix always
// produce the same result, so replay from any valid snapshot is equivalent
// to full replay from the empty state.
package projector

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/notebase/engine/internal/workspace/types"
)

var (
	ErrOutOfOrder = errors.New("events out of order")
	ErrVersionGap = errors.New("gap in event versions")
)

// EmptyState is the state of a workspace with no events.
var EmptyState = json.RawMessage(`{}`)

// Reducer applies one event to a state blob and returns the new state. It
// must be deterministic and side-effect-free. The concrete reducer logic per
// event type is owned by the surrounding application; the engine only
// guarantees ordering and completeness of the input sequence.
type Reducer func(state []byte, ev *types.Event) ([]byte, error)

// Projector folds ordered events into state with a fixed reducer.
type Projector struct {
	reduce Reducer
}

// New creates a projector. A nil reducer falls back to RawReducer.
func New(reduce Reducer) *Projector {
	if reduce == nil {
		reduce = RawReducer
	}
	return &Projector{reduce: reduce}
}

// Project applies events to base in ascending version order. fromVersion is
// the version base represents (0 for empty state); the first event must be
// fromVersion+1 and the sequence must be gapless, otherwise the input was
// assembled incorrectly and projecting it would corrupt state.
func (p *Projector) Project(base []byte, fromVersion int64, events []*types.Event) ([]byte, error) {
	state := base
	if len(state) == 0 {
		state = EmptyState
	}

	expected := fromVersion + 1
	for _, ev := range events {
		switch {
		case ev.Version < expected:
			return nil, fmt.Errorf("%w: version %d after %d", ErrOutOfOrder, ev.Version, expected-1)
		case ev.Version > expected:
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionGap, expected, ev.Version)
		}

		next, err := p.reduce(state, ev)
		if err != nil {
			return nil, fmt.Errorf("reduce event %s (version %d): %w", ev.EventID, ev.Version, err)
		}
		state = next
		expected++
	}

	return state, nil
}

// rawState is the document shape maintained by RawReducer.
type rawState struct {
	Version int64                      `json:"version"`
	Items   map[string]json.RawMessage `json:"items"`
}

// RawReducer is the default reducer used by tooling and tests. It treats
// each payload as an item document: `{"id": ..., "deleted": bool}` removes
// or upserts the item keyed by id; a revert event replaces the whole state
// with the payload's embedded snapshot. Deterministic because Go's JSON
// encoder orders map keys.
func RawReducer(state []byte, ev *types.Event) ([]byte, error) {
	var doc rawState
	if len(state) > 0 {
		if err := json.Unmarshal(state, &doc); err != nil {
			return nil, err
		}
	}
	if doc.Items == nil {
		doc.Items = make(map[string]json.RawMessage)
	}

	if ev.Type == types.EventTypeReverted {
		var revert struct {
			State json.RawMessage `json:"state"`
		}
		if err := json.Unmarshal(ev.Payload, &revert); err != nil {
			return nil, err
		}
		// Replace, never merge: decoding into the live doc would keep items
		// that exist at the head but not at the target version.
		doc = rawState{}
		if err := json.Unmarshal(revert.State, &doc); err != nil {
			return nil, err
		}
		if doc.Items == nil {
			doc.Items = make(map[string]json.RawMessage)
		}
		doc.Version = ev.Version
		return json.Marshal(doc)
	}

	var item struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}
	if err := json.Unmarshal(ev.Payload, &item); err != nil {
		return nil, err
	}

	key := item.ID
	if key == "" {
		key = ev.EventID
	}
	if item.Deleted {
		delete(doc.Items, key)
	} else {
		doc.Items[key] = append(json.RawMessage(nil), ev.Payload...)
	}
	doc.Version = ev.Version

	return json.Marshal(doc)
}
