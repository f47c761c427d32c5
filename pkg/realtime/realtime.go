// Package realtime is a thin client for backend row-change feeds: a channel
// carries INSERT/UPDATE/DELETE events for one table, optionally narrowed by
// a column filter, and reports its lifecycle through status callbacks.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventType of a row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// State is reported by a subscription through its StatusHandler.
type State string

const (
	StateSubscribed   State = "SUBSCRIBED"
	StateChannelError State = "CHANNEL_ERROR"
	StateTimedOut     State = "TIMED_OUT"
	StateClosed       State = "CLOSED"
)

// Change is one row change as published on the feed.
type Change struct {
	Type            EventType      `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

// Decode parses a JSON change payload.
func Decode(payload []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	switch c.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Change{}, fmt.Errorf("decode change: unknown event type %q", c.Type)
	}
	return c, nil
}

// ChannelSpec describes what a subscription listens to.
type ChannelSpec struct {
	Name   string
	Schema string
	Table  string
	Events []EventType
	Filter *Filter
}

// Accepts reports whether a change belongs on this channel. Deletes are
// matched against the old record; a delete whose old record lacks the
// filter column is accepted, since the backend only ships primary keys for
// deleted rows unless configured otherwise.
func (s ChannelSpec) Accepts(c Change) bool {
	if s.Table != "" && c.Table != s.Table {
		return false
	}
	if s.Schema != "" && c.Schema != "" && c.Schema != s.Schema {
		return false
	}
	if !s.wants(c.Type) {
		return false
	}
	if s.Filter == nil {
		return true
	}
	if c.Type == EventDelete {
		if _, ok := c.OldRecord[s.Filter.Column]; !ok {
			return true
		}
		return s.Filter.Matches(c.OldRecord)
	}
	return s.Filter.Matches(c.Record)
}

func (s ChannelSpec) wants(t EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == EventAll || e == t {
			return true
		}
	}
	return false
}

// ChangeHandler receives every accepted change in feed order.
type ChangeHandler func(Change) error

// StatusHandler receives subscription lifecycle transitions; err is set for
// CHANNEL_ERROR and TIMED_OUT.
type StatusHandler func(State, error)

// Subscription is a live channel. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Client opens channels on a change feed.
type Client interface {
	Subscribe(ctx context.Context, spec ChannelSpec, onChange ChangeHandler, onStatus StatusHandler) (Subscription, error)
	Close() error
}
