// Package event defines the canonical session event shared by every stage of
// the capture pipeline: extractors emit RawRecords, the normalizer turns them
// into Events, and the merge engine, summarizer and persisted large tier all
// operate on Events.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Type is the closed set of event kinds.
type Type string

const (
	// TypeSession is a unit of coding-session activity.
	TypeSession Type = "session"
	// TypeDecision records an architectural or implementation decision.
	TypeDecision Type = "decision"
	// TypeErrorResolved records an error or bug that was fixed.
	TypeErrorResolved Type = "error_resolved"
)

// Types lists every valid Type in display order.
var Types = []Type{TypeSession, TypeDecision, TypeErrorResolved}

var (
	// ErrInvalidType indicates a type string outside the closed set.
	ErrInvalidType = errors.New("invalid event type")
	// ErrMissingID indicates an event without an id.
	ErrMissingID = errors.New("event id is required")
	// ErrMissingTool indicates an event without an originating tool.
	ErrMissingTool = errors.New("event tool is required")
	// ErrMissingTimestamp indicates an event without a timestamp.
	ErrMissingTimestamp = errors.New("event timestamp is required")
)

// ParseType converts s into a Type, rejecting unknown values.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Valid reports whether t is a member of the closed set.
func (t Type) Valid() bool {
	_, err := ParseType(string(t))
	return err == nil
}

// Key identifies an event uniquely across tools.
type Key struct {
	Tool string
	ID   string
}

// String renders the key as tool/id.
func (k Key) String() string {
	return k.Tool + "/" + k.ID
}

// Event is an atomic unit of captured activity.
type Event struct {
	ID      string    `json:"id"`
	TS      time.Time `json:"ts"`
	Type    Type      `json:"type"`
	Tool    string    `json:"tool"`
	User    string    `json:"user"`
	Summary string    `json:"summary"`
	Files   []string  `json:"files,omitempty"`
}

// wireEvent is the storage schema: ts is always an ISO-8601 UTC string.
type wireEvent struct {
	ID      string   `json:"id"`
	TS      string   `json:"ts"`
	Type    Type     `json:"type"`
	Tool    string   `json:"tool"`
	User    string   `json:"user"`
	Summary string   `json:"summary"`
	Files   []string `json:"files,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:      e.ID,
		TS:      e.TS.UTC().Format(time.RFC3339Nano),
		Type:    e.Type,
		Tool:    e.Tool,
		User:    e.User,
		Summary: e.Summary,
		Files:   e.Files,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.TS == "" {
		return fmt.Errorf("%w: %s", ErrMissingTimestamp, w.ID)
	}
	ts, err := time.Parse(time.RFC3339Nano, w.TS)
	if err != nil {
		return fmt.Errorf("parsing ts of %s: %w", w.ID, err)
	}
	typ, err := ParseType(string(w.Type))
	if err != nil {
		return err
	}
	*e = Event{
		ID:      w.ID,
		TS:      ts.UTC(),
		Type:    typ,
		Tool:    w.Tool,
		User:    w.User,
		Summary: w.Summary,
		Files:   w.Files,
	}
	return nil
}

// Key returns the (tool, id) identity of e.
func (e Event) Key() Key {
	return Key{Tool: e.Tool, ID: e.ID}
}

// Validate checks the invariants every persisted event must satisfy.
func (e Event) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if e.Tool == "" {
		return ErrMissingTool
	}
	if e.TS.IsZero() {
		return ErrMissingTimestamp
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	return nil
}

// Equal reports whether a and b carry identical content.
func Equal(a, b Event) bool {
	if a.ID != b.ID || a.Tool != b.Tool || a.Type != b.Type || a.User != b.User || a.Summary != b.Summary {
		return false
	}
	if !a.TS.Equal(b.TS) || len(a.Files) != len(b.Files) {
		return false
	}
	for i := range a.Files {
		if a.Files[i] != b.Files[i] {
			return false
		}
	}
	return true
}

// Less orders events by ts, then tool, then id.
func Less(a, b Event) bool {
	if !a.TS.Equal(b.TS) {
		return a.TS.Before(b.TS)
	}
	if a.Tool != b.Tool {
		return a.Tool < b.Tool
	}
	return a.ID < b.ID
}

// Sort orders events in place using Less.
func Sort(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return Less(events[i], events[j])
	})
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	if e.Files != nil {
		files := make([]string, len(e.Files))
		copy(files, e.Files)
		e.Files = files
	}
	return e
}
