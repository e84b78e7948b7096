// Package merge combines newly extracted events with previously committed
// state into one deduplicated, time-ordered log.
//
// Merge is a join over a total order on versions of the same (tool, id):
// the later ts wins, and equal-ts versions with different content are
// decided by comparing their content. That makes Merge commutative and
// idempotent, so a sync can be retried against any baseline.
package merge

import (
	"strings"

	"github.com/fyrsmithlabs/teammem/internal/event"
)

// Merge returns the union of baseline and incoming keyed by (tool, id),
// sorted by (ts, tool, id). Neither input is modified.
func Merge(baseline, incoming []event.Event) []event.Event {
	byKey := make(map[event.Key]event.Event, len(baseline)+len(incoming))
	for _, src := range [][]event.Event{baseline, incoming} {
		for _, e := range src {
			k := e.Key()
			if cur, ok := byKey[k]; !ok || supersedes(e, cur) {
				byKey[k] = e.Clone()
			}
		}
	}

	out := make([]event.Event, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	event.Sort(out)
	return out
}

// supersedes reports whether candidate replaces current.
func supersedes(candidate, current event.Event) bool {
	if !candidate.TS.Equal(current.TS) {
		return candidate.TS.After(current.TS)
	}
	return contentKey(candidate) > contentKey(current)
}

func contentKey(e event.Event) string {
	return strings.Join([]string{e.Summary, string(e.Type), e.User, strings.Join(e.Files, "\x1f")}, "\x00")
}

// Window returns the most recent n events of a sorted log; n <= 0 means all.
func Window(log []event.Event, n int) []event.Event {
	if n <= 0 || len(log) <= n {
		return log
	}
	return log[len(log)-n:]
}

// Engine applies Merge plus the retention and summarization bounds.
type Engine struct {
	// WindowSize caps the events handed to summarization.
	WindowSize int
	// MaxLogEvents is an opt-in retention limit that trims the oldest events
	// from the log permanently. 0, the default, keeps every event; only the
	// window is bounded.
	MaxLogEvents int
}

// Result is the output of Engine.Run.
type Result struct {
	Log     []event.Event
	Window  []event.Event
	Added   int
	Updated int
}

// Changed reports whether incoming altered the baseline.
func (r Result) Changed() bool {
	return r.Added > 0 || r.Updated > 0
}

// Run merges incoming into baseline and computes the summarization window.
func (g Engine) Run(baseline, incoming []event.Event) Result {
	before := make(map[event.Key]event.Event, len(baseline))
	for _, e := range baseline {
		if cur, ok := before[e.Key()]; !ok || supersedes(e, cur) {
			before[e.Key()] = e
		}
	}

	log := Merge(baseline, incoming)
	var res Result
	for _, e := range log {
		prev, ok := before[e.Key()]
		switch {
		case !ok:
			res.Added++
		case !event.Equal(prev, e):
			res.Updated++
		}
	}

	if g.MaxLogEvents > 0 && len(log) > g.MaxLogEvents {
		log = log[len(log)-g.MaxLogEvents:]
	}
	res.Log = log
	res.Window = Window(log, g.WindowSize)
	return res
}
