package merge

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestMerge_LaterTimestampWins(t *testing.T) {
	older := event.Event{ID: "a1", Tool: "claude-code", TS: at(t, "2025-01-01T10:00:00Z"), Type: event.TypeDecision, Summary: "Use JWT"}
	newer := event.Event{ID: "a1", Tool: "claude-code", TS: at(t, "2025-01-01T10:05:00Z"), Type: event.TypeDecision, Summary: "Use JWT + refresh"}

	for _, tc := range [][2][]event.Event{
		{{older}, {newer}},
		{{newer}, {older}},
		{nil, {older, newer}},
	} {
		got := Merge(tc[0], tc[1])
		require.Len(t, got, 1)
		assert.Equal(t, "Use JWT + refresh", got[0].Summary)
		assert.True(t, got[0].TS.Equal(newer.TS))
	}
}

func TestMerge_OrdersAcrossTools(t *testing.T) {
	got := Merge(
		[]event.Event{
			{ID: "x", Tool: "claude-code", TS: at(t, "2025-01-01T10:02:00Z"), Type: event.TypeSession},
			{ID: "y", Tool: "claude-code", TS: at(t, "2025-01-01T10:01:00Z"), Type: event.TypeSession},
		},
		[]event.Event{{ID: "z", Tool: "codex", TS: at(t, "2025-01-01T10:00:00Z"), Type: event.TypeSession}},
	)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"z", "y", "x"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestMerge_EqualTimestampIsDeterministic(t *testing.T) {
	ts := at(t, "2025-01-01T10:00:00Z")
	a := event.Event{ID: "1", Tool: "t", TS: ts, Type: event.TypeDecision, Summary: "alpha"}
	b := event.Event{ID: "1", Tool: "t", TS: ts, Type: event.TypeDecision, Summary: "beta"}

	ab := Merge([]event.Event{a}, []event.Event{b})
	ba := Merge([]event.Event{b}, []event.Event{a})
	assert.Equal(t, ab, ba)
	assert.Equal(t, "beta", ab[0].Summary)
}

func TestMerge_DoesNotAliasInputs(t *testing.T) {
	in := []event.Event{{ID: "1", Tool: "t", TS: at(t, "2025-01-01T10:00:00Z"), Type: event.TypeSession, Files: []string{"a.go"}}}
	out := Merge(nil, in)
	out[0].Files[0] = "changed.go"
	assert.Equal(t, "a.go", in[0].Files[0])
}

func randomEvents(r *rand.Rand, n int) []event.Event {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]event.Event, n)
	for i := range out {
		out[i] = event.Event{
			ID:      fmt.Sprintf("e%d", r.Intn(n)),
			Tool:    []string{"claude-code", "codex", "cursor"}[r.Intn(3)],
			TS:      base.Add(time.Duration(r.Intn(20)) * time.Minute),
			Type:    event.Types[r.Intn(len(event.Types))],
			Summary: fmt.Sprintf("s%d", r.Intn(4)),
		}
	}
	return out
}

func TestMerge_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		b := randomEvents(r, 1+r.Intn(15))
		e := randomEvents(r, 1+r.Intn(15))

		once := Merge(b, e)
		assert.Equal(t, once, Merge(once, e), "idempotent")
		assert.Equal(t, once, Merge(e, b), "commutative")

		seen := map[event.Key]bool{}
		for j, ev := range once {
			assert.False(t, seen[ev.Key()], "duplicate key %s", ev.Key())
			seen[ev.Key()] = true
			if j > 0 {
				assert.False(t, ev.TS.Before(once[j-1].TS), "ordered")
			}
		}
	}
}

func TestWindow(t *testing.T) {
	log := randomEvents(rand.New(rand.NewSource(1)), 10)
	assert.Len(t, Window(log, 0), 10)
	assert.Len(t, Window(log, 20), 10)
	w := Window(log, 3)
	assert.Equal(t, log[7:], w)
}

func TestEngine_Run(t *testing.T) {
	ts := func(m int) time.Time { return time.Date(2025, 1, 1, 10, m, 0, 0, time.UTC) }
	baseline := []event.Event{
		{ID: "a", Tool: "t", TS: ts(0), Type: event.TypeSession, Summary: "one"},
		{ID: "b", Tool: "t", TS: ts(1), Type: event.TypeDecision, Summary: "two"},
	}
	incoming := []event.Event{
		{ID: "b", Tool: "t", TS: ts(3), Type: event.TypeDecision, Summary: "two, revised"},
		{ID: "c", Tool: "t", TS: ts(2), Type: event.TypeErrorResolved, Summary: "three"},
		{ID: "a", Tool: "t", TS: ts(0), Type: event.TypeSession, Summary: "one"},
	}

	res := Engine{WindowSize: 2, MaxLogEvents: 0}.Run(baseline, incoming)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	assert.True(t, res.Changed())
	require.Len(t, res.Log, 3)
	require.Len(t, res.Window, 2)
	assert.Equal(t, "c", res.Window[0].ID)
	assert.Equal(t, "b", res.Window[1].ID)

	again := Engine{WindowSize: 2}.Run(res.Log, incoming)
	assert.False(t, again.Changed())
	assert.Equal(t, res.Log, again.Log)

	capped := Engine{MaxLogEvents: 2}.Run(baseline, incoming)
	require.Len(t, capped.Log, 2)
	assert.Equal(t, "c", capped.Log[0].ID)
}

func TestEngine_RunKeepsEventsOutsideWindow(t *testing.T) {
	ts := func(m int) time.Time { return time.Date(2025, 1, 1, 10, m, 0, 0, time.UTC) }
	var incoming []event.Event
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		incoming = append(incoming, event.Event{ID: id, Tool: "t", TS: ts(i), Type: event.TypeSession, Summary: id})
	}

	res := Engine{WindowSize: 2}.Run(nil, incoming)
	require.Len(t, res.Log, 6)
	assert.Equal(t, "a", res.Log[0].ID)
	require.Len(t, res.Window, 2)
	assert.Equal(t, "e", res.Window[0].ID)

	// A later save that only sees the newest event still carries the rest.
	next := Engine{WindowSize: 2}.Run(res.Log, []event.Event{
		{ID: "g", Tool: "t", TS: ts(6), Type: event.TypeSession, Summary: "g"},
	})
	require.Len(t, next.Log, 7)
	assert.Equal(t, "a", next.Log[0].ID)
	assert.Equal(t, 1, next.Added)
}
