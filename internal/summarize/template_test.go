package summarize

import (
	"context"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_Deterministic(t *testing.T) {
	req := Request{Events: sampleEvents(), ProjectName: "acme/api"}
	a, err := Template{}.Summarize(context.Background(), req)
	require.NoError(t, err)
	b, err := Template{}.Summarize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, a.Empty())
}

func TestRenderSmall(t *testing.T) {
	out := RenderSmall(Request{Events: sampleEvents(), ProjectName: "acme/api"})
	assert.Contains(t, out, "# Team memory for acme/api: current state")
	assert.Contains(t, out, "## Recent decisions")
	assert.Contains(t, out, "Use JWT with refresh tokens (claude-code, ana)")
	assert.Contains(t, out, "## Recent errors resolved")
	assert.Contains(t, out, "files: auth/jwt.go")
	assert.Less(t, strings.Index(out, "Recent decisions"), strings.Index(out, "Recent errors resolved"))
}

func TestRenderSmall_Empty(t *testing.T) {
	out := RenderSmall(Request{})
	assert.Contains(t, out, "# Team memory: current state")
	assert.Contains(t, out, "No activity captured yet.")
}

func TestRenderMedium_GroupsByDay(t *testing.T) {
	out := RenderMedium(Request{Events: sampleEvents()})
	day1 := strings.Index(out, "## 2025-03-01")
	day2 := strings.Index(out, "## 2025-03-02")
	require.NotEqual(t, -1, day1)
	require.NotEqual(t, -1, day2)
	assert.Less(t, day1, day2)

	first := out[day1:day2]
	assert.Contains(t, first, "### Sessions")
	assert.Contains(t, first, "### Decisions")
	assert.NotContains(t, first, "### Errors resolved")
	assert.Contains(t, out[day2:], "11:00 Fixed nil map panic in cache (codex, ben)")
}

func TestRenderLarge_RoundTrip(t *testing.T) {
	log := sampleEvents()
	doc, err := RenderLarge("acme/api", log)
	require.NoError(t, err)
	assert.Contains(t, doc, "# Team memory for acme/api: full log")
	assert.Contains(t, doc, eventFence)

	got, err := ParseLarge(doc)
	require.NoError(t, err)
	require.Len(t, got, len(log))
	for i := range log {
		assert.True(t, event.Equal(log[i], got[i]), "event %d differs", i)
	}
}

func TestRenderLarge_EmptyLog(t *testing.T) {
	doc, err := RenderLarge("", nil)
	require.NoError(t, err)
	got, err := ParseLarge(doc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseLarge_Errors(t *testing.T) {
	_, err := ParseLarge("# notes\n\nhand written\n")
	assert.ErrorIs(t, err, ErrNoEventBlock)

	_, err = ParseLarge("```teammem-events\n{\"id\":\"a\"\n")
	assert.Error(t, err)

	_, err = ParseLarge("```teammem-events\n{\"id\":\"a\",\"ts\":\"2025-01-01T00:00:00Z\",\"type\":\"session\",\"tool\":\"t\"}\n")
	assert.ErrorIs(t, err, ErrNoEventBlock)

	_, err = ParseLarge("```teammem-events\nnot json\n```\n")
	assert.Error(t, err)
}
