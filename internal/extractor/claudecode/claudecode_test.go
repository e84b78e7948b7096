package claudecode

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transcript = `{"type":"summary","summary":"Auth refactor"}
{"type":"user","uuid":"u1","timestamp":"2025-01-01T10:00:00Z","message":{"role":"user","content":"Switch the API to token auth"}}
{"type":"assistant","uuid":"a1","timestamp":"2025-01-01T10:01:00Z","message":{"role":"assistant","content":[{"type":"text","text":"We'll go with JWT plus refresh tokens."},{"type":"tool_use","name":"Edit","input":{"file_path":"REPO/internal/auth/jwt.go"}}]}}
not json
{"type":"user","uuid":"u2","timestamp":"2025-01-01T10:02:00Z","message":{"role":"user","content":[{"type":"tool_result","content":"ok"}]}}
{"type":"assistant","uuid":"a2","timestamp":"2025-01-01T10:05:00Z","message":{"role":"assistant","content":[{"type":"text","text":"Fixed the failing token test."}]}}
`

func setup(t *testing.T) (*Extractor, string) {
	t.Helper()
	projects := t.TempDir()
	repo := filepath.Join(t.TempDir(), "my.repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	dir := filepath.Join(projects, EncodePath(repo))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := strings.ReplaceAll(transcript, "REPO", repo)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-1.jsonl"), []byte(body), 0o600))
	return New(projects), repo
}

func TestEncodePath(t *testing.T) {
	assert.Equal(t, "-home-dev-my-repo", EncodePath("/home/dev/my.repo"))
}

func TestPredicates(t *testing.T) {
	e, repo := setup(t)
	ctx := context.Background()
	assert.True(t, e.IsInstalled(ctx))
	assert.True(t, e.IsActive(ctx, repo))
	assert.False(t, e.IsActive(ctx, "/somewhere/else"))
	assert.False(t, New(filepath.Join(t.TempDir(), "missing")).IsInstalled(ctx))
}

func TestExtract_All(t *testing.T) {
	e, repo := setup(t)
	records, err := e.Extract(context.Background(), repo, nil)
	require.NoError(t, err)

	require.Len(t, records, 4)
	sess := records[0]
	assert.Equal(t, string(event.TypeSession), sess.Kind)
	assert.Equal(t, []string{"sess-1", "session"}, sess.SourceIDs)
	assert.Equal(t, "Auth refactor", sess.Text)
	assert.Equal(t, "2025-01-01T10:05:00Z", sess.Timestamp)
	assert.Equal(t, []string{"internal/auth/jwt.go"}, sess.Files)

	assert.Equal(t, "Switch the API to token auth", records[1].Text)
	assert.Equal(t, []string{"sess-1", "a1"}, records[2].SourceIDs)
	assert.Equal(t, []string{"internal/auth/jwt.go"}, records[2].Files)
	assert.Equal(t, "Fixed the failing token test.", records[3].Text)
	for _, r := range records {
		assert.Equal(t, Name, r.Tool)
	}
}

func TestExtract_Since(t *testing.T) {
	e, repo := setup(t)
	since := time.Date(2025, 1, 1, 10, 1, 30, 0, time.UTC)
	// the file mtime is "now", so the file is still read
	records, err := e.Extract(context.Background(), repo, &since)
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, string(event.TypeSession), records[0].Kind)
	assert.Equal(t, []string{"sess-1", "a2"}, records[1].SourceIDs)
}

func TestExtract_SkipsUnchangedFiles(t *testing.T) {
	e, repo := setup(t)
	future := time.Now().Add(time.Hour)
	records, err := e.Extract(context.Background(), repo, &future)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExtract_NoProjectDir(t *testing.T) {
	e := New(t.TempDir())
	records, err := e.Extract(context.Background(), "/no/such/repo", nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExtract_MessagesWithoutUUID(t *testing.T) {
	projects := t.TempDir()
	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	dir := filepath.Join(projects, EncodePath(repo))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := `{"type":"user","timestamp":"2025-01-01T10:00:00Z","message":{"role":"user","content":"Add rate limiting"}}
{"type":"assistant","timestamp":"2025-01-01T10:00:00Z","message":{"role":"assistant","content":"Decided on a token bucket."}}
{"type":"user","timestamp":"2025-01-01T10:02:00Z","message":{"role":"user","content":"Ship it"}}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.jsonl"), []byte(body), 0o600))

	records, err := New(projects).Extract(context.Background(), repo, nil)
	require.NoError(t, err)
	require.Len(t, records, 4)

	seen := map[string]bool{}
	for _, r := range records[1:] {
		require.Len(t, r.SourceIDs, 2)
		assert.NotEmpty(t, r.SourceIDs[1])
		assert.False(t, seen[r.SourceIDs[1]], "duplicate source id %q", r.SourceIDs[1])
		seen[r.SourceIDs[1]] = true
	}
	assert.Equal(t, []string{"s", "2025-01-01T10:00:00Z#1"}, records[1].SourceIDs)

	// Re-extraction yields the same ids.
	again, err := New(projects).Extract(context.Background(), repo, nil)
	require.NoError(t, err)
	assert.Equal(t, records, again)
}
