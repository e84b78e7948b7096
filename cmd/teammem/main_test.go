package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/config"
	"github.com/fyrsmithlabs/teammem/internal/crypto"
	"github.com/fyrsmithlabs/teammem/internal/extractor/claudecode"
	"github.com/fyrsmithlabs/teammem/internal/persist"
	"github.com/fyrsmithlabs/teammem/internal/pipeline"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const transcript = `{"type":"summary","summary":"Storage choice"}
{"type":"user","uuid":"u1","timestamp":"2025-02-01T09:00:00Z","message":{"role":"user","content":"Which database should the cache use?"}}
{"type":"assistant","uuid":"a1","timestamp":"2025-02-01T09:01:00Z","message":{"role":"assistant","content":[{"type":"text","text":"We'll go with SQLite in WAL mode."}]}}
`

// isolate points HOME at a fresh directory so no real tool data or config
// is read.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CODEX_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return home
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "project")
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# project\n"), 0o644))
	wt, err := r.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{Author: &object.Signature{
		Name: "Dev", Email: "dev@example.com", When: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	return dir
}

func writeTranscript(t *testing.T, home, repo string) {
	t.Helper()
	dir := filepath.Join(home, ".claude", "projects", claudecode.EncodePath(repo))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-1.jsonl"), []byte(transcript), 0o600))
}

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	code := execute(context.Background(), args, strings.NewReader(stdin), &out, &errOut)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func TestSaveAndLoad(t *testing.T) {
	home := isolate(t)
	repo := initRepo(t)
	writeTranscript(t, home, repo)

	res := run(t, "", "save", "--repo", repo)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "save: committed team memory (not pushed)")

	res = run(t, "", "load", "--repo", repo, "--size", "small")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "SQLite in WAL mode")

	res = run(t, "", "load", "--repo", repo, "--size", "large", "--format", "json")
	require.Equal(t, 0, res.code, res.stderr)
	var doc pipeline.Loaded
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &doc))
	assert.Equal(t, "large", doc.Size)
	assert.Equal(t, 0, doc.KeyVersion)
	assert.Contains(t, doc.Content, "```teammem-events")

	// Nothing new: an auto save stays silent and commits nothing.
	res = run(t, "", "save", "--repo", repo, "--auto")
	assert.Equal(t, 0, res.code)
	assert.Empty(t, res.stdout)
	assert.Empty(t, res.stderr)
}

func TestSave_EncryptedWithFileKeys(t *testing.T) {
	home := isolate(t)
	repo := initRepo(t)
	writeTranscript(t, home, repo)

	keyring := filepath.Join(home, "keyring.json")
	_, err := crypto.NewFileProvider(keyring).Rotate(context.Background())
	require.NoError(t, err)
	t.Setenv("TEAMMEM_KEYS_PROVIDER", config.KeyProviderFile)
	t.Setenv("TEAMMEM_KEYS_FILE", keyring)

	res := run(t, "", "save", "--repo", repo)
	require.Equal(t, 0, res.code, res.stderr)

	raw, err := os.ReadFile(filepath.Join(repo, ".teammem", "small.md"))
	require.NoError(t, err)
	assert.True(t, crypto.IsEnvelope(string(raw)))
	assert.NotContains(t, string(raw), "SQLite")

	res = run(t, "", "load", "--repo", repo, "--size", "small", "--format", "json")
	require.Equal(t, 0, res.code, res.stderr)
	var doc pipeline.Loaded
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &doc))
	assert.Equal(t, 1, doc.KeyVersion)
	assert.Contains(t, doc.Content, "SQLite in WAL mode")

	res = run(t, "", "key", "rotate", "--repo", repo)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Rotated team key to version 2")

	res = run(t, "", "status", "--repo", repo, "--json")
	require.Equal(t, 0, res.code, res.stderr)
	var st pipeline.Status
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &st))
	assert.Equal(t, 2, st.KeyVersion)
	for _, d := range st.Documents {
		assert.Equal(t, 2, d.KeyVersion, d.Size)
	}
}

func TestLoad_BeforeSave(t *testing.T) {
	isolate(t)
	repo := initRepo(t)

	res := run(t, "", "load", "--repo", repo)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "no memory saved yet")

	res = run(t, "", "load", "--repo", repo, "--quiet")
	assert.Equal(t, 0, res.code)
	assert.Empty(t, res.stderr)
	assert.Empty(t, res.stdout)
}

func TestExitCodes(t *testing.T) {
	isolate(t)
	notRepo := t.TempDir()

	res := run(t, "", "save", "--repo", notRepo)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "not inside a git repository")

	res = run(t, "", "save", "--repo", notRepo, "--auto")
	assert.Equal(t, 0, res.code)
	assert.Empty(t, res.stderr)

	res = run(t, "", "load", "--repo", notRepo, "--format", "yaml")
	assert.Equal(t, 2, res.code)

	res = run(t, "", "save", "--bogus")
	assert.Equal(t, 2, res.code)
}

func TestHook_SessionEnd(t *testing.T) {
	home := isolate(t)
	repo := initRepo(t)
	writeTranscript(t, home, repo)

	payload := `{"session_id":"sess-1","cwd":"` + repo + `","hook_event_name":"SessionEnd"}`
	res := run(t, payload, "hook", "SessionEnd")
	assert.Equal(t, 0, res.code)
	assert.Empty(t, res.stdout)

	_, err := os.Stat(filepath.Join(repo, ".teammem", "large.md"))
	assert.NoError(t, err)

	// Unknown hooks never fail the calling tool.
	res = run(t, "", "hook", "before_clear", "--repo", repo)
	assert.Equal(t, 0, res.code)
}

func TestInstallHooks(t *testing.T) {
	isolate(t)
	repo := initRepo(t)

	res := run(t, "", "install-hooks", "--repo", repo)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Installed post-commit hook")

	raw, err := os.ReadFile(filepath.Join(repo, ".git", "hooks", "post-commit"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "hook git_commit")
}

func TestExtractorEntries(t *testing.T) {
	entries, err := extractorEntries(config.ExtractorsConfig{Enabled: []string{"cursor", "claude-code"}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cursor", entries[0].Extractor.Name())
	assert.Equal(t, "claude-code", entries[1].Extractor.Name())

	entries, err = extractorEntries(config.ExtractorsConfig{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	_, err = extractorEntries(config.ExtractorsConfig{Enabled: []string{"vim"}})
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"conflict", &persist.MergeConflictError{Attempts: 3}, "gave up after 3 attempts"},
		{"not repo", persist.ErrNotRepository, "not inside a git repository"},
		{"not admin", crypto.ErrNotAdmin, "only team admins"},
		{"no key", crypto.ErrNoKey, "no encryption key yet"},
		{"decrypt", &crypto.EncryptionError{Op: "decrypt", Err: crypto.ErrDecrypt}, "cannot decrypt"},
		{"persistence", &persist.PersistenceError{Op: "push", Err: errors.New("auth required")}, "checkpoints were not advanced"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, describe(tt.err), tt.want)
		})
	}
}
