package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/metrics"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// Serve file remotes in-process so the tests do not need a git binary.
	client.InstallProtocol("file", server.NewClient(server.DefaultLoader))
	os.Exit(m.Run())
}

var testSig = &object.Signature{Name: "Test", Email: "test@example.com", When: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	r, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	_, err = wt.Add(name)
	require.NoError(t, err)
	_, err = wt.Commit("add "+name, &git.CommitOptions{Author: testSig})
	require.NoError(t, err)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo")
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitFile(t, dir, "README.md", "# project\n")
	return dir
}

// newRemote returns a bare remote seeded with one commit.
func newRemote(t *testing.T) string {
	t.Helper()
	bare := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(bare, true)
	require.NoError(t, err)

	seed := initRepo(t)
	r, err := git.PlainOpen(seed)
	require.NoError(t, err)
	_, err = r.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{bare}})
	require.NoError(t, err)
	require.NoError(t, r.Push(&git.PushOptions{RemoteName: "origin"}))
	return bare
}

func cloneRemote(t *testing.T, remote string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clone")
	_, err := git.PlainClone(dir, false, &git.CloneOptions{URL: remote})
	require.NoError(t, err)
	return dir
}

func newSyncer(t *testing.T, dir string, m *metrics.Metrics, retries int) *Syncer {
	t.Helper()
	repo, err := Open(dir, ".teammem")
	require.NoError(t, err)
	return NewSyncer(repo, SyncOptions{
		Remote:      "origin",
		Push:        true,
		MaxRetries:  retries,
		AuthorName:  "teammem",
		AuthorEmail: "teammem@localhost",
	}, m)
}

func docs(tag string) Documents {
	return Documents{Small: "small " + tag, Medium: "medium " + tag, Large: "large " + tag}
}

func appendBuild(tag string) BuildFunc {
	return func(_ context.Context, base Documents) (Documents, error) {
		return Documents{
			Small:  "small " + tag,
			Medium: "medium " + tag,
			Large:  strings.TrimSpace(base.Large + "\n" + tag),
		}, nil
	}
}

func headDocs(t *testing.T, dir string) Documents {
	t.Helper()
	repo, err := Open(dir, ".teammem")
	require.NoError(t, err)
	head, err := repo.Git().Head()
	require.NoError(t, err)
	d, err := repo.readCommit(head.Hash())
	require.NoError(t, err)
	return d
}

func isClean(t *testing.T, dir string) bool {
	t.Helper()
	r, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)
	st, err := wt.Status()
	require.NoError(t, err)
	return st.IsClean()
}

func TestOpen(t *testing.T) {
	dir := initRepo(t)
	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	repo, err := Open(sub, ".teammem")
	require.NoError(t, err)
	assert.Equal(t, dir, repo.Root())
	assert.Equal(t, ".teammem/large.md", repo.Path(Large))
	gitDir, err := repo.GitDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".git"), gitDir)

	_, err = Open(t.TempDir(), ".teammem")
	assert.ErrorIs(t, err, ErrNotRepository)
	_, err = Open(dir, "../outside")
	assert.Error(t, err)
}

func TestSync_LocalOnlyCommitsMemoryPaths(t *testing.T) {
	dir := initRepo(t)

	// Unrelated staged work must stay out of the memory commit.
	r, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wip.go"), []byte("package wip\n"), 0o644))
	_, err = wt.Add("wip.go")
	require.NoError(t, err)

	s := newSyncer(t, dir, metrics.New(), 2)
	res, err := s.Sync(context.Background(), func(context.Context, Documents) (Documents, error) { return docs("v1"), nil })
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.False(t, res.Pushed)
	assert.Equal(t, 1, res.Attempts)

	assert.Equal(t, docs("v1"), headDocs(t, dir))
	head, err := r.CommitObject(res.Commit)
	require.NoError(t, err)
	_, err = head.File("wip.go")
	assert.ErrorIs(t, err, object.ErrFileNotFound)

	st, err := wt.Status()
	require.NoError(t, err)
	assert.Equal(t, git.Added, st.File("wip.go").Staging)
	for _, tier := range Tiers {
		if fs, listed := st[".teammem/"+tier.FileName()]; listed {
			assert.Equal(t, git.Unmodified, fs.Staging, tier)
			assert.Equal(t, git.Unmodified, fs.Worktree, tier)
		}
	}

	onDisk, err := s.repo.ReadDocuments()
	require.NoError(t, err)
	assert.Equal(t, docs("v1"), onDisk)
}

func TestSync_UnchangedDocumentsDoNotCommit(t *testing.T) {
	dir := initRepo(t)
	s := newSyncer(t, dir, metrics.New(), 2)
	build := func(context.Context, Documents) (Documents, error) { return docs("same"), nil }

	first, err := s.Sync(context.Background(), build)
	require.NoError(t, err)
	require.True(t, first.Committed)

	second, err := s.Sync(context.Background(), build)
	require.NoError(t, err)
	assert.False(t, second.Committed)
	assert.Equal(t, first.Commit, second.Commit)
	assert.True(t, isClean(t, dir))
}

func TestSync_PartialWriteLeavesRepositoryUntouched(t *testing.T) {
	dir := initRepo(t)
	s := newSyncer(t, dir, metrics.New(), 2)
	first, err := s.Sync(context.Background(), func(context.Context, Documents) (Documents, error) { return docs("v1"), nil })
	require.NoError(t, err)

	s.beforeRename = func(t Tier) error {
		if t == Large {
			return errors.New("simulated crash")
		}
		return nil
	}
	_, err = s.Sync(context.Background(), func(context.Context, Documents) (Documents, error) { return docs("v2"), nil })
	require.Error(t, err)
	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)

	r, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := r.Head()
	require.NoError(t, err)
	assert.Equal(t, first.Commit, head.Hash())
	onDisk, err := s.repo.ReadDocuments()
	require.NoError(t, err)
	assert.Equal(t, docs("v1"), onDisk)
	assert.True(t, isClean(t, dir))
}

func TestSync_CanceledBeforeCommit(t *testing.T) {
	dir := initRepo(t)
	s := newSyncer(t, dir, metrics.New(), 2)
	r, err := git.PlainOpen(dir)
	require.NoError(t, err)
	before, err := r.Head()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = s.Sync(ctx, func(context.Context, Documents) (Documents, error) {
		cancel()
		return docs("v1"), nil
	})
	require.ErrorIs(t, err, context.Canceled)

	after, err := r.Head()
	require.NoError(t, err)
	assert.Equal(t, before.Hash(), after.Hash())
	_, statErr := os.Stat(filepath.Join(dir, ".teammem", "small.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSync_BuildsOnRemoteBaseline(t *testing.T) {
	remote := newRemote(t)
	a := cloneRemote(t, remote)
	b := cloneRemote(t, remote)

	resA, err := newSyncer(t, a, metrics.New(), 2).Sync(context.Background(), appendBuild("alice"))
	require.NoError(t, err)
	assert.True(t, resA.Pushed)

	var seen Documents
	resB, err := newSyncer(t, b, metrics.New(), 2).Sync(context.Background(), func(ctx context.Context, base Documents) (Documents, error) {
		seen = base
		return appendBuild("bob")(ctx, base)
	})
	require.NoError(t, err)
	assert.True(t, resB.Pushed)
	assert.Equal(t, "alice", seen.Large)

	pulled, err := newSyncer(t, a, metrics.New(), 2).Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice\nbob", pulled.Large)
	assert.Equal(t, pulled, headDocs(t, a))
}

func TestSync_RetriesWhenRemoteAdvances(t *testing.T) {
	remote := newRemote(t)
	a := cloneRemote(t, remote)
	b := cloneRemote(t, remote)
	m := metrics.New()

	calls := 0
	res, err := newSyncer(t, b, m, 2).Sync(context.Background(), func(ctx context.Context, base Documents) (Documents, error) {
		calls++
		if calls == 1 {
			// A teammate pushes between our read and our push.
			_, err := newSyncer(t, a, metrics.New(), 2).Sync(ctx, appendBuild("alice"))
			require.NoError(t, err)
		}
		return appendBuild("bob")(ctx, base)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, res.Pushed)
	assert.Equal(t, "alice\nbob", res.Documents.Large)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncRetries))
	assert.True(t, isClean(t, b))
}

func TestSync_ConflictAfterRetryBudget(t *testing.T) {
	remote := newRemote(t)
	a := cloneRemote(t, remote)
	b := cloneRemote(t, remote)

	n := 0
	_, err := newSyncer(t, b, metrics.New(), 1).Sync(context.Background(), func(ctx context.Context, base Documents) (Documents, error) {
		n++
		_, err := newSyncer(t, a, metrics.New(), 2).Sync(ctx, appendBuild("alice"+strings.Repeat("!", n)))
		require.NoError(t, err)
		return appendBuild("bob")(ctx, base)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMergeConflict)
	var mce *MergeConflictError
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, 2, mce.Attempts)
	assert.Contains(t, err.Error(), "retry after pulling")

	// The rejected commits were undone; b sits on alice's first push.
	assert.Equal(t, "alice!", headDocs(t, b).Large)
	assert.True(t, isClean(t, b))
}

// remoteHead returns the commit the bare remote's HEAD branch points at.
func remoteHead(t *testing.T, bare string) *object.Commit {
	t.Helper()
	r, err := git.PlainOpen(bare)
	require.NoError(t, err)
	ref, err := r.Head()
	require.NoError(t, err)
	c, err := r.CommitObject(ref.Hash())
	require.NoError(t, err)
	return c
}

func fileAt(t *testing.T, c *object.Commit, name string) (string, bool) {
	t.Helper()
	f, err := c.File(name)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", false
	}
	require.NoError(t, err)
	content, err := f.Contents()
	require.NoError(t, err)
	return content, true
}

func TestSync_UnpushedWorkStaysLocal(t *testing.T) {
	remote := newRemote(t)
	seed := remoteHead(t, remote)
	a := cloneRemote(t, remote)
	commitFile(t, a, "wip.go", "package wip\n")

	r, err := git.PlainOpen(a)
	require.NoError(t, err)
	before, err := r.Head()
	require.NoError(t, err)

	res, err := newSyncer(t, a, metrics.New(), 2).Sync(context.Background(), appendBuild("alice"))
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.True(t, res.Pushed)
	assert.True(t, res.Detached)

	pushed := remoteHead(t, remote)
	assert.Equal(t, res.Commit, pushed.Hash)
	assert.Equal(t, []plumbing.Hash{seed.Hash}, pushed.ParentHashes)
	_, hasWIP := fileAt(t, pushed, "wip.go")
	assert.False(t, hasWIP, "unpushed work reached the remote")
	large, ok := fileAt(t, pushed, ".teammem/large.md")
	require.True(t, ok)
	assert.Equal(t, "alice", large)

	// The local branch and worktree are untouched.
	after, err := r.Head()
	require.NoError(t, err)
	assert.Equal(t, before.Hash(), after.Hash())
	_, statErr := os.Stat(filepath.Join(a, ".teammem", "large.md"))
	assert.True(t, os.IsNotExist(statErr))
	assert.True(t, isClean(t, a))
}

func TestSync_UnpushedWorkAfterTeammatePush(t *testing.T) {
	remote := newRemote(t)
	a := cloneRemote(t, remote)
	b := cloneRemote(t, remote)

	_, err := newSyncer(t, b, metrics.New(), 2).Sync(context.Background(), appendBuild("bob"))
	require.NoError(t, err)

	// a's branch has diverged from the remote: one local commit, one memory
	// commit it has not seen.
	commitFile(t, a, "wip.go", "package wip\n")

	var seen Documents
	res, err := newSyncer(t, a, metrics.New(), 2).Sync(context.Background(), func(ctx context.Context, base Documents) (Documents, error) {
		seen = base
		return appendBuild("alice")(ctx, base)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.Pushed)
	assert.True(t, res.Detached)
	assert.Equal(t, "bob", seen.Large)

	pushed := remoteHead(t, remote)
	large, ok := fileAt(t, pushed, ".teammem/large.md")
	require.True(t, ok)
	assert.Equal(t, "bob\nalice", large)
	_, hasWIP := fileAt(t, pushed, "wip.go")
	assert.False(t, hasWIP)

	pulled, err := newSyncer(t, a, metrics.New(), 2).Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob\nalice", pulled.Large)
}

func TestSync_MissingRemoteBranchIsNotCreated(t *testing.T) {
	bare := filepath.Join(t.TempDir(), "empty.git")
	_, err := git.PlainInit(bare, true)
	require.NoError(t, err)

	dir := initRepo(t)
	r, err := git.PlainOpen(dir)
	require.NoError(t, err)
	_, err = r.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{bare}})
	require.NoError(t, err)

	res, err := newSyncer(t, dir, metrics.New(), 2).Sync(context.Background(), appendBuild("alice"))
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.False(t, res.Pushed)
	assert.Equal(t, "alice", headDocs(t, dir).Large)

	remoteRepo, err := git.PlainOpen(bare)
	require.NoError(t, err)
	refs, err := remoteRepo.References()
	require.NoError(t, err)
	var branches int
	require.NoError(t, refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name().IsBranch() {
			branches++
		}
		return nil
	}))
	assert.Zero(t, branches)
}
