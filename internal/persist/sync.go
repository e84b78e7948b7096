package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/logging"
	"github.com/fyrsmithlabs/teammem/internal/metrics"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the retry budget when a push is rejected.
const DefaultMaxRetries = 2

// SyncOptions configures a Syncer.
type SyncOptions struct {
	// Remote is the remote name; a missing remote means commit locally only.
	Remote string
	// Branch is the remote branch to push to. Empty uses the current branch.
	Branch string
	// Push disables pushing when false.
	Push bool
	// MaxRetries bounds how many times a rejected push is retried.
	MaxRetries int
	// Timeout bounds each fetch and push.
	Timeout     time.Duration
	AuthorName  string
	AuthorEmail string
	// Message is the commit message.
	Message string
	// Now stamps commits; nil uses time.Now.
	Now func() time.Time
}

// BuildFunc produces the documents to commit from the current baseline. It
// may run more than once per Sync, once per attempt, and must not have side
// effects beyond its return value.
type BuildFunc func(ctx context.Context, baseline Documents) (Documents, error)

// SyncResult describes a finished Sync.
type SyncResult struct {
	Committed bool
	Pushed    bool
	// Detached is set when the local branch has commits the remote lacks.
	// The memory commit then sits on the remote head only and the local
	// branch picks it up on the user's next pull.
	Detached bool
	Commit   plumbing.Hash
	Attempts int
	// Documents are the documents in the memory commit.
	Documents Documents
}

// base is the commit a memory commit is parented on.
type base struct {
	parent plumbing.Hash
	// detached means parent is the remote head and the local branch is ahead
	// of it; the local branch and worktree are left alone.
	detached bool
	// published means the remote branch exists. Memory is never pushed to
	// create a branch, which would publish the user's local history.
	published bool
}

// Syncer runs read-merge-write cycles against a Repository.
type Syncer struct {
	repo    *Repository
	opts    SyncOptions
	metrics *metrics.Metrics
	// beforeRename is handed to the Writer for forward writes.
	beforeRename func(Tier) error
}

// NewSyncer returns a Syncer. A nil metrics uses metrics.Default().
func NewSyncer(repo *Repository, opts SyncOptions, m *metrics.Metrics) *Syncer {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Message == "" {
		opts.Message = "teammem: update team memory"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Syncer{repo: repo, opts: opts, metrics: m}
}

// errRejected marks a push the remote refused because it moved on.
var errRejected = errors.New("push rejected: remote advanced")

// Sync fetches, builds against the newest baseline, commits the memory
// paths and pushes. Cancellation is honored up to the commit; a canceled
// sync leaves the repository untouched.
func (s *Syncer) Sync(ctx context.Context, build BuildFunc) (SyncResult, error) {
	log := logging.FromContext(ctx)
	remote := s.repo.HasRemote(s.opts.Remote)

	var lastReason string
	for attempt := 1; attempt <= s.opts.MaxRetries+1; attempt++ {
		if attempt > 1 {
			s.metrics.SyncRetries.Inc()
			log.Info(ctx, "remote advanced during sync, retrying", zap.Int("attempt", attempt))
		}

		res, err := s.attempt(ctx, build, remote)
		res.Attempts = attempt
		if err == nil {
			return res, nil
		}
		var conflict *MergeConflictError
		if errors.As(err, &conflict) {
			conflict.Attempts = attempt
		}
		if !errors.Is(err, errRejected) {
			return res, err
		}
		lastReason = err.Error()
	}
	return SyncResult{Attempts: s.opts.MaxRetries + 1}, &MergeConflictError{Attempts: s.opts.MaxRetries + 1, Reason: lastReason}
}

// Pull brings the local branch up to date with the remote without
// committing anything and returns the newest memory documents. When the
// local branch has unpushed commits it is not moved and the remote's
// documents are returned.
func (s *Syncer) Pull(ctx context.Context) (Documents, error) {
	branchName, branchRef, err := s.repo.branch()
	if err != nil {
		return Documents{}, &PersistenceError{Op: "pull", Err: err}
	}
	b := base{parent: plumbing.ZeroHash}
	if branchRef != nil {
		b.parent = branchRef.Hash()
	}
	if s.repo.HasRemote(s.opts.Remote) {
		if b, err = s.resolveBase(ctx, branchName, b.parent); err != nil {
			return Documents{}, err
		}
	}
	docs, err := s.repo.readCommit(b.parent)
	if err != nil {
		return Documents{}, &PersistenceError{Op: "pull", Err: err}
	}
	return docs, nil
}

func (s *Syncer) attempt(ctx context.Context, build BuildFunc, remote bool) (SyncResult, error) {
	log := logging.FromContext(ctx)

	branchName, branchRef, err := s.repo.branch()
	if err != nil {
		return SyncResult{}, &PersistenceError{Op: "sync", Err: err}
	}
	head := plumbing.ZeroHash
	if branchRef != nil {
		head = branchRef.Hash()
	}

	b := base{parent: head}
	if remote {
		if b, err = s.resolveBase(ctx, branchName, head); err != nil {
			return SyncResult{}, err
		}
		if b.detached && !s.opts.Push {
			// Nothing leaves the machine; commit on the user's branch.
			b = base{parent: head, published: true}
		}
		if !b.detached && b.parent != head {
			branchRef = plumbing.NewHashReference(branchName, b.parent)
		}
	}
	parent := b.parent

	baseline, err := s.repo.readCommit(parent)
	if err != nil {
		return SyncResult{}, &PersistenceError{Op: "read baseline", Err: err}
	}

	docs, err := build(ctx, baseline)
	if err != nil {
		return SyncResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return SyncResult{}, err
	}

	sig := object.Signature{Name: s.opts.AuthorName, Email: s.opts.AuthorEmail, When: s.opts.Now()}
	commit, err := s.repo.commitDocuments(parent, docs, sig, s.opts.Message)
	if err != nil {
		return SyncResult{}, &PersistenceError{Op: "commit", Err: err}
	}
	if commit.IsZero() {
		log.Debug(ctx, "memory documents unchanged, nothing to commit")
		if b.detached {
			return SyncResult{Commit: parent, Detached: true, Documents: docs}, nil
		}
		if err := s.materialize(docs, nil); err != nil {
			return SyncResult{}, err
		}
		return SyncResult{Commit: parent, Documents: docs}, nil
	}

	if b.detached {
		return s.publishDetached(ctx, branchName, commit, docs)
	}

	if err := s.materialize(docs, s.beforeRename); err != nil {
		s.restore(ctx, baseline)
		return SyncResult{}, err
	}
	// Last chance to abort: after the reference moves the commit is made.
	if err := ctx.Err(); err != nil {
		s.restore(ctx, baseline)
		return SyncResult{}, err
	}
	if err := s.repo.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(branchName, commit), branchRef); err != nil {
		s.restore(ctx, baseline)
		return SyncResult{}, &PersistenceError{Op: "update " + branchName.Short(), Err: err}
	}
	log.Info(ctx, "committed memory documents", zap.String("commit", commit.String()))

	res := SyncResult{Committed: true, Commit: commit, Documents: docs}
	if !remote || !s.opts.Push {
		return res, nil
	}
	if !b.published {
		log.Warn(ctx, "remote branch does not exist yet, memory commit stays local until the branch is pushed",
			zap.String("branch", s.remoteBranch(branchName).Short()))
		return res, nil
	}

	if err := s.push(ctx, commit, branchName); err != nil {
		s.undo(ctx, branchName, commit, branchRef, baseline)
		return SyncResult{}, err
	}
	res.Pushed = true
	return res, nil
}

// publishDetached pushes a memory commit parented on the remote head
// without moving the local branch, so the user's unpushed commits stay
// local.
func (s *Syncer) publishDetached(ctx context.Context, branchName plumbing.ReferenceName, commit plumbing.Hash, docs Documents) (SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return SyncResult{}, err
	}
	if err := s.push(ctx, commit, branchName); err != nil {
		return SyncResult{}, err
	}
	logging.FromContext(ctx).Info(ctx, "published memory documents on the remote branch; local branch has unpushed commits and picks them up on the next pull",
		zap.String("commit", commit.String()),
		zap.String("branch", branchName.Short()))
	return SyncResult{Committed: true, Pushed: true, Detached: true, Commit: commit, Documents: docs}, nil
}

// resolveBase fetches and decides where the next memory commit goes. A
// local branch that is behind is fast-forwarded; one that is ahead of or
// diverged from the remote is left alone and the remote head is used.
func (s *Syncer) resolveBase(ctx context.Context, branchName plumbing.ReferenceName, head plumbing.Hash) (base, error) {
	remoteHead, err := s.fetch(ctx, branchName)
	if err != nil {
		return base{parent: head}, err
	}
	switch {
	case remoteHead.IsZero():
		return base{parent: head}, nil
	case remoteHead == head:
		return base{parent: head, published: true}, nil
	case head.IsZero():
		to, err := s.fastForward(remoteHead)
		return base{parent: to, published: true}, err
	}

	local, err := s.repo.repo.CommitObject(head)
	if err != nil {
		return base{parent: head}, &PersistenceError{Op: "fetch", Err: err}
	}
	theirs, err := s.repo.repo.CommitObject(remoteHead)
	if err != nil {
		return base{parent: head}, &PersistenceError{Op: "fetch", Err: err}
	}
	behind, err := local.IsAncestor(theirs)
	if err != nil {
		return base{parent: head}, &PersistenceError{Op: "fetch", Err: err}
	}
	if behind {
		to, err := s.fastForward(remoteHead)
		return base{parent: to, published: true}, err
	}
	return base{parent: remoteHead, detached: true, published: true}, nil
}

func (s *Syncer) fastForward(to plumbing.Hash) (plumbing.Hash, error) {
	err := s.repo.wt.Reset(&git.ResetOptions{Commit: to, Mode: git.MergeReset})
	if errors.Is(err, git.ErrUnstagedChanges) {
		return plumbing.ZeroHash, &MergeConflictError{Attempts: 1, Reason: "remote advanced and the working tree has unstaged changes"}
	}
	if err != nil {
		return plumbing.ZeroHash, &PersistenceError{Op: "fast-forward", Err: err}
	}
	return to, nil
}

func (s *Syncer) remoteBranch(local plumbing.ReferenceName) plumbing.ReferenceName {
	if s.opts.Branch != "" {
		return plumbing.NewBranchReferenceName(s.opts.Branch)
	}
	return local
}

// fetch updates remote-tracking refs and returns the remote branch head, or
// the zero hash if the remote has no such branch yet.
func (s *Syncer) fetch(ctx context.Context, local plumbing.ReferenceName) (plumbing.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	target := s.remoteBranch(local)
	tracking := plumbing.NewRemoteReferenceName(s.opts.Remote, target.Short())
	err := s.repo.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: s.opts.Remote,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+%s:%s", target, tracking))},
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository), isMissingRef(err):
		return plumbing.ZeroHash, nil
	default:
		return plumbing.ZeroHash, &PersistenceError{Op: "fetch " + s.opts.Remote, Err: err}
	}

	ref, err := s.repo.repo.Storer.Reference(tracking)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, &PersistenceError{Op: "fetch " + s.opts.Remote, Err: err}
	}
	return ref.Hash(), nil
}

// push sends exactly commit to the remote branch. Pushing the hash rather
// than the local branch keeps anything else on the branch local.
func (s *Syncer) push(ctx context.Context, commit plumbing.Hash, local plumbing.ReferenceName) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	spec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", commit, s.remoteBranch(local)))
	err := s.repo.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: s.opts.Remote,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case isRejected(err):
		return fmt.Errorf("%w: %v", errRejected, err)
	default:
		return &PersistenceError{Op: "push " + s.opts.Remote, Err: err}
	}
}

// materialize writes docs to the working tree and stages them.
func (s *Syncer) materialize(docs Documents, hook func(Tier) error) error {
	w := NewWriter(s.repo.MemDir())
	w.beforeRename = hook
	if err := w.WriteAtomic(docs); err != nil {
		return err
	}
	if err := s.repo.stage(); err != nil {
		return &PersistenceError{Op: "stage", Err: err}
	}
	return nil
}

// restore puts the baseline documents back in the working tree and index.
func (s *Syncer) restore(ctx context.Context, baseline Documents) {
	if err := s.materialize(baseline, nil); err != nil {
		logging.FromContext(ctx).Error(ctx, "failed to restore memory documents", zap.Error(err))
	}
}

// undo moves the branch back from commit to its previous reference and
// restores the baseline documents.
func (s *Syncer) undo(ctx context.Context, branchName plumbing.ReferenceName, commit plumbing.Hash, prev *plumbing.Reference, baseline Documents) {
	current := plumbing.NewHashReference(branchName, commit)
	var err error
	if prev == nil {
		err = s.repo.repo.Storer.RemoveReference(branchName)
	} else {
		err = s.repo.repo.Storer.CheckAndSetReference(prev, current)
	}
	if err != nil {
		logging.FromContext(ctx).Error(ctx, "failed to undo local memory commit", zap.String("commit", commit.String()), zap.Error(err))
		return
	}
	s.restore(ctx, baseline)
}

func isRejected(err error) bool {
	if errors.Is(err, git.ErrForceNeeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "fetch first") || strings.Contains(msg, "rejected")
}

func isMissingRef(err error) bool {
	var noMatch git.NoMatchingRefSpecError
	return errors.As(err, &noMatch) || strings.Contains(err.Error(), "couldn't find remote ref")
}
