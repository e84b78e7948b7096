package persist

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repository is the git repository holding the memory directory.
type Repository struct {
	repo   *git.Repository
	wt     *git.Worktree
	root   string
	memDir string
}

// Open finds the repository enclosing path. memDir is relative to the
// repository root.
func Open(dir, memDir string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	clean := filepath.ToSlash(filepath.Clean(memDir))
	if filepath.IsAbs(memDir) || clean == "." || strings.HasPrefix(clean, "../") {
		return nil, fmt.Errorf("memory dir must be a subdirectory of the repository, got %q", memDir)
	}
	return &Repository{repo: repo, wt: wt, root: wt.Filesystem.Root(), memDir: clean}, nil
}

// Root is the worktree root.
func (r *Repository) Root() string { return r.root }

// GitDir is the repository's .git directory, following gitdir files used by
// linked worktrees and submodules.
func (r *Repository) GitDir() (string, error) {
	dotGit := filepath.Join(r.root, git.GitDirName)
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return dotGit, nil
	}
	raw, err := os.ReadFile(dotGit)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(raw))
	target, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return "", fmt.Errorf("unrecognized .git file: %q", line)
	}
	target = strings.TrimSpace(target)
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.root, target)
	}
	return target, nil
}

// MemDir is the absolute memory directory.
func (r *Repository) MemDir() string {
	return filepath.Join(r.root, filepath.FromSlash(r.memDir))
}

// Path is the repository-relative slash path of a tier's file.
func (r *Repository) Path(t Tier) string {
	return path.Join(r.memDir, t.FileName())
}

// Git exposes the underlying go-git repository.
func (r *Repository) Git() *git.Repository { return r.repo }

// HasRemote reports whether the named remote is configured.
func (r *Repository) HasRemote(name string) bool {
	_, err := r.repo.Remote(name)
	return err == nil
}

// ReadDocuments reads the tiers currently in the working tree.
func (r *Repository) ReadDocuments() (Documents, error) {
	var docs Documents
	for _, t := range Tiers {
		raw, err := os.ReadFile(filepath.Join(r.MemDir(), t.FileName()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Documents{}, fmt.Errorf("read %s: %w", t.FileName(), err)
		}
		docs.Set(t, string(raw))
	}
	return docs, nil
}

// readCommit reads the tiers recorded in commit h. A zero hash yields no
// documents.
func (r *Repository) readCommit(h plumbing.Hash) (Documents, error) {
	var docs Documents
	if h.IsZero() {
		return docs, nil
	}
	c, err := r.repo.CommitObject(h)
	if err != nil {
		return docs, fmt.Errorf("read commit %s: %w", h, err)
	}
	for _, t := range Tiers {
		f, err := c.File(r.Path(t))
		if errors.Is(err, object.ErrFileNotFound) {
			continue
		}
		if err != nil {
			return Documents{}, fmt.Errorf("read %s at %s: %w", r.Path(t), h, err)
		}
		content, err := f.Contents()
		if err != nil {
			return Documents{}, fmt.Errorf("read %s at %s: %w", r.Path(t), h, err)
		}
		docs.Set(t, content)
	}
	return docs, nil
}

// branch returns the branch HEAD points at and its current reference, which
// is nil on an unborn branch.
func (r *Repository) branch() (plumbing.ReferenceName, *plumbing.Reference, error) {
	head, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", nil, fmt.Errorf("read HEAD: %w", err)
	}
	if head.Type() != plumbing.SymbolicReference {
		return "", nil, ErrDetachedHead
	}
	name := head.Target()
	ref, err := r.repo.Storer.Reference(name)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return name, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", name, err)
	}
	return name, ref, nil
}

// stage makes the index entries of the memory paths match the working tree.
func (r *Repository) stage() error {
	for _, t := range Tiers {
		p := r.Path(t)
		if _, err := os.Stat(filepath.Join(r.root, filepath.FromSlash(p))); err == nil {
			if err := r.wt.AddWithOptions(&git.AddOptions{Path: p, SkipStatus: true}); err != nil {
				return fmt.Errorf("stage %s: %w", p, err)
			}
			continue
		}
		idx, err := r.repo.Storer.Index()
		if err != nil {
			return err
		}
		if _, err := idx.Remove(p); err != nil {
			continue
		}
		if err := r.repo.Storer.SetIndex(idx); err != nil {
			return fmt.Errorf("unstage %s: %w", p, err)
		}
	}
	return nil
}
