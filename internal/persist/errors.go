package persist

import (
	"errors"
	"fmt"
)

var (
	// ErrMergeConflict matches every MergeConflictError.
	ErrMergeConflict = errors.New("memory documents changed on remote during sync; retry after pulling")
	// ErrNotRepository is returned when no git repository encloses the path.
	ErrNotRepository = errors.New("not inside a git repository")
	// ErrDetachedHead is returned when HEAD does not point at a branch.
	ErrDetachedHead = errors.New("HEAD is detached; check out a branch before syncing")
)

// MergeConflictError reports that the remote kept advancing past the retry
// budget, or that unstaged changes blocked catching up with it.
type MergeConflictError struct {
	Attempts int
	Reason   string
}

func (e *MergeConflictError) Error() string {
	msg := ErrMergeConflict.Error()
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
}

func (e *MergeConflictError) Is(target error) bool { return target == ErrMergeConflict }

// PersistenceError wraps a failed write, commit, fetch or push. Nothing was
// committed when it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
