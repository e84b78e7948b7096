package main

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/teammem/internal/crypto"
	"github.com/fyrsmithlabs/teammem/internal/persist"
	"github.com/fyrsmithlabs/teammem/internal/pipeline"
)

// describe turns an error into a one-line message that says what to do.
func describe(err error) string {
	var (
		conflict *persist.MergeConflictError
		persistE *persist.PersistenceError
		encE     *crypto.EncryptionError
	)
	switch {
	case errors.As(err, &conflict):
		return fmt.Sprintf("%v (gave up after %d attempts; run `git pull` and `teammem sync`)", persist.ErrMergeConflict, conflict.Attempts)
	case errors.Is(err, persist.ErrNotRepository):
		return "not inside a git repository; run teammem from your project or pass --repo"
	case errors.Is(err, persist.ErrDetachedHead):
		return "HEAD is detached; check out a branch before saving team memory"
	case errors.Is(err, crypto.ErrNotAdmin):
		return "only team admins can rotate the key; ask an admin to run `teammem key rotate`"
	case errors.Is(err, crypto.ErrNoKey):
		return "the team has no encryption key yet; an admin must run `teammem key rotate`"
	case errors.Is(err, crypto.ErrKeyNotFound):
		return fmt.Sprintf("%v; the documents use a key version you do not have access to", err)
	case errors.Is(err, crypto.ErrDecrypt):
		return "cannot decrypt team memory: the document is corrupt or was encrypted with a different key"
	case errors.As(err, &encE):
		return fmt.Sprintf("encryption failed, nothing was written: %v", err)
	case errors.Is(err, pipeline.ErrNoDocument):
		return err.Error()
	case errors.As(err, &persistE):
		return fmt.Sprintf("could not write team memory: %v (checkpoints were not advanced; the next save retries)", err)
	}
	return err.Error()
}
