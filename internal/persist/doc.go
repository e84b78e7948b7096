// Package persist stores the memory documents inside the user's git
// repository and shares them through its remote.
//
// Sync is read-merge-write with optimistic concurrency. Each attempt
// fetches the remote, fast-forwards to it when a teammate has pushed,
// rebuilds the documents against that baseline, commits only the memory
// paths and pushes. A rejected push undoes the local commit and retries
// against the newer remote; once the retry budget is spent the caller gets
// a MergeConflictError. The three documents always land in one commit, so
// no reader ever sees a mix of old and new tiers.
//
// Only the memory commit is ever pushed. When the local branch carries
// commits the remote lacks, the memory commit is parented on the remote
// head and pushed by hash, leaving the branch and worktree for the user's
// next pull. A remote branch that does not exist yet is never created.
package persist
