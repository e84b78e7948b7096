// Package hooks dispatches lifecycle hooks (session end, explicit save,
// git commit) to the handlers registered for them.
//
// AI tools call `teammem hook session_end` from their own hook settings and
// pass a JSON payload on stdin. A git post-commit hook installed by
// InstallGitHook calls `teammem hook git_commit`. Hooks always run with auto
// semantics: they never fail the caller.
package hooks
