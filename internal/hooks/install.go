package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const gitHookMarker = "# teammem: save team memory after each commit"

// InstallGitHook adds a post-commit hook running `<binary> hook git_commit`
// in the background. An existing hook is appended to, not replaced. It
// reports whether the file changed.
func InstallGitHook(gitDir, binary string) (bool, error) {
	if binary == "" {
		binary = "teammem"
	}
	dir := filepath.Join(gitDir, "hooks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create hooks directory: %w", err)
	}
	path := filepath.Join(dir, "post-commit")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read post-commit hook: %w", err)
	}
	if strings.Contains(string(existing), gitHookMarker) {
		return false, nil
	}

	var b strings.Builder
	if len(existing) == 0 {
		b.WriteString("#!/bin/sh\n")
	} else {
		b.Write(existing)
		if !strings.HasSuffix(string(existing), "\n") {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "%s\n%q hook %s >/dev/null 2>&1 &\n", gitHookMarker, binary, HookGitCommit)

	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return false, fmt.Errorf("write post-commit hook: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o755); err != nil {
		return false, fmt.Errorf("chmod post-commit hook: %w", err)
	}
	return true, nil
}
