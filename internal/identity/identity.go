// Package identity resolves who is saving memory and which project it belongs to.
package identity

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
)

// Fallback is used when nothing else identifies the user.
const Fallback = "local"

// User returns the identity stamped on captured events.
// Priority: configured → repo git user.email/user.name → global git user.email/user.name → $USER → "local".
func User(repoRoot, configured string) string {
	if v := strings.TrimSpace(configured); v != "" {
		return v
	}
	if repoRoot != "" {
		if repo, err := git.PlainOpen(repoRoot); err == nil {
			if cfg, err := repo.Config(); err == nil {
				if u := fromGitUser(cfg); u != "" {
					return u
				}
			}
		}
	}
	if cfg, err := config.LoadConfig(config.GlobalScope); err == nil {
		if u := fromGitUser(cfg); u != "" {
			return u
		}
	}
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return Fallback
}

func fromGitUser(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	if e := strings.TrimSpace(cfg.User.Email); e != "" {
		return e
	}
	return strings.TrimSpace(cfg.User.Name)
}

var (
	scpRemote = regexp.MustCompile(`^[^@/]+@[^:]+:(.+)$`)
	urlRemote = regexp.MustCompile(`^[a-z][a-z0-9+.-]*://[^/]+/(.+)$`)
)

// ProjectName derives a display name from the origin remote, falling back
// to the repository directory name.
func ProjectName(repoRoot string) string {
	if repo, err := git.PlainOpen(repoRoot); err == nil {
		if remote, err := repo.Remote("origin"); err == nil {
			if urls := remote.Config().URLs; len(urls) > 0 {
				if name := nameFromRemoteURL(urls[0]); name != "" {
					return name
				}
			}
		}
	}
	base := filepath.Base(filepath.Clean(repoRoot))
	if base == "." || base == string(filepath.Separator) {
		return "project"
	}
	return base
}

// nameFromRemoteURL returns "owner/repo" for git@host:owner/repo.git and
// https://host/owner/repo.git, or the last path element for local paths.
func nameFromRemoteURL(u string) string {
	u = strings.TrimSpace(u)
	var path string
	switch {
	case urlRemote.MatchString(u):
		path = urlRemote.FindStringSubmatch(u)[1]
	case scpRemote.MatchString(u):
		path = scpRemote.FindStringSubmatch(u)[1]
	default:
		path = filepath.Base(u)
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	return path
}
