package hooks

import (
	"github.com/fyrsmithlabs/teammem/internal/config"
)

// Config holds hook configuration
type Config struct {
	// SessionEnd saves when an AI tool session ends
	SessionEnd bool

	// ExplicitSave saves when a tool forwards an explicit save request
	ExplicitSave bool

	// GitCommit saves after each commit
	GitCommit bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{SessionEnd: true, ExplicitSave: true, GitCommit: true}
}

// FromSettings maps the hooks section of the config file.
func FromSettings(c config.HooksConfig) *Config {
	return &Config{SessionEnd: c.SessionEnd, ExplicitSave: c.ExplicitSave, GitCommit: c.GitCommit}
}

// Enabled reports whether hookType should run.
func (c *Config) Enabled(hookType HookType) bool {
	switch hookType {
	case HookSessionEnd:
		return c.SessionEnd
	case HookExplicitSave:
		return c.ExplicitSave
	case HookGitCommit:
		return c.GitCommit
	}
	return false
}
