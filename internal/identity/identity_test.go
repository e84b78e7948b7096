package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return home
}

func TestUser_Priority(t *testing.T) {
	home := isolateHome(t)
	t.Setenv("USER", "osuser")
	repoDir := t.TempDir()
	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)

	assert.Equal(t, "configured@example.com", User(repoDir, "configured@example.com"))
	assert.Equal(t, "osuser", User(repoDir, ""))

	require.NoError(t, os.WriteFile(filepath.Join(home, ".gitconfig"),
		[]byte("[user]\n\tname = Global Name\n"), 0o600))
	assert.Equal(t, "Global Name", User(repoDir, ""))

	cfg, err := repo.Config()
	require.NoError(t, err)
	cfg.User.Email = "dev@example.com"
	require.NoError(t, repo.SetConfig(cfg))
	assert.Equal(t, "dev@example.com", User(repoDir, ""))
}

func TestUser_Fallback(t *testing.T) {
	isolateHome(t)
	t.Setenv("USER", "")
	assert.Equal(t, Fallback, User("", ""))
}

func TestNameFromRemoteURL(t *testing.T) {
	tests := map[string]string{
		"git@github.com:acme/widgets.git":     "acme/widgets",
		"https://github.com/acme/widgets.git": "acme/widgets",
		"ssh://git@gitlab.com/group/sub/app":  "group/sub/app",
		"/srv/git/widgets.git":                "widgets",
	}
	for in, want := range tests {
		assert.Equal(t, want, nameFromRemoteURL(in), in)
	}
}

func TestProjectName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-service")
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	assert.Equal(t, "my-service", ProjectName(dir))

	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{"git@github.com:acme/widgets.git"}})
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", ProjectName(dir))
}
