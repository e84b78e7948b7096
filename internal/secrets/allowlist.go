package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// GitleaksFile is the repository-local Gitleaks configuration.
const GitleaksFile = ".gitleaks.toml"

// ErrInvalidAllowlist is returned for unparsable TOML or bad patterns.
var ErrInvalidAllowlist = errors.New("invalid allowlist")

// LoadRepoAllowlist reads the [allowlist] regexes of <repoRoot>/.gitleaks.toml.
// A missing file yields no patterns.
func LoadRepoAllowlist(repoRoot string) ([]string, error) {
	if repoRoot == "" {
		return nil, nil
	}
	path := filepath.Join(repoRoot, GitleaksFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var doc struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}

	patterns := append([]string{}, doc.Allowlist.Regexes...)
	for _, w := range doc.Allowlist.StopWords {
		patterns = append(patterns, regexp.QuoteMeta(w))
	}
	return patterns, nil
}

func compileAllowlist(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidAllowlist, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
