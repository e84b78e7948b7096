package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix scopes environment overrides.
	envPrefix = "TEAMMEM_"

	// RepoConfigFile is the optional repository-local config file name.
	RepoConfigFile = ".teammem.yaml"
)

// LoadOptions selects the files Load reads.
type LoadOptions struct {
	// ConfigPath is the user config file. Empty uses ~/.config/teammem/config.yaml.
	ConfigPath string
	// RepoRoot enables the repository-local .teammem.yaml layer when set.
	RepoRoot string
}

// Load loads configuration from defaults, YAML files and environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (TEAMMEM_SUMMARIZER_ENDPOINT, TEAMMEM_SYNC_MAX_RETRIES, etc.)
//  2. Repository-local .teammem.yaml (team-shared, committed with the repo)
//  3. User config file (~/.config/teammem/config.yaml)
//  4. Built-in defaults
//
// # Security Considerations
//
// The user config file may hold API keys and custody tokens. It MUST have
// 0600 or 0400 permissions and live under ~/.config/teammem/ or
// /etc/teammem/. The repository-local file is shared through git, so it is
// only size-checked; secrets belong in the user file or the environment.
//
// # Environment Variable Mapping
//
// The TEAMMEM_ prefix is stripped, the remainder is lowercased and split on
// the first underscore:
//
//	TEAMMEM_SUMMARIZER_API_KEY -> summarizer.api_key
//	TEAMMEM_SYNC_MAX_RETRIES   -> sync.max_retries
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		dir, err := UserConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if err := loadFile(k, configPath, true); err != nil {
		return nil, err
	}

	if opts.RepoRoot != "" {
		shared := koanf.New(".")
		if err := loadFile(shared, filepath.Join(opts.RepoRoot, RepoConfigFile), false); err != nil {
			return nil, err
		}
		if err := checkSharedSecrets(shared); err != nil {
			return nil, err
		}
		if err := k.Merge(shared); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", RepoConfigFile, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(&cfg)

	if err := resolveSecrets(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// secretKeys are the config keys holding a Secret.
var secretKeys = []string{"summarizer.api_key", "keys.token"}

// checkSharedSecrets rejects literal credentials in the repository-local
// file, which every clone of the repo receives.
func checkSharedSecrets(k *koanf.Koanf) error {
	for _, key := range secretKeys {
		if s := Secret(strings.TrimSpace(k.String(key))); s.IsSet() && !s.IsReference() {
			return fmt.Errorf("%s in %s must be an %s or %s reference, not a literal value",
				key, RepoConfigFile, SecretEnvPrefix, SecretFilePrefix)
		}
	}
	return nil
}

// resolveSecrets replaces env: and file: references with their values.
func resolveSecrets(cfg *Config) error {
	for key, s := range map[string]*Secret{
		"summarizer.api_key": &cfg.Summarizer.APIKey,
		"keys.token":         &cfg.Keys.Token,
	} {
		v, err := s.Resolve()
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*s = v
	}
	return nil
}

// envKey maps TEAMMEM_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// loadFile merges a YAML file into k if it exists.
func loadFile(k *koanf.Koanf, path string, checkPerms bool) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate the already-opened descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info, checkPerms); err != nil {
		return fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// UserConfigDir returns ~/.config/teammem.
func UserConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "teammem"), nil
}

// EnsureConfigDir creates the teammem config directory with 0700 permissions.
func EnsureConfigDir() (string, error) {
	dir, err := UserConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// validateConfigPath checks that path is inside an allowed directory.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Paths that don't exist yet are validated as given.
		resolvedPath = absPath
	}

	userDir, err := UserConfigDir()
	if err != nil {
		return err
	}

	for _, dir := range []string{userDir, "/etc/teammem"} {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/teammem/ or /etc/teammem/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo, checkPerms bool) error {
	if checkPerms && runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// normalize cleans up values that environment overrides deliver loosely.
func normalize(cfg *Config) {
	var enabled []string
	for _, e := range cfg.Extractors.Enabled {
		for _, name := range strings.Split(e, ",") {
			if name = strings.TrimSpace(name); name != "" {
				enabled = append(enabled, name)
			}
		}
	}
	cfg.Extractors.Enabled = enabled
	cfg.Summarizer.Backend = strings.ToLower(strings.TrimSpace(cfg.Summarizer.Backend))
	cfg.Keys.Provider = strings.ToLower(strings.TrimSpace(cfg.Keys.Provider))
	if cfg.Keys.File != "" {
		cfg.Keys.File = expandHome(cfg.Keys.File)
	}
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
