// Package config provides configuration loading for teammem.
//
// Configuration is layered: built-in defaults, then the user config file,
// then an optional repository-local file, then TEAMMEM_* environment
// variables. See Load for the precedence rules.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Summarizer backends.
const (
	BackendNone     = "none"
	BackendEndpoint = "endpoint"
	BackendOpenAI   = "openai"
)

// Key custody providers.
const (
	KeyProviderNone = "none"
	KeyProviderFile = "file"
	KeyProviderHTTP = "http"
)

// MaxSyncRetries bounds sync.max_retries.
const MaxSyncRetries = 5

// Config holds the complete teammem configuration.
type Config struct {
	Memory     MemoryConfig     `koanf:"memory"`
	Extractors ExtractorsConfig `koanf:"extractors"`
	Summarizer SummarizerConfig `koanf:"summarizer"`
	Keys       KeysConfig       `koanf:"keys"`
	Sync       SyncConfig       `koanf:"sync"`
	Secrets    SecretsConfig    `koanf:"secrets"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
	Identity   IdentityConfig   `koanf:"identity"`
	Hooks      HooksConfig      `koanf:"hooks"`
	Watch      WatchConfig      `koanf:"watch"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// MemoryConfig controls the memory documents and the event window.
type MemoryConfig struct {
	// Dir is the memory directory relative to the repository root.
	Dir string `koanf:"dir"`
	// WindowSize is the number of most recent events passed to summarization.
	WindowSize int `koanf:"window_size"`
	// MaxLogEvents is an opt-in retention limit on the full event log kept
	// in the large tier. Events past it are dropped for good. 0 keeps all.
	MaxLogEvents int `koanf:"max_log_events"`
}

// ExtractorsConfig selects and locates extractors.
type ExtractorsConfig struct {
	// Enabled lists extractor names in priority order. Empty enables all.
	Enabled []string `koanf:"enabled"`
	// ClaudeDir overrides ~/.claude/projects.
	ClaudeDir string `koanf:"claude_dir"`
	// CodexDir overrides ~/.codex/sessions.
	CodexDir string `koanf:"codex_dir"`
	// CursorDB overrides the Cursor global state.vscdb path.
	CursorDB string `koanf:"cursor_db"`
}

// SummarizerConfig configures the remote summarizer.
type SummarizerConfig struct {
	Backend    string   `koanf:"backend"`
	Endpoint   string   `koanf:"endpoint"`
	APIKey     Secret   `koanf:"api_key"`
	Model      string   `koanf:"model"`
	BaseURL    string   `koanf:"base_url"`
	Timeout    Duration `koanf:"timeout"`
	MaxRetries int      `koanf:"max_retries"`
	RateLimit  float64  `koanf:"rate_limit"`
}

// KeysConfig configures the key-custody collaborator.
type KeysConfig struct {
	Provider string   `koanf:"provider"`
	File     string   `koanf:"file"`
	URL      string   `koanf:"url"`
	Token    Secret   `koanf:"token"`
	Team     string   `koanf:"team"`
	Timeout  Duration `koanf:"timeout"`
}

// SyncConfig configures the git persistence layer.
type SyncConfig struct {
	Remote      string   `koanf:"remote"`
	Branch      string   `koanf:"branch"`
	Push        bool     `koanf:"push"`
	MaxRetries  int      `koanf:"max_retries"`
	Timeout     Duration `koanf:"timeout"`
	AuthorName  string   `koanf:"author_name"`
	AuthorEmail string   `koanf:"author_email"`
}

// SecretsConfig configures scrubbing of event summaries.
type SecretsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Gitleaks  bool   `koanf:"gitleaks"`
	Allowlist string `koanf:"allowlist"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	// Textfile is a node-exporter textfile path written after each command.
	Textfile string `koanf:"textfile"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// IdentityConfig overrides the resolved user identity.
type IdentityConfig struct {
	User string `koanf:"user"`
}

// HooksConfig selects which lifecycle hooks trigger a save.
type HooksConfig struct {
	SessionEnd   bool `koanf:"session_end"`
	ExplicitSave bool `koanf:"explicit_save"`
	GitCommit    bool `koanf:"git_commit"`
}

// WatchConfig configures `teammem watch`.
type WatchConfig struct {
	// Debounce is how long the watcher waits for activity to settle.
	Debounce Duration `koanf:"debounce"`
	// Sessions also watches AI tool session directories, not just commits.
	Sessions bool `koanf:"sessions"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// Protocol is grpc or http/protobuf.
	Protocol        string   `koanf:"protocol"`
	Insecure        bool     `koanf:"insecure"`
	SampleRate      float64  `koanf:"sample_rate"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// defaultYAML is loaded before any user-supplied layer.
const defaultYAML = `
memory:
  dir: .teammem
  window_size: 200
  max_log_events: 0
extractors:
  enabled: [claude-code, codex, cursor]
summarizer:
  backend: none
  model: gpt-4o-mini
  timeout: 30s
  max_retries: 2
  rate_limit: 2
keys:
  provider: none
  timeout: 10s
sync:
  remote: origin
  push: true
  max_retries: 2
  timeout: 60s
  author_name: teammem
  author_email: teammem@localhost
secrets:
  enabled: true
  gitleaks: false
log:
  level: warn
  format: console
hooks:
  session_end: true
  explicit_save: true
  git_commit: true
watch:
  debounce: 10s
  sessions: true
telemetry:
  enabled: false
  endpoint: localhost:4317
  protocol: grpc
  insecure: true
  sample_rate: 1.0
  shutdown_timeout: 5s
`

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Memory.Dir == "" {
		errs = append(errs, errors.New("memory.dir is required"))
	} else if filepath.IsAbs(c.Memory.Dir) || strings.HasPrefix(filepath.Clean(c.Memory.Dir), "..") {
		errs = append(errs, fmt.Errorf("memory.dir must be relative to the repository root, got %q", c.Memory.Dir))
	}
	if c.Memory.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("memory.window_size must be > 0, got %d", c.Memory.WindowSize))
	}
	if c.Memory.MaxLogEvents < 0 {
		errs = append(errs, fmt.Errorf("memory.max_log_events must be >= 0, got %d", c.Memory.MaxLogEvents))
	}
	if c.Memory.MaxLogEvents > 0 && c.Memory.MaxLogEvents < c.Memory.WindowSize {
		errs = append(errs, errors.New("memory.max_log_events must be >= memory.window_size"))
	}

	switch c.Summarizer.Backend {
	case BackendNone:
	case BackendEndpoint:
		if c.Summarizer.Endpoint == "" {
			errs = append(errs, errors.New("summarizer.endpoint is required for the endpoint backend"))
		}
	case BackendOpenAI:
		if !c.Summarizer.APIKey.IsSet() {
			errs = append(errs, errors.New("summarizer.api_key is required for the openai backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown summarizer.backend %q", c.Summarizer.Backend))
	}
	if c.Summarizer.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("summarizer.timeout must be positive"))
	}
	if c.Summarizer.MaxRetries < 0 {
		errs = append(errs, errors.New("summarizer.max_retries must be >= 0"))
	}

	switch c.Keys.Provider {
	case KeyProviderNone:
	case KeyProviderFile:
		if c.Keys.File == "" {
			errs = append(errs, errors.New("keys.file is required for the file provider"))
		}
	case KeyProviderHTTP:
		if c.Keys.URL == "" {
			errs = append(errs, errors.New("keys.url is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown keys.provider %q", c.Keys.Provider))
	}

	if c.Sync.MaxRetries < 0 || c.Sync.MaxRetries > MaxSyncRetries {
		errs = append(errs, fmt.Errorf("sync.max_retries must be between 0 and %d, got %d", MaxSyncRetries, c.Sync.MaxRetries))
	}
	if c.Sync.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("sync.timeout must be positive"))
	}

	if c.Watch.Debounce.Duration() <= 0 {
		errs = append(errs, errors.New("watch.debounce must be positive"))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

// EncryptionEnabled reports whether a key provider is configured.
func (c *Config) EncryptionEnabled() bool {
	return c.Keys.Provider != KeyProviderNone
}
