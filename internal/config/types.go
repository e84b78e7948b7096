package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Duration is a time.Duration written as "30s" or "10m" in YAML and
// TEAMMEM_* variables.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler, so JSON and log fields show
// "30s" rather than nanoseconds.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Reference prefixes a Secret may carry instead of a literal value.
const (
	SecretEnvPrefix  = "env:"
	SecretFilePrefix = "file:"
)

const redacted = "[REDACTED]"

// Secret holds a summarizer API key or a key-custody token. It never prints
// or marshals its value.
//
// A Secret may name where the value lives: "env:OPENAI_API_KEY" reads the
// variable and "file:~/.config/teammem/token" reads the file. References are
// how a committed .teammem.yaml points at a credential; Load rejects literal
// secrets in that file and resolves references in every layer.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string {
	return "config.Secret(" + redacted + ")"
}

// MarshalText implements encoding.TextMarshaler. It also covers JSON.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(strings.TrimSpace(string(text)))
	return nil
}

// Value returns the secret for the one call that needs it.
func (s Secret) Value() string {
	return string(s)
}

func (s Secret) IsSet() bool {
	return s != ""
}

// IsReference reports whether s names an env var or file.
func (s Secret) IsReference() bool {
	v := string(s)
	return strings.HasPrefix(v, SecretEnvPrefix) || strings.HasPrefix(v, SecretFilePrefix)
}

// Resolve follows an env: or file: reference. Literals come back unchanged.
// A reference that resolves to nothing is an error so a missing credential
// fails at load time rather than at the first summarize or key fetch.
func (s Secret) Resolve() (Secret, error) {
	v := string(s)
	switch {
	case strings.HasPrefix(v, SecretEnvPrefix):
		name := strings.TrimPrefix(v, SecretEnvPrefix)
		val := strings.TrimSpace(os.Getenv(name))
		if val == "" {
			return "", fmt.Errorf("environment variable %s is empty or unset", name)
		}
		return Secret(val), nil
	case strings.HasPrefix(v, SecretFilePrefix):
		path := expandHome(strings.TrimPrefix(v, SecretFilePrefix))
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		val := strings.TrimSpace(string(data))
		if val == "" {
			return "", fmt.Errorf("secret file %s is empty", path)
		}
		return Secret(val), nil
	}
	return s, nil
}
