package crypto

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/teammem/internal/config"
)

// Manager caches team keys for the life of one command and encrypts with
// the current version. Keys are never written to disk by Manager.
type Manager struct {
	provider KeyProvider

	mu      sync.Mutex
	keys    map[int]TeamKey
	current int
}

// NewManager returns a Manager over provider.
func NewManager(provider KeyProvider) *Manager {
	return &Manager{provider: provider, keys: make(map[int]TeamKey)}
}

// Current returns the current key version, fetching it on first use.
func (m *Manager) Current(ctx context.Context) (int, error) {
	k, err := m.currentKey(ctx)
	if err != nil {
		return 0, err
	}
	return k.Version, nil
}

func (m *Manager) currentKey(ctx context.Context) (TeamKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != 0 {
		return m.keys[m.current], nil
	}
	k, err := m.provider.Current(ctx)
	if err != nil {
		return TeamKey{}, fmt.Errorf("fetch current team key: %w", err)
	}
	m.keys[k.Version] = k.clone()
	m.current = k.Version
	return m.keys[k.Version], nil
}

func (m *Manager) key(ctx context.Context, version int) (TeamKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[version]; ok {
		return k, nil
	}
	k, err := m.provider.Get(ctx, version)
	if err != nil {
		return TeamKey{}, fmt.Errorf("fetch team key v%d: %w", version, err)
	}
	if k.Version != version {
		return TeamKey{}, fmt.Errorf("%w: asked for v%d, got v%d", ErrInvalidKey, version, k.Version)
	}
	m.keys[version] = k.clone()
	return m.keys[version], nil
}

// Encrypt seals plaintext with the current key.
func (m *Manager) Encrypt(ctx context.Context, plaintext []byte) (Envelope, error) {
	k, err := m.currentKey(ctx)
	if err != nil {
		return Envelope{}, &EncryptionError{Op: "encrypt", Err: err}
	}
	return Encrypt(plaintext, k)
}

// Decrypt opens env with the key version it names.
func (m *Manager) Decrypt(ctx context.Context, env Envelope) ([]byte, error) {
	k, err := m.key(ctx, env.Version)
	if err != nil {
		return nil, &EncryptionError{Op: "decrypt", Version: env.Version, Err: err}
	}
	return Decrypt(env, k)
}

// Rotate asks the provider for a new version and makes it current. Cached
// old versions are kept so existing documents remain readable.
func (m *Manager) Rotate(ctx context.Context) (int, error) {
	k, err := m.provider.Rotate(ctx)
	if err != nil {
		return 0, fmt.Errorf("rotate team key: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.Version] = k.clone()
	m.current = k.Version
	return k.Version, nil
}

// NeedsReencrypt reports whether any envelope predates the current version.
func (m *Manager) NeedsReencrypt(ctx context.Context, envs []Envelope) (bool, error) {
	current, err := m.Current(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range envs {
		if e.Version < current {
			return true, nil
		}
	}
	return false, nil
}

// Close wipes every cached key.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, k := range m.keys {
		k.Wipe()
		delete(m.keys, v)
	}
	m.current = 0
}

// NewProvider builds the provider selected by cfg, or nil when encryption
// is disabled.
func NewProvider(cfg config.KeysConfig) (KeyProvider, error) {
	switch cfg.Provider {
	case config.KeyProviderNone, "":
		return nil, nil
	case config.KeyProviderFile:
		return NewFileProvider(cfg.File), nil
	case config.KeyProviderHTTP:
		return NewHTTPProvider(HTTPProviderOptions{
			BaseURL: cfg.URL,
			Token:   cfg.Token,
			Team:    cfg.Team,
			Timeout: cfg.Timeout.Duration(),
		})
	default:
		return nil, fmt.Errorf("unknown key provider %q", cfg.Provider)
	}
}
