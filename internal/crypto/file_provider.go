package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// keyring is the on-disk form of FileProvider's keys.
type keyring struct {
	Current int               `json:"current"`
	Keys    map[string]string `json:"keys"`
}

// FileProvider keeps the team keyring in a local JSON file with 0600
// permissions. It suits solo use and development; teams share keys through
// HTTPProvider.
type FileProvider struct {
	path string
	mu   sync.Mutex
}

// NewFileProvider returns a provider backed by path. The file is created on
// the first Rotate.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Current(ctx context.Context) (TeamKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kr, err := p.load()
	if err != nil {
		return TeamKey{}, err
	}
	if kr.Current == 0 {
		return TeamKey{}, ErrNoKey
	}
	return kr.key(kr.Current)
}

func (p *FileProvider) Get(ctx context.Context, version int) (TeamKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kr, err := p.load()
	if err != nil {
		return TeamKey{}, err
	}
	return kr.key(version)
}

func (p *FileProvider) Rotate(ctx context.Context) (TeamKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kr, err := p.load()
	if err != nil {
		return TeamKey{}, err
	}
	material, err := GenerateMaterial()
	if err != nil {
		return TeamKey{}, err
	}
	next := TeamKey{Version: kr.Current + 1, Material: material}
	kr.Current = next.Version
	kr.Keys[strconv.Itoa(next.Version)] = base64.StdEncoding.EncodeToString(material)
	if err := p.save(kr); err != nil {
		return TeamKey{}, err
	}
	return next, nil
}

func (p *FileProvider) load() (*keyring, error) {
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return &keyring{Keys: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("stat keyring: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return nil, fmt.Errorf("keyring %s has insecure permissions %04o (expected 0600)", p.path, mode)
	}
	var kr keyring
	if err := json.Unmarshal(raw, &kr); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	if kr.Keys == nil {
		kr.Keys = map[string]string{}
	}
	return &kr, nil
}

func (p *FileProvider) save(kr *keyring) error {
	raw, err := json.MarshalIndent(kr, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return fmt.Errorf("create keyring dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".keyring-*")
	if err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write keyring: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write keyring: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	return nil
}

func (kr *keyring) key(version int) (TeamKey, error) {
	enc, ok := kr.Keys[strconv.Itoa(version)]
	if !ok {
		return TeamKey{}, fmt.Errorf("%w: v%d", ErrKeyNotFound, version)
	}
	material, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return TeamKey{}, fmt.Errorf("keyring v%d: %w", version, err)
	}
	k := TeamKey{Version: version, Material: material}
	if err := k.Validate(); err != nil {
		return TeamKey{}, err
	}
	return k, nil
}
