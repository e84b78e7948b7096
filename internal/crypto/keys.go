package crypto

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotAdmin is returned by Rotate when the caller may not rotate keys.
	ErrNotAdmin = errors.New("key rotation requires a team admin")
	// ErrKeyNotFound is returned for an unknown key version.
	ErrKeyNotFound = errors.New("team key version not found")
	// ErrNoKey is returned when the team has no key yet.
	ErrNoKey = errors.New("team has no key; ask an admin to run `teammem key rotate`")
)

// TeamKey is one version of the team's symmetric key.
type TeamKey struct {
	Version  int
	Material []byte
}

// Validate checks the version and material length.
func (k TeamKey) Validate() error {
	if k.Version < 1 {
		return fmt.Errorf("%w: version %d", ErrInvalidKey, k.Version)
	}
	if len(k.Material) != KeySize {
		return fmt.Errorf("%w: material is %d bytes, want %d", ErrInvalidKey, len(k.Material), KeySize)
	}
	return nil
}

// Wipe zeroes the key material.
func (k *TeamKey) Wipe() {
	wipe(k.Material)
	k.Material = nil
}

func (k TeamKey) clone() TeamKey {
	m := make([]byte, len(k.Material))
	copy(m, k.Material)
	return TeamKey{Version: k.Version, Material: m}
}

// KeyProvider is the key-custody collaborator.
type KeyProvider interface {
	// Current returns the newest key version.
	Current(ctx context.Context) (TeamKey, error)
	// Get returns a specific version.
	Get(ctx context.Context, version int) (TeamKey, error)
	// Rotate creates and returns a new version. Old versions stay available.
	Rotate(ctx context.Context) (TeamKey, error)
}
