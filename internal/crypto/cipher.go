package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the required team key material length in bytes.
	KeySize = 32
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
)

var (
	// ErrDecrypt is returned for any authentication failure. No plaintext
	// is ever returned alongside it.
	ErrDecrypt = errors.New("decryption failed: wrong key or tampered document")
	// ErrInvalidKey indicates key material of the wrong size or version.
	ErrInvalidKey = errors.New("invalid team key")
)

// EncryptionError wraps failures that must abort a sync.
type EncryptionError struct {
	Op      string
	Version int
	Err     error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("%s with key v%d: %v", e.Op, e.Version, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(plaintext []byte, key TeamKey) (Envelope, error) {
	return encrypt(rand.Reader, plaintext, key)
}

func encrypt(random io.Reader, plaintext []byte, key TeamKey) (Envelope, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return Envelope{}, &EncryptionError{Op: "encrypt", Version: key.Version, Err: err}
	}
	env := Envelope{Version: key.Version, IV: make([]byte, NonceSize)}
	if _, err := io.ReadFull(random, env.IV); err != nil {
		return Envelope{}, &EncryptionError{Op: "encrypt", Version: key.Version, Err: fmt.Errorf("nonce: %w", err)}
	}
	env.Ciphertext = aead.Seal(nil, env.IV, plaintext, env.aad())
	return env, nil
}

// Decrypt opens env with key. key.Version must match the envelope.
func Decrypt(env Envelope, key TeamKey) ([]byte, error) {
	if env.Version != key.Version {
		return nil, &EncryptionError{Op: "decrypt", Version: env.Version,
			Err: fmt.Errorf("%w: envelope is v%d, key is v%d", ErrInvalidKey, env.Version, key.Version)}
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, &EncryptionError{Op: "decrypt", Version: key.Version, Err: err}
	}
	if len(env.IV) != NonceSize {
		return nil, &EncryptionError{Op: "decrypt", Version: key.Version, Err: ErrDecrypt}
	}
	plaintext, err := aead.Open(nil, env.IV, env.Ciphertext, env.aad())
	if err != nil {
		return nil, &EncryptionError{Op: "decrypt", Version: key.Version, Err: ErrDecrypt}
	}
	return plaintext, nil
}

func newAEAD(key TeamKey) (cipher.AEAD, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	sub, err := deriveSubkey(key)
	if err != nil {
		return nil, err
	}
	defer wipe(sub)
	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveSubkey separates document keys per version from the raw material.
func deriveSubkey(key TeamKey) ([]byte, error) {
	info := []byte("teammem:doc:v" + strconv.Itoa(key.Version))
	r := hkdf.New(sha256.New, key.Material, nil, info)
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return sub, nil
}

// GenerateMaterial returns fresh random key material.
func GenerateMaterial() ([]byte, error) {
	m := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, m); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return m, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
