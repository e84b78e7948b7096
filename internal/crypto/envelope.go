package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Marker prefixes every serialized envelope.
const Marker = "TEAMMEM_ENC"

// ErrMalformedEnvelope is returned by ParseEnvelope for text that carries the
// marker but cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is an encrypted document.
type Envelope struct {
	Version    int
	IV         []byte
	Ciphertext []byte
}

// String serializes e in the on-disk form.
func (e Envelope) String() string {
	return fmt.Sprintf("%s:v%d:%s:%s", Marker, e.Version,
		base64.StdEncoding.EncodeToString(e.IV),
		base64.StdEncoding.EncodeToString(e.Ciphertext))
}

// IsEnvelope reports whether doc looks like an envelope rather than plaintext.
func IsEnvelope(doc string) bool {
	return strings.HasPrefix(strings.TrimSpace(doc), Marker+":")
}

// ParseEnvelope decodes the on-disk form. Surrounding whitespace is ignored.
func ParseEnvelope(doc string) (Envelope, error) {
	parts := strings.Split(strings.TrimSpace(doc), ":")
	if len(parts) != 4 || parts[0] != Marker {
		return Envelope{}, fmt.Errorf("%w: expected 4 fields with %s prefix", ErrMalformedEnvelope, Marker)
	}
	if !strings.HasPrefix(parts[1], "v") {
		return Envelope{}, fmt.Errorf("%w: bad version field %q", ErrMalformedEnvelope, parts[1])
	}
	version, err := strconv.Atoi(parts[1][1:])
	if err != nil || version < 1 {
		return Envelope{}, fmt.Errorf("%w: bad version field %q", ErrMalformedEnvelope, parts[1])
	}
	iv, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: iv: %v", ErrMalformedEnvelope, err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: ciphertext: %v", ErrMalformedEnvelope, err)
	}
	return Envelope{Version: version, IV: iv, Ciphertext: ct}, nil
}

// aad binds the marker and key version into the authentication tag so an
// envelope cannot be relabeled to another version.
func (e Envelope) aad() []byte {
	return []byte(Marker + ":v" + strconv.Itoa(e.Version))
}
