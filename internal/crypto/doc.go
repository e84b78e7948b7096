// Package crypto encrypts memory documents with the team key.
//
// Every document is sealed with AES-256-GCM under a per-version subkey
// derived from the team key material with HKDF-SHA256, and serialized as a
// single-line envelope:
//
//	TEAMMEM_ENC:v<key version>:<base64 nonce>:<base64 ciphertext>
//
// Keys come from a KeyProvider (the team's key-custody service or a local
// keyring) and are held only in memory by Manager. Rotation adds a version;
// old versions stay fetchable so documents written under them can still be
// opened until they are re-encrypted.
package crypto
