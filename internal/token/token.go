// Package token mints and hashes the opaque crop-session credentials.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// sessionKeyBytes is 24 bytes (192 bits), above the 128-bit floor for an
// unguessable bearer capability. Encoded it stays URL-safe with no padding.
const sessionKeyBytes = 24

const fingerprintVersion = "v1:"

// MintSessionKey generates a fresh opaque session key from a cryptographically
// secure source. The key carries no embedded semantics.
func MintSessionKey() (string, error) {
	buf := make([]byte, sessionKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint session key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashKey derives the storage lookup key for a session key. Only the hash is
// persisted, so a database leak does not expose live credentials.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum)
}

// FingerprintIP produces an audit-only requester fingerprint from the client
// IP, keyed with a deployment salt so raw addresses are never stored.
// Truncated to 128 bits; the value is never used to block requests.
func FingerprintIP(salt, ip string) string {
	key := []byte(salt)
	if len(key) > 64 {
		key = key[:64]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Only reachable with a key over 64 bytes, which is truncated above.
		sum := sha256.Sum256([]byte(salt + "|" + ip))
		return fingerprintVersion + hex.EncodeToString(sum[:16])
	}
	_, _ = h.Write([]byte(ip))
	return fingerprintVersion + hex.EncodeToString(h.Sum(nil)[:16])
}
