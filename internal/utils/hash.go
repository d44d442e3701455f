package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashKey returns a short, stable fingerprint of a credential or other
// identifying value: the first 8 bytes of its SHA-256 digest, hex encoded.
// The raw value cannot be recovered from it.
func HashKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
