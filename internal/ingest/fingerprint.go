package ingest

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the SHA-256 digest of the raw downloaded artifact as a
// lowercase hex string. It is the dedup identity and the retrieval scoping
// key, so it is always computed from the original bytes, never from a parsed
// representation.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
