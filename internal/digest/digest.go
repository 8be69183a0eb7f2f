// Package digest computes the fingerprints that are stored with events and
// anchored on the ledger.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Size is the length of a hex-encoded digest.
const Size = sha256.Size * 2

var hexDigest = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Bytes computes the SHA-256 digest bytes for input data.
func Bytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// Sum returns the lowercase hex SHA-256 of b.
func Sum(b []byte) string {
	return hex.EncodeToString(Bytes(b))
}

// Valid reports whether s has the shape of a digest produced by Sum.
func Valid(s string) bool {
	return hexDigest.MatchString(s)
}
