package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns the hex-encoded sha256 digest of input. Used for content
// checksums, fact-set hashes and cache fingerprints, so it must be collision-safe.
func HashString(input string) string {
	return HashBytes([]byte(input))
}

func HashBytes(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
