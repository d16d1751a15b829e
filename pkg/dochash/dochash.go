package dochash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SHA256Hex is the canonical content hash for rendered and stamped documents.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func HashString(s string) string {
	return SHA256Hex([]byte(s))
}

// Verify recomputes the hash of content and compares it to the recorded hex,
// in constant time.
func Verify(content []byte, recordedHex string) bool {
	got := SHA256Hex(content)
	return subtle.ConstantTimeCompare([]byte(got), []byte(recordedHex)) == 1
}
