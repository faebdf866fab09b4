package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// StableID derives a short deterministic id from its parts.
func StableID(parts ...string) string {
	return HashString(strings.Join(parts, "\x1f"))[:24]
}
