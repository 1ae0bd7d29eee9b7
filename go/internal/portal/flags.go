package portal

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashFlag returns the hex SHA-256 of a flag as stored in the challenges table.
func HashFlag(flag string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(flag)))
	return hex.EncodeToString(sum[:])
}

// CheckFlag compares a submitted value against a stored hash in constant time.
func CheckFlag(value, storedHash string) bool {
	want, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(storedHash)))
	if err != nil || len(want) != sha256.Size {
		return false
	}
	got := sha256.Sum256([]byte(strings.TrimSpace(value)))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}
