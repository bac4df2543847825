package task

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize lower-cases a description and collapses all whitespace runs to a
// single space.
func Normalize(description string) string {
	return strings.Join(strings.Fields(strings.ToLower(description)), " ")
}

// Fingerprint returns the dedup key for a description. Two descriptions that
// differ only in case or whitespace share a fingerprint.
func Fingerprint(description string) string {
	sum := sha256.Sum256([]byte(Normalize(description)))
	return hex.EncodeToString(sum[:])
}
