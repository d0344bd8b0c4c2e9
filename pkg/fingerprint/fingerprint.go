// Package fingerprint produces stable identifiers for group/creator
// combinations, used to detect repeated trial signups for what is
// effectively the same group under a new ID.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Group creates a stable fingerprint from a group ID and its title.
// The title is normalized first so that trivial renames ("My Group " vs
// "my  group") do not defeat the match. Returns a 64-character hex string.
func Group(groupID int64, title string) string {
	combined := fmt.Sprintf("%d:%s", groupID, Normalize(title))
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// Title creates a fingerprint from the normalized title alone, catching the
// same group re-created under a fresh platform ID.
func Title(title string) string {
	hash := sha256.Sum256([]byte(Normalize(title)))
	return hex.EncodeToString(hash[:])
}

// Normalize lowercases the title, strips leading/trailing space, and
// collapses internal whitespace runs to a single space.
func Normalize(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))

	var b strings.Builder
	b.Grow(len(title))
	prevSpace := false
	for _, r := range title {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteRune(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
