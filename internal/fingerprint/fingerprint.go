// Package fingerprint provides the canonical text normalization and hashing
// used for web cache keys and fused-context deduplication. All functions are
// pure and deterministic.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// DedupPrefixLen is how many bytes of normalized content participate in the
// dedup hash. Two passages that agree on this prefix are treated as the same
// passage regardless of trailing boilerplate.
const DedupPrefixLen = 128

// Normalize lowercases s, trims it, and collapses every internal whitespace
// run to a single space. The result is the canonical form used for hashing,
// so any change here invalidates existing web_search_cache rows.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			b.WriteByte(' ')
			inSpace = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// QueryKey returns the SHA-256 hex digest of the normalized query. It is the
// primary key of the shared web search cache.
func QueryKey(rawQuery string) string {
	sum := sha256.Sum256([]byte(Normalize(rawQuery)))
	return hex.EncodeToString(sum[:])
}

// ContentKey returns the dedup hash of a passage: SHA-256 over the first
// DedupPrefixLen bytes of the normalized content.
func ContentKey(content string) string {
	n := Normalize(content)
	if len(n) > DedupPrefixLen {
		n = n[:DedupPrefixLen]
	}
	sum := sha256.Sum256([]byte(n))
	return hex.EncodeToString(sum[:])
}

// ResultID returns a short stable identifier for a web result, derived from
// its URL. Used where web hits need chunk-shaped IDs.
func ResultID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:8])
}
