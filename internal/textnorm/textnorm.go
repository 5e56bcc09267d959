// Package textnorm provides the canonical text normalization and hashing
// used by the translation cache and the partial-result dedup cache.
//
// Normalize is a fixed point: Normalize(Normalize(s)) == Normalize(s). The
// SHA-256 of the normalized form is stable across runs and machines, which
// makes it safe to use in durable cache keys.
package textnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize lowercases s, strips terminal and clause punctuation, and
// collapses all whitespace runs to single spaces.
func Normalize(s string) string {
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '.', ',', '!', '?', ';', ':', '"', '\'', '…':
			continue
		}
		if unicode.IsSpace(r) {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// Hash returns the hex-encoded SHA-256 of the normalized form of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])
}

// CacheKey builds the content-addressed translation cache key
// "{source}:{target}:{sha256(normalize(text))}".
func CacheKey(source, target, text string) string {
	return source + ":" + target + ":" + Hash(text)
}

// Bucket assigns s to a stable bucket in [0, 100) by consistent hashing:
// SHA-256 of s, first 4 bytes big-endian, mod 100. Used for percentage
// rollouts keyed by session id.
func Bucket(s string) int {
	sum := sha256.Sum256([]byte(s))
	n := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return int(n % 100)
}

// EndsAtSentenceBoundary reports whether s ends in a terminal punctuation or
// pause marker, after trailing whitespace is ignored.
func EndsAtSentenceBoundary(s string) bool {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	if s == "" {
		return false
	}
	switch rune(s[len(s)-1]) {
	case '.', '!', '?':
		return true
	}
	// Multi-byte terminal marks (e.g. CJK full stop, ellipsis).
	runes := []rune(s)
	switch runes[len(runes)-1] {
	case '。', '！', '？', '…':
		return true
	}
	return false
}
