package textutil

import (
	"strings"
	"unicode/utf8"
)

// FloorRuneBoundary returns the largest byte index not exceeding n that falls
// on a UTF-8 rune boundary of s.
func FloorRuneBoundary(s string, n int) int {
	if n >= len(s) {
		return len(s)
	}
	if n < 0 {
		return 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// Truncate shortens s to at most n bytes on a rune boundary and appends
// suffix when anything was cut.
func Truncate(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	return s[:FloorRuneBoundary(s, n)] + suffix
}

// SplitChunks splits s into pieces of at most limit bytes, preferring to
// break at the last newline inside each piece. The newline used as a break
// point is consumed.
func SplitChunks(s string, limit int) []string {
	if limit <= 0 || len(s) <= limit {
		return []string{s}
	}

	var chunks []string
	rest := s
	for len(rest) > limit {
		cut := FloorRuneBoundary(rest, limit)
		window := rest[:cut]
		if i := strings.LastIndexByte(window, '\n'); i > 0 {
			chunks = append(chunks, rest[:i])
			rest = rest[i+1:]
		} else {
			chunks = append(chunks, rest[:cut])
			rest = rest[cut:]
		}
	}
	if len(rest) > 0 || len(chunks) == 0 {
		chunks = append(chunks, rest)
	}
	return chunks
}
