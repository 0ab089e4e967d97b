// Package normalize canonicalizes program output before comparison.
package normalize

import (
	"strings"
)

// Normalize trims s, converts CRLF to LF, collapses every whitespace run
// to a single space and trims again. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Join(strings.Fields(s), " ")
}

// Equal reports whether two outputs match after normalization.
func Equal(actual, expected string) bool {
	return Normalize(actual) == Normalize(expected)
}
