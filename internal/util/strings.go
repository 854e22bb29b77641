package util

import "strings"

// SafeTruncate returns at most maxLen leading bytes of s. Used to log credential prefixes.
//
//	SafeTruncate("4f1c9a0b77d2", 8) // "4f1c9a0b"
//	SafeTruncate("short", 10)      // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL trims trailing slashes so resource indicators compare equal
// with or without them.
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}

// SplitScope splits a space-delimited scope string. An empty scope yields an empty, non-nil slice.
func SplitScope(scope string) []string {
	fields := strings.Fields(scope)
	if fields == nil {
		return []string{}
	}
	return fields
}

// Contains reports whether values holds v.
func Contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
