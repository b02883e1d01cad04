package tgui

import "unicode/utf8"

// TruncRunes returns s cut to at most n runes, ending in "…" when cut.
func TruncRunes(s string, n int) string { return truncate(s, n, "…") }

// Ellipsize returns the first n runes of s followed by "..." when s is
// longer than n.
func Ellipsize(s string, n int) string { return truncate(s, n, "...") }

func truncate(s string, n int, suffix string) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + suffix
		}
		count++
	}
	return s
}
