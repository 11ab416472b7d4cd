package tgui

import "unicode/utf8"

// TruncRunes returns s cut to at most n runes, with "…" appended when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// RuneLen is utf8.RuneCountInString, re-exported for message budgeting.
func RuneLen(s string) int { return utf8.RuneCountInString(s) }
