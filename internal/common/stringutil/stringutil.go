// Package stringutil provides common string utility functions.
package stringutil

import (
	"strings"
	"time"
	"unicode"
)

// TruncateString truncates a string to a maximum length.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first maxLen characters.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first (maxLen-3) characters followed by "...".
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Kebab converts a string to kebab-case: lowercased, with runs of
// non-alphanumeric characters collapsed into single dashes.
func Kebab(s string) string {
	var b strings.Builder
	prevDash := true // suppress a leading dash
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevDash = false
			continue
		}
		if !prevDash {
			b.WriteByte('-')
			prevDash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// TaskSlug derives a task identifier from the head of a command: the
// kebab-cased command capped at maxHead characters, suffixed with a
// timestamp so repeated commands yield distinct slugs.
func TaskSlug(command string, maxHead int, now time.Time) string {
	head := Kebab(command)
	if len(head) > maxHead {
		head = strings.TrimRight(head[:maxHead], "-")
	}
	if head == "" {
		head = "task"
	}
	return head + "-" + now.Format("20060102-150405")
}
