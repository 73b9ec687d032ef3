// Package stringutil provides small string helpers shared across packages.
package stringutil

// TruncateString caps s at max bytes. Truncation may split a multi-byte
// rune; callers that log the result tolerate that.
func TruncateString(s string, max int) string {
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// TruncateStringWithEllipsis caps s at max bytes and marks the cut with
// "...". The result never exceeds max, so budgets below four bytes degrade
// to a plain cut.
func TruncateStringWithEllipsis(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max < 4 {
		return TruncateString(s, max)
	}
	return s[:max-3] + "..."
}
