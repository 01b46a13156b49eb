package util

import "fmt"

// DefaultLogMaxLen is the default maximum length for truncated log output.
// Message bodies can be arbitrarily large HTML; logs only need a preview.
const DefaultLogMaxLen = 256

// TruncateLog truncates long strings for logging.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBody is a convenience wrapper for message bodies that uses
// DefaultLogMaxLen.
func TruncateBody(s string) string {
	return TruncateLog(s, DefaultLogMaxLen)
}
