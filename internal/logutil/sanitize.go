package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	// Remove other control characters (ASCII 0-31)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// maxIDLogLength bounds client-supplied ids in log lines.
const maxIDLogLength = 64

// ID sanitizes a client-supplied identifier (session id, client name) for
// logging and truncates it so an oversized id cannot flood the log.
func ID(s string) string {
	s = SanitizeForLog(s)
	if len(s) > maxIDLogLength {
		return s[:maxIDLogLength] + "..."
	}
	return s
}
