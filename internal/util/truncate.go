package util

import (
	"fmt"
	"unicode/utf8"
)

const (
	// DefaultLogMaxLen bounds upstream response bodies written to logs.
	DefaultLogMaxLen = 1024
	// MaxAgentLen bounds the user agent kept on a device record.
	MaxAgentLen = 256
)

// TruncateLog cuts s to at most maxLen bytes on a rune boundary and notes
// the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return clip(s, maxLen) + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is TruncateLog for a response body at DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// ClipAgent bounds a client supplied user agent without a size note.
func ClipAgent(agent string) string {
	if len(agent) <= MaxAgentLen {
		return agent
	}
	return clip(agent, MaxAgentLen)
}

func clip(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
