package dispatch

import (
	"strings"
	"unicode/utf8"
)

// Replies of fewer runes than this are treated as generation failures.
const minReplyRunes = 2

// cleanReply strips the wrapping a model tends to put around a chat reply:
// surrounding whitespace, markdown code fences, and a single pair of
// enclosing quotes.
func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```text")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// usable reports whether a cleaned reply is worth sending.
func usable(s string) bool {
	return utf8.RuneCountInString(s) >= minReplyRunes
}

// truncate caps the reply at max runes, ellipsis included. max <= 0 means
// unlimited.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
