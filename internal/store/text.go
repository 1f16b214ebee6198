package store

import "unicode/utf8"

// EventTextLimit caps text payloads before they enter the event log.
const EventTextLimit = 2000

// TruncateText caps s at max bytes, backing up so a multi-byte UTF-8
// sequence is never split.
func TruncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
