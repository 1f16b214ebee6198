package store

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateText(t *testing.T) {
	if got := TruncateText("short", 10); got != "short" {
		t.Errorf("short input changed: %q", got)
	}
	if got := TruncateText(strings.Repeat("a", 10), 4); got != "aaaa" {
		t.Errorf("ascii cut = %q", got)
	}

	// A cut landing inside a multi-byte rune backs up to the boundary.
	s := strings.Repeat("é", 6)
	got := TruncateText(s, 5)
	if !utf8.ValidString(got) {
		t.Errorf("truncation produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("é", 2) {
		t.Errorf("cut = %q, want two runes", got)
	}

	wide := strings.Repeat("\U0001F600", 3)
	got = TruncateText(wide, 6)
	if !utf8.ValidString(got) || got != "\U0001F600" {
		t.Errorf("4-byte rune cut = %q", got)
	}
}
