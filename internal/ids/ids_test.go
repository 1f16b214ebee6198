package ids

import (
	"sort"
	"testing"
	"time"
)

func TestNew_Format(t *testing.T) {
	id := New()
	if len(id) != 26 {
		t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
	}
	if !Valid(id) {
		t.Errorf("generated id %q does not parse", id)
	}
}

func TestNew_Monotonic(t *testing.T) {
	var got []string
	for i := 0; i < 100; i++ {
		got = append(got, New())
	}
	if !sort.StringsAreSorted(got) {
		t.Error("ids generated in sequence are not lexicographically sorted")
	}
	seen := make(map[string]bool, len(got))
	for _, id := range got {
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := New()
	after := time.Now().Add(time.Second)

	ts := Timestamp(id)
	if ts.Before(before) || ts.After(after) {
		t.Errorf("timestamp %v outside [%v, %v]", ts, before, after)
	}

	if !Timestamp("not-an-id").IsZero() {
		t.Error("expected zero time for invalid id")
	}
}
