package router

import (
	"sync"
	"testing"
	"time"

	"github.com/dispatchd/internal/types"
)

func testRules() []types.RoutingRule {
	return []types.RoutingRule{
		{Pattern: `\bdeploy\b`, Role: "ops", CWD: "/srv/deploy"},
		{Pattern: `review|audit`, Role: "reviewer"},
	}
}

func TestResolveRole(t *testing.T) {
	r := New(testRules(), "api-dev")

	tests := []struct {
		content string
		want    string
	}{
		{"please DEPLOY the service", "ops"},
		{"code review for auth.go", "reviewer"},
		{"build the login page", "api-dev"},
		{"", "api-dev"},
	}
	for _, tt := range tests {
		if got := r.ResolveRole(tt.content); got != tt.want {
			t.Errorf("ResolveRole(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestResolveCWD(t *testing.T) {
	r := New(testRules(), "api-dev")
	if got := r.ResolveCWD("deploy it"); got != "/srv/deploy" {
		t.Errorf("cwd = %q", got)
	}
	if got := r.ResolveCWD("review this"); got != "" {
		t.Errorf("cwd = %q, want empty", got)
	}
}

func TestNew_DropsBadPatterns(t *testing.T) {
	r := New([]types.RoutingRule{
		{Pattern: `([`, Role: "broken"},
		{Pattern: `fix`, Role: "fixer"},
	}, "default")
	if got := r.ResolveRole("fix the bug"); got != "fixer" {
		t.Errorf("role = %q", got)
	}
}

func TestDebouncer_CoalescesBursts(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]string
	var firsts []types.InboundMessage

	d := NewDebouncer(50*time.Millisecond, func(first types.InboundMessage, contents []string) {
		mu.Lock()
		defer mu.Unlock()
		firsts = append(firsts, first)
		flushes = append(flushes, contents)
	})
	defer d.Stop()

	d.Add(types.InboundMessage{ThreadKey: "t1", Content: "one", Role: "ops"})
	d.Add(types.InboundMessage{ThreadKey: "t1", Content: "two"})
	d.Add(types.InboundMessage{ThreadKey: "t2", Content: "other"})
	d.Add(types.InboundMessage{ThreadKey: "t1", Content: "three"})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 2 {
		t.Fatalf("flushes = %d, want 2", len(flushes))
	}
	var t1 []string
	var first types.InboundMessage
	for i, f := range firsts {
		if f.ThreadKey == "t1" {
			t1 = flushes[i]
			first = f
		}
	}
	if len(t1) != 3 || t1[0] != "one" || t1[2] != "three" {
		t.Errorf("t1 batch = %v", t1)
	}
	// Metadata comes from the first message of the batch.
	if first.Role != "ops" {
		t.Errorf("first = %+v", first)
	}
}

func TestDebouncer_TimerResets(t *testing.T) {
	var mu sync.Mutex
	count := 0
	d := NewDebouncer(80*time.Millisecond, func(types.InboundMessage, []string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer d.Stop()

	// Keep feeding under the window; nothing should flush until we stop.
	for i := 0; i < 4; i++ {
		d.Add(types.InboundMessage{ThreadKey: "t", Content: "x"})
		time.Sleep(40 * time.Millisecond)
	}
	mu.Lock()
	early := count
	mu.Unlock()
	if early != 0 {
		t.Errorf("flushed %d times during burst", early)
	}

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("flushes = %d, want 1", count)
	}
}

func TestDebouncer_NoThreadKeyFlushesImmediately(t *testing.T) {
	flushed := make(chan []string, 1)
	d := NewDebouncer(time.Hour, func(_ types.InboundMessage, contents []string) {
		flushed <- contents
	})
	d.Add(types.InboundMessage{Content: "now"})
	select {
	case got := <-flushed:
		if len(got) != 1 || got[0] != "now" {
			t.Errorf("contents = %v", got)
		}
	default:
		t.Error("message without thread key not flushed immediately")
	}
}
