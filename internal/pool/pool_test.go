package pool

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func entry(id string) *Entry {
	return &Entry{ID: id, Role: "api-dev", TaskSlug: "t", StartedAt: time.Now(), Abort: NewAbortHandle()}
}

func TestRegisterRelease(t *testing.T) {
	p := New(0)
	if err := p.Register(entry("a")); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(entry("b")); err != nil {
		t.Fatal(err)
	}
	if p.Size() != 2 {
		t.Errorf("size = %d", p.Size())
	}

	list := p.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("list order = %+v", list)
	}

	p.Release("a")
	if p.Size() != 1 {
		t.Errorf("size after release = %d", p.Size())
	}
	p.Release("a") // no-op
	if p.Size() != 1 {
		t.Errorf("double release changed size")
	}
}

func TestCapacity(t *testing.T) {
	p := New(2)
	if err := p.Register(entry("a")); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(entry("b")); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(entry("c")); !errors.Is(err, ErrPoolFull) {
		t.Errorf("expected ErrPoolFull, got %v", err)
	}
	p.Release("a")
	if err := p.Register(entry("c")); err != nil {
		t.Errorf("register after release: %v", err)
	}
	if p.Size() > 2 {
		t.Errorf("pool exceeded cap: %d", p.Size())
	}
}

func TestKill(t *testing.T) {
	p := New(0)
	e := entry("a")
	if err := p.Register(e); err != nil {
		t.Fatal(err)
	}

	if err := p.Kill("a", "external"); err != nil {
		t.Fatal(err)
	}
	if !e.Abort.Tripped() || e.Abort.Reason() != "external" {
		t.Errorf("abort handle not tripped with reason: %q", e.Abort.Reason())
	}
	if p.Size() != 0 {
		t.Errorf("killed agent still present")
	}

	// Kill of a removed agent errors, but tripping the handle again is safe.
	if err := p.Kill("a", "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	e.Abort.Trip("again")
	if e.Abort.Reason() != "external" {
		t.Errorf("first trip reason overwritten: %q", e.Abort.Reason())
	}
}

func TestOnChange(t *testing.T) {
	p := New(0)
	var mu sync.Mutex
	var calls [][]Snapshot
	p.OnChange(func(s []Snapshot) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	})

	p.Register(entry("a"))
	p.Register(entry("b"))
	p.Release("a")

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 3 {
		t.Fatalf("expected 3 callbacks, got %d", len(calls))
	}
	if len(calls[1]) != 2 || len(calls[2]) != 1 {
		t.Errorf("snapshots wrong: %+v", calls)
	}
	if calls[2][0].ID != "b" {
		t.Errorf("remaining agent = %q", calls[2][0].ID)
	}
}

func TestRegisterCommutes(t *testing.T) {
	p := New(0)
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := p.Register(entry(id)); err != nil {
				t.Error(err)
			}
		}(id)
	}
	wg.Wait()

	list := p.List()
	found := map[string]bool{}
	for _, s := range list {
		found[s.ID] = true
	}
	if !found["a"] || !found["b"] {
		t.Errorf("concurrent registers lost an agent: %+v", list)
	}
}

func TestAbortHandle(t *testing.T) {
	h := NewAbortHandle()
	if h.Tripped() || h.Reason() != "" {
		t.Error("fresh handle should be untripped")
	}
	select {
	case <-h.Done():
		t.Fatal("done closed before trip")
	default:
	}

	h.Trip("stall")
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after trip")
	}
	if h.Reason() != "stall" {
		t.Errorf("reason = %q", h.Reason())
	}
}
