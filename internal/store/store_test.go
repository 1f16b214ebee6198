package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTask(t *testing.T) (*Store, string, string) {
	t.Helper()
	s := New()
	tasksDir := t.TempDir()
	_, taskDir, _, err := s.CreateTask(tasksDir, "Build login", "", "")
	if err != nil {
		t.Fatal(err)
	}
	return s, tasksDir, taskDir
}

func TestCreateTask(t *testing.T) {
	s := New()
	tasksDir := t.TempDir()

	m, taskDir, modified, err := s.CreateTask(tasksDir, "Build login", "desc", "thread-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Slug != "build-login" || !modified {
		t.Errorf("slug = %q modified = %v", m.Slug, modified)
	}
	if filepath.Base(taskDir) != m.Slug {
		t.Errorf("task dir %q does not match slug", taskDir)
	}
	if m.Status != TaskOpen {
		t.Errorf("status = %q", m.Status)
	}

	// Collision gets a numeric suffix.
	m2, _, _, err := s.CreateTask(tasksDir, "Build login", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if m2.Slug != "build-login-2" {
		t.Errorf("deduplicated slug = %q", m2.Slug)
	}

	// Round-trip through GetTask.
	got, err := s.GetTask(tasksDir, "build-login")
	if err != nil {
		t.Fatal(err)
	}
	if got.CorrelationKey != "thread-1" || got.Description != "desc" {
		t.Errorf("manifest round-trip mismatch: %+v", got)
	}
}

func TestFindTaskByCorrelation(t *testing.T) {
	s := New()
	tasksDir := t.TempDir()
	if _, _, _, err := s.CreateTask(tasksDir, "First", "", "thread-9"); err != nil {
		t.Fatal(err)
	}

	m, err := s.FindTaskByCorrelation(tasksDir, "thread-9")
	if err != nil || m == nil || m.Slug != "first" {
		t.Fatalf("correlation lookup failed: %v %+v", err, m)
	}

	if err := s.CloseTask(tasksDir, "first"); err != nil {
		t.Fatal(err)
	}
	m, err = s.FindTaskByCorrelation(tasksDir, "thread-9")
	if err != nil || m != nil {
		t.Errorf("closed task should not match correlation, got %+v", m)
	}
}

func TestDispatchRoundTrip(t *testing.T) {
	s, tasksDir, taskDir := newTask(t)

	d := &Dispatch{
		TaskSlug:  "build-login",
		Role:      "api-dev",
		Model:     "claude-sonnet",
		CWD:       "/srv/acme",
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
		Status:    DispatchRunning,
	}
	if err := s.CreateDispatch(taskDir, d); err != nil {
		t.Fatal(err)
	}
	if len(d.ID) != 26 {
		t.Errorf("dispatch id %q not 26 chars", d.ID)
	}

	envelopes, err := s.GetDispatchEnvelopes(taskDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envelopes))
	}
	if !reflect.DeepEqual(envelopes[0], *d) {
		t.Errorf("envelope round trip mismatch:\n got %+v\nwant %+v", envelopes[0], *d)
	}

	// Projection upserted into the manifest.
	m, err := s.GetTask(tasksDir, "build-login")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Dispatches) != 1 || m.Dispatches[0].ID != d.ID || m.Dispatches[0].Role != "api-dev" {
		t.Errorf("projection missing: %+v", m.Dispatches)
	}
}

func TestAppendEvent_OrderAndMonotonicity(t *testing.T) {
	s, _, taskDir := newTask(t)
	d := &Dispatch{TaskSlug: "build-login", Role: "api-dev", Status: DispatchRunning, StartedAt: time.Now()}
	if err := s.CreateDispatch(taskDir, d); err != nil {
		t.Fatal(err)
	}

	types := []EventType{EventSessionInit, EventAgentText, EventAgentToolCall, EventSessionComplete}
	prevLen := 0
	for _, et := range types {
		if err := s.AppendEvent(taskDir, d.ID, Event{Type: et}); err != nil {
			t.Fatal(err)
		}
		events, err := s.GetDispatchEvents(taskDir, d.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) <= prevLen {
			t.Fatalf("event count not monotonic: %d after %d", len(events), prevLen)
		}
		prevLen = len(events)
	}

	events, _ := s.GetDispatchEvents(taskDir, d.ID)
	for i, e := range events {
		if e.Type != types[i] {
			t.Errorf("event %d type = %q, want %q", i, e.Type, types[i])
		}
		if len(e.ID) != 26 || e.Timestamp.IsZero() {
			t.Errorf("event %d missing id/timestamp: %+v", i, e)
		}
		if i > 0 && events[i-1].ID >= e.ID {
			t.Errorf("event ids not ordered: %q >= %q", events[i-1].ID, e.ID)
		}
	}

	recent, err := s.GetRecentEvents(taskDir, d.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[1].Type != EventSessionComplete {
		t.Errorf("recent events = %+v", recent)
	}
}

func TestUpdateDispatch(t *testing.T) {
	s, tasksDir, taskDir := newTask(t)
	d := &Dispatch{TaskSlug: "build-login", Role: "api-dev", Status: DispatchRunning, StartedAt: time.Now()}
	if err := s.CreateDispatch(taskDir, d); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(taskDir, d.ID, Event{Type: EventSessionInit}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDispatch(taskDir, d.ID, func(env *Dispatch) {
		env.Status = DispatchCompleted
		env.CostUSD = 0.42
		env.ID = "should-be-ignored"
	})
	if err != nil {
		t.Fatal(err)
	}

	f, err := s.GetDispatch(taskDir, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if f.ID != d.ID {
		t.Errorf("id changed to %q", f.ID)
	}
	if f.Status != DispatchCompleted || f.CostUSD != 0.42 {
		t.Errorf("update not applied: %+v", f.Dispatch)
	}
	if len(f.Events) != 1 {
		t.Errorf("events not preserved: %d", len(f.Events))
	}

	m, _ := s.GetTask(tasksDir, "build-login")
	if m.Dispatches[0].Status != DispatchCompleted || m.Dispatches[0].CostUSD != 0.42 {
		t.Errorf("projection not refreshed: %+v", m.Dispatches[0])
	}
}

func TestCorruptDispatchFile(t *testing.T) {
	s, _, taskDir := newTask(t)
	d := &Dispatch{TaskSlug: "build-login", Role: "api-dev", Status: DispatchRunning, StartedAt: time.Now()}
	if err := s.CreateDispatch(taskDir, d); err != nil {
		t.Fatal(err)
	}
	// Corrupt the file.
	if err := os.WriteFile(filepath.Join(taskDir, "dispatches", d.ID+".json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := s.GetDispatch(taskDir, d.ID)
	if err != nil || f != nil {
		t.Errorf("corrupt single-get: got %+v, %v; want nil, nil", f, err)
	}

	envelopes, err := s.GetDispatchEnvelopes(taskDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(envelopes) != 0 {
		t.Errorf("corrupt file should be skipped on list, got %d", len(envelopes))
	}
}

func TestMissingReads(t *testing.T) {
	s := New()
	tasksDir := t.TempDir()

	if _, err := s.GetTask(tasksDir, "absent"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if tasks, err := s.ListTasks(filepath.Join(tasksDir, "nope")); err != nil || tasks != nil {
		t.Errorf("missing dir should yield empty list, got %v %v", tasks, err)
	}
	if envs, err := s.GetDispatchEnvelopes(filepath.Join(tasksDir, "nope")); err != nil || envs != nil {
		t.Errorf("missing dispatches dir should yield empty, got %v %v", envs, err)
	}
}

func TestDispatchWriteWithoutManifest(t *testing.T) {
	s := New()
	taskDir := filepath.Join(t.TempDir(), "orphan")
	d := &Dispatch{TaskSlug: "orphan", Role: "api-dev", Status: DispatchRunning, StartedAt: time.Now()}
	// No task.json anywhere: the envelope write must still succeed.
	if err := s.CreateDispatch(taskDir, d); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(taskDir, d.ID, Event{Type: EventSessionInit}); err != nil {
		t.Fatal(err)
	}
	f, err := s.GetDispatch(taskDir, d.ID)
	if err != nil || f == nil || len(f.Events) != 1 {
		t.Errorf("dispatch write without manifest failed: %+v %v", f, err)
	}
}

func TestWriteFormat(t *testing.T) {
	s, _, taskDir := newTask(t)
	data, err := os.ReadFile(filepath.Join(taskDir, "task.json"))
	if err != nil {
		t.Fatal(err)
	}
	if data[len(data)-1] != '\n' {
		t.Error("task.json missing trailing newline")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	_ = s
}
