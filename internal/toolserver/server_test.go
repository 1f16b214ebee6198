package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dispatchd/internal/pool"
	"github.com/dispatchd/internal/project"
	"github.com/dispatchd/internal/store"
	"github.com/dispatchd/internal/supervisor"
	"github.com/dispatchd/internal/types"
)

type fakeLauncher struct {
	mu     sync.Mutex
	spawns []SpawnRequest
	next   int
	result *supervisor.Result
	err    error
}

func (f *fakeLauncher) Spawn(ctx context.Context, req SpawnRequest) (string, <-chan *supervisor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", nil, f.err
	}
	f.spawns = append(f.spawns, req)
	f.next++
	id := fmt.Sprintf("child-%d", f.next)

	ch := make(chan *supervisor.Result, 1)
	res := f.result
	if res == nil {
		res = &supervisor.Result{DispatchID: "d-" + id, Status: store.DispatchCompleted}
	}
	ch <- res
	return id, ch, nil
}

func newTestServer(t *testing.T, launcher Launcher) (*Server, *pool.Pool, *project.Project) {
	t.Helper()

	base := t.TempDir()
	dir := filepath.Join(base, "Acme")
	if err := os.MkdirAll(filepath.Join(dir, "tasks"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "project.yaml"), []byte("name: Acme\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := project.NewRegistry(base)
	if errs := reg.Load(); len(errs) > 0 {
		t.Fatal(errs)
	}
	proj, err := reg.Get("Acme")
	if err != nil {
		t.Fatal(err)
	}

	p := pool.New(0)
	srv := NewServer(launcher, NewDispatchTracker(), p, store.New(), reg)
	return srv, p, proj
}

func callTool(t *testing.T, srv *Server, agentID, tool string, args map[string]interface{}) types.RPCResponse {
	t.Helper()
	params, _ := json.Marshal(map[string]interface{}{"name": tool, "arguments": args})
	body, _ := json.Marshal(types.RPCRequest{JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params})

	req := httptest.NewRequest(http.MethodPost, "/tools", bytes.NewReader(body))
	req.Header.Set("X-Agent-ID", agentID)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("http status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp types.RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func fullCaller() AgentContext {
	return AgentContext{AgentID: "parent", DispatchID: "d-parent", Project: "Acme", TaskSlug: "main-task", FullAccess: true}
}

func TestServeHTTP_RejectsUnknownAgent(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/tools", strings.NewReader("{}"))
	req.Header.Set("X-Agent-ID", "stranger")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}

	// No header at all.
	req = httptest.NewRequest(http.MethodPost, "/tools", strings.NewReader("{}"))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServeHTTP_MalformedJSON(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	srv.RegisterAgent(fullCaller())

	req := httptest.NewRequest(http.MethodPost, "/tools", strings.NewReader("{not json"))
	req.Header.Set("X-Agent-ID", "parent")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp types.RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != types.CodeParseError {
		t.Errorf("error = %+v, want parse error", resp.Error)
	}
}

func TestDispatchTracker_ConcurrentAwait(t *testing.T) {
	tr := NewDispatchTracker()
	ch := make(chan *supervisor.Result, 1)
	tr.Track("a1", ch)

	const waiters = 4
	var wg sync.WaitGroup
	results := make([]*supervisor.Result, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tr.Await(context.Background(), "a1")
		}(i)
	}

	ch <- &supervisor.Result{DispatchID: "d1", Status: store.DispatchCompleted}
	close(ch)
	wg.Wait()

	// Every waiter sees the one result; none observes a drained channel.
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Errorf("waiter %d: %v", i, errs[i])
			continue
		}
		if results[i] == nil || results[i].DispatchID != "d1" {
			t.Errorf("waiter %d result = %+v", i, results[i])
		}
	}
}

func TestToolsList_GatedByAccess(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})
	srv.RegisterAgent(AgentContext{AgentID: "ro", Project: "Acme"})
	srv.RegisterAgent(fullCaller())

	list := func(agentID string) []string {
		body, _ := json.Marshal(types.RPCRequest{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
		req := httptest.NewRequest(http.MethodPost, "/tools", bytes.NewReader(body))
		req.Header.Set("X-Agent-ID", agentID)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		var resp struct {
			Result struct {
				Tools []struct {
					Name string `json:"name"`
				} `json:"tools"`
			} `json:"result"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		var names []string
		for _, tool := range resp.Result.Tools {
			names = append(names, tool.Name)
		}
		return names
	}

	roNames := strings.Join(list("ro"), ",")
	if strings.Contains(roNames, "draft_agent") || strings.Contains(roNames, "kill_agent") {
		t.Errorf("readonly caller sees write tools: %s", roNames)
	}
	if !strings.Contains(roNames, "list_tasks") || !strings.Contains(roNames, "get_task_context") {
		t.Errorf("readonly caller missing read tools: %s", roNames)
	}

	fullNames := strings.Join(list("parent"), ",")
	for _, want := range []string{"draft_agent", "await_agent", "kill_agent", "list_agents", "list_projects"} {
		if !strings.Contains(fullNames, want) {
			t.Errorf("full caller missing %s: %s", want, fullNames)
		}
	}

	// Write tools refused outright for readonly callers, not just hidden.
	resp := callTool(t, srv, "ro", "draft_agent", map[string]interface{}{"role": "x", "prompt": "y"})
	if resp.Error == nil {
		t.Error("readonly caller could call draft_agent")
	}
}

func TestDraftAndAwaitAgent(t *testing.T) {
	launcher := &fakeLauncher{result: &supervisor.Result{
		DispatchID: "d-child", Status: store.DispatchCompleted,
		Structured: &store.StructuredResult{Status: "success", Summary: "child done"},
	}}
	srv, _, _ := newTestServer(t, launcher)
	srv.RegisterAgent(fullCaller())

	resp := callTool(t, srv, "parent", "draft_agent", map[string]interface{}{
		"role": "api-dev", "prompt": "build it",
	})
	if resp.Error != nil {
		t.Fatalf("draft_agent error: %v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	agentID, _ := result["agentId"].(string)
	if agentID == "" {
		t.Fatalf("no agent id in %+v", result)
	}

	// Spawn inherits the caller's project, task and dispatch id.
	spawn := launcher.spawns[0]
	if spawn.Project != "Acme" || spawn.TaskSlug != "main-task" || spawn.ParentDispatchID != "d-parent" {
		t.Errorf("spawn request = %+v", spawn)
	}

	resp = callTool(t, srv, "parent", "await_agent", map[string]interface{}{"agentId": agentID})
	if resp.Error != nil {
		t.Fatalf("await_agent error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(data), "child done") {
		t.Errorf("await result = %s", data)
	}

	// Awaiting again returns the cached result.
	resp = callTool(t, srv, "parent", "await_agent", map[string]interface{}{"agentId": agentID})
	if resp.Error != nil {
		t.Errorf("second await error: %v", resp.Error)
	}

	// Unknown id is an error.
	resp = callTool(t, srv, "parent", "await_agent", map[string]interface{}{"agentId": "ghost"})
	if resp.Error == nil {
		t.Error("await of unknown id succeeded")
	}
}

func TestKillAgent_Idempotent(t *testing.T) {
	srv, p, _ := newTestServer(t, &fakeLauncher{})
	srv.RegisterAgent(fullCaller())

	abort := pool.NewAbortHandle()
	if err := p.Register(&pool.Entry{ID: "victim", Abort: abort}); err != nil {
		t.Fatal(err)
	}

	resp := callTool(t, srv, "parent", "kill_agent", map[string]interface{}{"agentId": "victim"})
	if resp.Error != nil {
		t.Fatalf("kill error: %v", resp.Error)
	}
	if !abort.Tripped() {
		t.Error("abort not tripped")
	}

	// Second kill of the same id succeeds silently.
	resp = callTool(t, srv, "parent", "kill_agent", map[string]interface{}{"agentId": "victim"})
	if resp.Error != nil {
		t.Errorf("second kill error: %v", resp.Error)
	}
}

func TestGetTaskContext(t *testing.T) {
	srv, _, proj := newTestServer(t, nil)
	srv.RegisterAgent(fullCaller())

	_, taskDir, _, err := srv.Store.CreateTask(proj.TasksDir(), "Build login", "Login with MFA", "")
	if err != nil {
		t.Fatal(err)
	}
	d := &store.Dispatch{TaskSlug: "build-login", Role: "api-dev", StartedAt: time.Now().UTC(), Status: store.DispatchCompleted}
	if err := srv.Store.CreateDispatch(taskDir, d); err != nil {
		t.Fatal(err)
	}
	err = srv.Store.UpdateDispatch(taskDir, d.ID, func(d *store.Dispatch) {
		d.StructuredResult = &store.StructuredResult{Status: "success", Summary: "Added login endpoint"}
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := callTool(t, srv, "parent", "get_task_context", map[string]interface{}{"slug": "build-login"})
	if resp.Error != nil {
		t.Fatalf("get_task_context error: %v", resp.Error)
	}
	ctx, _ := resp.Result.(map[string]interface{})["context"].(string)
	for _, want := range []string{"## Task History", "Login with MFA", "Added login endpoint"} {
		if !strings.Contains(ctx, want) {
			t.Errorf("context missing %q:\n%s", want, ctx)
		}
	}

	resp = callTool(t, srv, "parent", "get_task_context", map[string]interface{}{"slug": "nope"})
	if resp.Error == nil || resp.Error.Code != types.CodeTaskNotFound {
		t.Errorf("missing task error = %+v", resp.Error)
	}
}

func TestListTasksAndProjects(t *testing.T) {
	srv, _, proj := newTestServer(t, nil)
	srv.RegisterAgent(fullCaller())

	if _, _, _, err := srv.Store.CreateTask(proj.TasksDir(), "First task", "", ""); err != nil {
		t.Fatal(err)
	}

	resp := callTool(t, srv, "parent", "list_tasks", nil)
	if resp.Error != nil {
		t.Fatalf("list_tasks error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	if !strings.Contains(string(data), "first-task") {
		t.Errorf("tasks = %s", data)
	}

	resp = callTool(t, srv, "parent", "list_projects", nil)
	data, _ = json.Marshal(resp.Result)
	if !strings.Contains(string(data), "Acme") {
		t.Errorf("projects = %s", data)
	}
}
