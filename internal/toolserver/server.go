// Package toolserver is the in-process RPC surface child agents call back
// into: spawning sibling agents, awaiting their results, and reading task
// state. Served as POST-only JSON-RPC over loopback HTTP; agents identify
// themselves with the X-Agent-ID header.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/dispatchd/internal/pool"
	"github.com/dispatchd/internal/project"
	"github.com/dispatchd/internal/store"
	"github.com/dispatchd/internal/supervisor"
	"github.com/dispatchd/internal/types"
)

// SpawnRequest asks the engine to start a child dispatch.
type SpawnRequest struct {
	Role             string
	Prompt           string
	Project          string
	TaskSlug         string
	ParentDispatchID string
	ChannelID        string
}

// Launcher starts child dispatches. The engine implements it; Spawn returns
// before the child emits anything, with a channel resolving its terminal
// result.
type Launcher interface {
	Spawn(ctx context.Context, req SpawnRequest) (agentID string, done <-chan *supervisor.Result, err error)
}

// AgentContext is what the server knows about a registered caller: the
// dispatch it belongs to and whether its role grants the write tools.
type AgentContext struct {
	AgentID    string
	DispatchID string
	Project    string
	TaskSlug   string
	ChannelID  string
	FullAccess bool

	// requestCtx is the HTTP request context, set per call so blocking tools
	// unwind when the caller disconnects.
	requestCtx context.Context
}

// Server exposes the tool surface over HTTP.
type Server struct {
	Launcher Launcher
	Tracker  *DispatchTracker
	Pool     *pool.Pool
	Store    *store.Store
	Projects *project.Registry

	mu     sync.RWMutex
	agents map[string]AgentContext
	tools  map[string]ToolDefinition
}

// NewServer wires the tool set. All dependencies are required except
// Launcher, which may be nil for a read-only deployment.
func NewServer(launcher Launcher, tracker *DispatchTracker, p *pool.Pool, st *store.Store, projects *project.Registry) *Server {
	s := &Server{
		Launcher: launcher,
		Tracker:  tracker,
		Pool:     p,
		Store:    st,
		Projects: projects,
		agents:   make(map[string]AgentContext),
	}
	s.tools = s.buildTools()
	return s
}

// RegisterAgent makes an agent id a valid caller for the duration of its
// dispatch.
func (s *Server) RegisterAgent(ctx AgentContext) {
	s.mu.Lock()
	s.agents[ctx.AgentID] = ctx
	s.mu.Unlock()
}

// UnregisterAgent revokes a caller.
func (s *Server) UnregisterAgent(agentID string) {
	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
}

func (s *Server) caller(agentID string) (AgentContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, ok := s.agents[agentID]
	return ctx, ok
}

// ServeHTTP handles POST-only JSON-RPC.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		agentID = r.URL.Query().Get("agent_id")
	}
	if agentID == "" {
		http.Error(w, "X-Agent-ID header required", http.StatusBadRequest)
		return
	}
	caller, ok := s.caller(agentID)
	if !ok {
		http.Error(w, "unknown agent", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req types.RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respond(w, s.fail(nil, types.CodeParseError, "parse error"))
		return
	}

	s.respond(w, s.handle(r.Context(), caller, &req))
}

func (s *Server) respond(w http.ResponseWriter, resp types.RPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[toolserver] write response: %v", err)
	}
}

func (s *Server) handle(ctx context.Context, caller AgentContext, req *types.RPCRequest) types.RPCResponse {
	switch req.Method {
	case "tools/list":
		return s.ok(req.ID, map[string]interface{}{"tools": s.listTools(caller)})
	case "tools/call":
		return s.call(ctx, caller, req)
	default:
		return s.fail(req.ID, types.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) listTools(caller AgentContext) []map[string]interface{} {
	names := make([]string, 0, len(s.tools))
	for name, def := range s.tools {
		if def.FullAccess && !caller.FullAccess {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		out = append(out, s.tools[name].schema())
	}
	return out
}

func (s *Server) call(ctx context.Context, caller AgentContext, req *types.RPCRequest) types.RPCResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.fail(req.ID, types.CodeInvalidParams, "invalid params")
		}
	}

	def, ok := s.tools[params.Name]
	if !ok || (def.FullAccess && !caller.FullAccess) {
		return s.fail(req.ID, types.CodeMethodNotFound, fmt.Sprintf("unknown tool: %s", params.Name))
	}

	caller.requestCtx = ctx
	result, err := def.Handler(caller, params.Arguments)
	if err != nil {
		return s.fail(req.ID, codeFor(err), err.Error())
	}
	return s.ok(req.ID, result)
}

func (s *Server) ok(id interface{}, result interface{}) types.RPCResponse {
	return types.RPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) fail(id interface{}, code int, message string) types.RPCResponse {
	return types.RPCResponse{JSONRPC: "2.0", ID: id, Error: &types.RPCError{Code: code, Message: message}}
}

func codeFor(err error) int {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return types.CodeTaskNotFound
	case errors.Is(err, pool.ErrNotFound):
		return types.CodeAgentNotFound
	case errors.Is(err, project.ErrNotFound):
		return types.CodeProjectNotFound
	default:
		return types.CodeInternalError
	}
}

func (s *Server) buildTools() map[string]ToolDefinition {
	tools := []ToolDefinition{
		{
			Name:        "draft_agent",
			Description: "Spawn a sibling agent with the given role and prompt. Returns immediately with an agent id; use await_agent to collect the result.",
			FullAccess:  true,
			Parameters: map[string]ParameterDef{
				"role":   {Type: "string", Description: "Role name for the new agent", Required: true},
				"prompt": {Type: "string", Description: "Task prompt for the new agent", Required: true},
				"task":   {Type: "string", Description: "Task slug to attach to; defaults to the caller's task"},
			},
			Handler: s.handleDraftAgent,
		},
		{
			Name:        "await_agent",
			Description: "Block until a spawned agent finishes and return its result.",
			FullAccess:  true,
			Parameters: map[string]ParameterDef{
				"agentId": {Type: "string", Description: "Agent id returned by draft_agent", Required: true},
			},
			Handler: s.handleAwaitAgent,
		},
		{
			Name:        "kill_agent",
			Description: "Abort a running agent. Idempotent.",
			FullAccess:  true,
			Parameters: map[string]ParameterDef{
				"agentId": {Type: "string", Description: "Agent id to abort", Required: true},
			},
			Handler: s.handleKillAgent,
		},
		{
			Name:        "list_agents",
			Description: "List running agents.",
			Handler:     s.handleListAgents,
		},
		{
			Name:        "list_tasks",
			Description: "List tasks for a project.",
			Parameters: map[string]ParameterDef{
				"project": {Type: "string", Description: "Project name; defaults to the caller's project"},
			},
			Handler: s.handleListTasks,
		},
		{
			Name:        "get_task_context",
			Description: "Render a task's prior work as Markdown.",
			Parameters: map[string]ParameterDef{
				"slug":    {Type: "string", Description: "Task slug", Required: true},
				"project": {Type: "string", Description: "Project name; defaults to the caller's project"},
			},
			Handler: s.handleTaskContext,
		},
		{
			Name:        "list_projects",
			Description: "List configured projects.",
			Handler:     s.handleListProjects,
		},
	}

	out := make(map[string]ToolDefinition, len(tools))
	for _, t := range tools {
		out[t.Name] = t
	}
	return out
}

func (s *Server) handleDraftAgent(caller AgentContext, params map[string]interface{}) (interface{}, error) {
	if s.Launcher == nil {
		return nil, fmt.Errorf("spawning is not available")
	}
	role := stringParam(params, "role")
	prompt := stringParam(params, "prompt")
	if role == "" || prompt == "" {
		return nil, fmt.Errorf("role and prompt are required")
	}
	task := stringParam(params, "task")
	if task == "" {
		task = caller.TaskSlug
	}

	agentID, done, err := s.Launcher.Spawn(context.Background(), SpawnRequest{
		Role:             role,
		Prompt:           prompt,
		Project:          caller.Project,
		TaskSlug:         task,
		ParentDispatchID: caller.DispatchID,
		ChannelID:        caller.ChannelID,
	})
	if err != nil {
		return nil, err
	}
	s.Tracker.Track(agentID, done)
	return map[string]interface{}{"agentId": agentID}, nil
}

func (s *Server) handleAwaitAgent(caller AgentContext, params map[string]interface{}) (interface{}, error) {
	agentID := stringParam(params, "agentId")
	if agentID == "" {
		return nil, fmt.Errorf("agentId is required")
	}
	res, err := s.Tracker.Await(caller.requestCtx, agentID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Server) handleKillAgent(caller AgentContext, params map[string]interface{}) (interface{}, error) {
	agentID := stringParam(params, "agentId")
	if agentID == "" {
		return nil, fmt.Errorf("agentId is required")
	}
	err := s.Pool.Kill(agentID, "killed by "+caller.AgentID)
	if err != nil && !errors.Is(err, pool.ErrNotFound) {
		return nil, err
	}
	return map[string]interface{}{"killed": true}, nil
}

func (s *Server) handleListAgents(caller AgentContext, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"agents": s.Pool.List()}, nil
}

func (s *Server) handleListTasks(caller AgentContext, params map[string]interface{}) (interface{}, error) {
	p, err := s.resolveProject(caller, params)
	if err != nil {
		return nil, err
	}
	tasks, err := s.Store.ListTasks(p.TasksDir())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tasks": tasks}, nil
}

func (s *Server) handleTaskContext(caller AgentContext, params map[string]interface{}) (interface{}, error) {
	slug := stringParam(params, "slug")
	if slug == "" {
		return nil, fmt.Errorf("slug is required")
	}
	p, err := s.resolveProject(caller, params)
	if err != nil {
		return nil, err
	}

	taskDir, err := s.Store.TaskDir(p.TasksDir(), slug)
	if err != nil {
		return nil, err
	}
	manifest, err := s.Store.GetTask(p.TasksDir(), slug)
	if err != nil {
		return nil, err
	}
	envelopes, err := s.Store.GetDispatchEnvelopes(taskDir)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"context": store.BuildTaskContext(manifest, envelopes)}, nil
}

func (s *Server) handleListProjects(caller AgentContext, params map[string]interface{}) (interface{}, error) {
	projects := s.Projects.List()
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return map[string]interface{}{"projects": projects}, nil
}

func (s *Server) resolveProject(caller AgentContext, params map[string]interface{}) (*project.Project, error) {
	name := stringParam(params, "project")
	if name == "" {
		name = caller.Project
	}
	return s.Projects.Get(name)
}
