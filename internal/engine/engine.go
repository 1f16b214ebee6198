// Package engine wires the harness together: it resolves inbound prompts to
// projects, roles and tasks, launches supervised dispatches, owns the draft
// machine, and implements the tool server's launcher so agents can spawn
// siblings.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/internal/agent"
	"github.com/dispatchd/internal/comms"
	"github.com/dispatchd/internal/draft"
	"github.com/dispatchd/internal/history"
	"github.com/dispatchd/internal/pool"
	"github.com/dispatchd/internal/project"
	"github.com/dispatchd/internal/roles"
	"github.com/dispatchd/internal/router"
	"github.com/dispatchd/internal/store"
	"github.com/dispatchd/internal/supervisor"
	"github.com/dispatchd/internal/toolserver"
	"github.com/dispatchd/internal/types"
)

// Environment variables advertised to child agents so they can reach the
// tool server.
const (
	ToolsURLVar   = "DISPATCHD_TOOLS_URL"
	ToolsAgentVar = "DISPATCHD_TOOLS_AGENT"
)

// ErrProjectRequired is returned when a prompt arrives with no project and
// no active draft to route it to.
var ErrProjectRequired = errors.New("project is required")

// Engine is the orchestration core.
type Engine struct {
	Config   *types.Config
	Store    *store.Store
	Pool     *pool.Pool
	Roles    *roles.Registry
	Projects *project.Registry
	Router   *router.Router
	Comms    *comms.Registry
	Draft    *draft.Machine
	Sup      *supervisor.Supervisor
	Tracker  *toolserver.DispatchTracker
	Tools    *toolserver.Server
	History  *history.DB

	// ToolsURL is set once the HTTP listener is bound.
	ToolsURL string
}

// New builds an engine from configuration. The runner defaults to the CLI
// runner; tests substitute a scripted one.
func New(cfg *types.Config, runner agent.Runner) (*Engine, error) {
	if runner == nil {
		runner = &agent.CLIRunner{Binary: cfg.Agent.Binary, Args: cfg.Agent.Args}
	}

	e := &Engine{
		Config:   cfg,
		Store:    store.New(),
		Pool:     pool.New(cfg.MaxConcurrentAgents),
		Roles:    roles.NewRegistry(cfg.RolesDir),
		Projects: project.NewRegistry(cfg.ProjectsDir),
		Router:   router.New(cfg.Routing, cfg.DefaultRole),
		Comms:    comms.NewRegistry(),
		Tracker:  toolserver.NewDispatchTracker(),
	}
	e.Sup = &supervisor.Supervisor{
		Store:  e.Store,
		Runner: runner,
		Pool:   e.Pool,
		Sink:   e.Comms,
	}
	e.Draft = &draft.Machine{Store: e.Store, Pool: e.Pool, Supervisor: e.Sup}
	e.Tools = toolserver.NewServer(e, e.Tracker, e.Pool, e.Store, e.Projects)

	for _, err := range e.Roles.Load() {
		log.Printf("[engine] role: %v", err)
	}
	for _, err := range e.Projects.Load() {
		log.Printf("[engine] project: %v", err)
	}

	if cfg.HistoryDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.HistoryDB), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
		db, err := history.Open(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
		e.History = db
	}
	return e, nil
}

// Close releases held resources. Providers are stopped by the caller that
// started them.
func (e *Engine) Close() {
	if e.History != nil {
		e.History.Close()
	}
}

// SubmitResult is returned to the front-end before the dispatch completes.
type SubmitResult struct {
	AgentID  string `json:"agent_id"`
	TaskSlug string `json:"task_slug"`
	Draft    bool   `json:"draft"`
}

// SubmitPrompt routes an inbound prompt. With an active draft the prompt
// becomes the draft's next turn; otherwise a project is resolved and a new
// supervised dispatch starts in the background.
func (e *Engine) SubmitPrompt(ctx context.Context, msg types.InboundMessage) (*SubmitResult, error) {
	if session := e.Draft.Status(); session != nil {
		if session.StaleRole {
			return nil, draft.ErrStaleRole
		}
		go e.runDraftTurn(msg.Content)
		return &SubmitResult{AgentID: session.AgentID, TaskSlug: session.TaskSlug, Draft: true}, nil
	}

	if msg.Project == "" {
		return nil, ErrProjectRequired
	}
	proj, err := e.Projects.Get(msg.Project)
	if err != nil {
		return nil, err
	}

	roleName := msg.Role
	if roleName == "" {
		roleName = e.Router.ResolveRole(msg.Content)
	}
	role, err := e.Roles.Get(roleName)
	if err != nil {
		return nil, err
	}
	if !proj.AllowsRole(role.Name) {
		return nil, fmt.Errorf("role %q is not allowed for project %q", role.Name, proj.Name)
	}

	cwd := msg.CWD
	if cwd == "" {
		cwd = e.Router.ResolveCWD(msg.Content)
	}
	if cwd == "" {
		cwd = proj.DefaultCWD()
	}

	manifest, taskDir, err := e.resolveTask(proj, msg)
	if err != nil {
		return nil, err
	}

	prompt := e.withTaskContext(manifest, taskDir, msg.Content)
	agentID := newAgentID(role.Name)

	go e.runDispatch(dispatchSpec{
		agentID:   agentID,
		role:      role,
		project:   proj,
		taskDir:   taskDir,
		taskSlug:  manifest.Slug,
		prompt:    prompt,
		cwd:       cwd,
		channelID: msg.ChannelID,
	})

	return &SubmitResult{AgentID: agentID, TaskSlug: manifest.Slug}, nil
}

// resolveTask finds the task the prompt belongs to: an explicit slug, the
// thread's correlation key, or a freshly created task named after the prompt.
func (e *Engine) resolveTask(proj *project.Project, msg types.InboundMessage) (*store.TaskManifest, string, error) {
	tasksDir := proj.TasksDir()

	if msg.TaskSlug != "" {
		manifest, err := e.Store.GetTask(tasksDir, msg.TaskSlug)
		if err != nil {
			return nil, "", err
		}
		taskDir, err := e.Store.TaskDir(tasksDir, msg.TaskSlug)
		if err != nil {
			return nil, "", err
		}
		return manifest, taskDir, nil
	}

	if msg.ThreadKey != "" {
		if manifest, err := e.Store.FindTaskByCorrelation(tasksDir, msg.ThreadKey); err == nil && manifest != nil {
			taskDir, err := e.Store.TaskDir(tasksDir, manifest.Slug)
			if err == nil {
				return manifest, taskDir, nil
			}
		}
	}

	manifest, taskDir, _, err := e.Store.CreateTask(tasksDir, msg.Content, "", msg.ThreadKey)
	if err != nil {
		return nil, "", fmt.Errorf("create task: %w", err)
	}
	return manifest, taskDir, nil
}

// withTaskContext prepends prior structured results to follow-up prompts.
func (e *Engine) withTaskContext(manifest *store.TaskManifest, taskDir, content string) string {
	envelopes, err := e.Store.GetDispatchEnvelopes(taskDir)
	if err != nil || len(envelopes) == 0 {
		return content
	}
	hasResults := false
	for _, d := range envelopes {
		if d.StructuredResult != nil {
			hasResults = true
			break
		}
	}
	if !hasResults {
		return content
	}
	return store.BuildTaskContext(manifest, envelopes) + "\n\n" + content
}

type dispatchSpec struct {
	agentID          string
	role             *roles.Role
	project          *project.Project
	taskDir          string
	taskSlug         string
	prompt           string
	cwd              string
	channelID        string
	parentDispatchID string
}

// runDispatch drives one supervised dispatch to its terminal state.
func (e *Engine) runDispatch(spec dispatchSpec) *supervisor.Result {
	model := spec.role.ResolveModel(e.Config.Models)

	d := &store.Dispatch{
		TaskSlug:         spec.taskSlug,
		Role:             spec.role.Name,
		Model:            model,
		CWD:              spec.cwd,
		StartedAt:        time.Now().UTC(),
		Status:           store.DispatchRunning,
		ParentDispatchID: spec.parentDispatchID,
	}
	if err := e.Store.CreateDispatch(spec.taskDir, d); err != nil {
		log.Printf("[engine] create dispatch for %s: %v", spec.taskSlug, err)
		return &supervisor.Result{Status: store.DispatchCrashed, Error: err.Error()}
	}
	// The journaled prompt is the one the child actually receives, task
	// context included.
	err := e.Store.AppendEvent(spec.taskDir, d.ID, store.Event{
		Type:    store.EventUserMessage,
		Payload: map[string]interface{}{"text": store.TruncateText(spec.prompt, store.EventTextLimit)},
	})
	if err != nil {
		log.Printf("[engine] journal prompt: %v", err)
	}

	e.Tools.RegisterAgent(toolserver.AgentContext{
		AgentID:    spec.agentID,
		DispatchID: d.ID,
		Project:    spec.project.Name,
		TaskSlug:   spec.taskSlug,
		ChannelID:  spec.channelID,
		FullAccess: spec.role.FullToolAccess(),
	})
	defer e.Tools.UnregisterAgent(spec.agentID)

	if spec.channelID != "" {
		e.Comms.BroadcastStatus(spec.channelID, types.StatusWorking)
		defer e.Comms.BroadcastStatus(spec.channelID, types.StatusIdle)
	}
	e.Comms.Broadcast(types.ChannelMessage{
		Type: types.MessageLifecycle, ChannelID: spec.channelID,
		Project: spec.project.Name, TaskSlug: spec.taskSlug, Role: spec.role.Name,
		AgentID: spec.agentID, Text: "agent started", Timestamp: time.Now().UTC(),
	})

	res, err := e.Sup.Run(context.Background(), supervisor.Options{
		AgentID:          spec.agentID,
		Prompt:           spec.prompt,
		Role:             spec.role.Name,
		Model:            model,
		CWD:              spec.cwd,
		TaskDir:          spec.taskDir,
		TaskSlug:         spec.taskSlug,
		Project:          spec.project.Name,
		ChannelID:        spec.channelID,
		SystemPrompt:     spec.role.Prompt,
		ParentDispatchID: spec.parentDispatchID,
		DispatchID:       d.ID,
		ManagePool:       true,
		Abort:            pool.NewAbortHandle(),
		Thresholds:       e.Config.Thresholds,
		ToolEnv:          e.toolEnv(spec.agentID),
	})
	if err != nil {
		log.Printf("[engine] dispatch %s: %v", d.ID, err)
		return &supervisor.Result{DispatchID: d.ID, Status: store.DispatchCrashed, Error: err.Error()}
	}

	e.finishDispatch(spec.project.Name, spec.taskDir, spec, res)
	return res
}

// finishDispatch archives a terminal dispatch and announces its result.
func (e *Engine) finishDispatch(projectName, taskDir string, spec dispatchSpec, res *supervisor.Result) {
	if e.History != nil {
		if f, err := e.Store.GetDispatch(taskDir, res.DispatchID); err == nil && f != nil {
			if err := e.History.Archive(projectName, &f.Dispatch); err != nil {
				log.Printf("[engine] archive dispatch %s: %v", res.DispatchID, err)
			}
		}
	}

	text := res.Summary
	if text == "" {
		text = fmt.Sprintf("dispatch %s: %s", res.DispatchID, res.Status)
	}
	e.Comms.Broadcast(types.ChannelMessage{
		Type: types.MessageResult, ChannelID: spec.channelID,
		Project: projectName, TaskSlug: spec.taskSlug, Role: spec.role.Name,
		AgentID: spec.agentID, Text: text, Status: string(res.Status),
		Timestamp: time.Now().UTC(),
	})
}

// Spawn implements toolserver.Launcher: a parent agent starting a sibling.
func (e *Engine) Spawn(ctx context.Context, req toolserver.SpawnRequest) (string, <-chan *supervisor.Result, error) {
	role, err := e.Roles.Get(req.Role)
	if err != nil {
		return "", nil, err
	}
	proj, err := e.Projects.Get(req.Project)
	if err != nil {
		return "", nil, err
	}

	tasksDir := proj.TasksDir()
	var manifest *store.TaskManifest
	var taskDir string
	if req.TaskSlug != "" {
		manifest, err = e.Store.GetTask(tasksDir, req.TaskSlug)
		if err == nil {
			taskDir, err = e.Store.TaskDir(tasksDir, req.TaskSlug)
		}
	}
	if manifest == nil || err != nil {
		name := req.TaskSlug
		if name == "" {
			name = req.Prompt
		}
		manifest, taskDir, _, err = e.Store.CreateTask(tasksDir, name, "", "")
		if err != nil {
			return "", nil, fmt.Errorf("create task: %w", err)
		}
	}

	agentID := newAgentID(role.Name)
	done := make(chan *supervisor.Result, 1)
	go func() {
		defer close(done)
		res := e.runDispatch(dispatchSpec{
			agentID:          agentID,
			role:             role,
			project:          proj,
			taskDir:          taskDir,
			taskSlug:         manifest.Slug,
			prompt:           req.Prompt,
			cwd:              proj.DefaultCWD(),
			channelID:        req.ChannelID,
			parentDispatchID: req.ParentDispatchID,
		})
		done <- res
	}()
	return agentID, done, nil
}

// CreateDraft opens the conversational session against an existing task.
func (e *Engine) CreateDraft(roleName, projectName, taskSlug, channelID string) (*draft.Session, error) {
	role, err := e.Roles.Get(roleName)
	if err != nil {
		return nil, err
	}
	proj, err := e.Projects.Get(projectName)
	if err != nil {
		return nil, err
	}
	if _, err := e.Store.GetTask(proj.TasksDir(), taskSlug); err != nil {
		return nil, err
	}
	taskDir, err := e.Store.TaskDir(proj.TasksDir(), taskSlug)
	if err != nil {
		return nil, err
	}

	return e.Draft.Create(draft.CreateOptions{
		Role:      role.Name,
		Model:     role.ResolveModel(e.Config.Models),
		Project:   proj.Name,
		TaskSlug:  taskSlug,
		TaskDir:   taskDir,
		ChannelID: channelID,
	})
}

// Undraft closes the session.
func (e *Engine) Undraft() (*draft.Summary, error) {
	return e.Draft.Undraft()
}

// DraftStatus returns the active session, or nil.
func (e *Engine) DraftStatus() *draft.Session {
	return e.Draft.Status()
}

func (e *Engine) runDraftTurn(content string) {
	session := e.Draft.Status()
	if session == nil {
		return
	}
	role, err := e.Roles.Get(session.Role)
	if err != nil {
		log.Printf("[engine] draft role: %v", err)
		return
	}
	proj, err := e.Projects.Get(session.Project)
	if err != nil {
		log.Printf("[engine] draft project: %v", err)
		return
	}

	e.Tools.RegisterAgent(toolserver.AgentContext{
		AgentID:    session.AgentID,
		DispatchID: session.DispatchID,
		Project:    session.Project,
		TaskSlug:   session.TaskSlug,
		ChannelID:  session.ChannelID,
		FullAccess: role.FullToolAccess(),
	})
	defer e.Tools.UnregisterAgent(session.AgentID)

	_, err = e.Draft.Resume(context.Background(), content, draft.TurnOptions{
		Model:        role.ResolveModel(e.Config.Models),
		CWD:          proj.DefaultCWD(),
		SystemPrompt: role.Prompt,
		ToolEnv:      e.toolEnv(session.AgentID),
		Thresholds:   e.Config.Thresholds,
	})
	if err != nil {
		log.Printf("[engine] draft turn: %v", err)
	}
}

// RecoverDrafts reloads a persisted active draft after a restart.
func (e *Engine) RecoverDrafts() {
	var taskDirs []string
	for _, proj := range e.Projects.List() {
		entries, err := os.ReadDir(proj.TasksDir())
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				taskDirs = append(taskDirs, filepath.Join(proj.TasksDir(), entry.Name()))
			}
		}
	}
	roleExists := func(name string) bool {
		_, err := e.Roles.Get(name)
		return err == nil
	}
	if err := e.Draft.Recover(taskDirs, roleExists); err != nil {
		log.Printf("[engine] draft recovery: %v", err)
	}
}

// toolEnv builds the extra environment advertising the tool server.
func (e *Engine) toolEnv(agentID string) []string {
	if e.ToolsURL == "" {
		return nil
	}
	return []string{
		ToolsURLVar + "=" + e.ToolsURL,
		ToolsAgentVar + "=" + agentID,
	}
}

func newAgentID(roleName string) string {
	return roleName + "-" + strings.Split(uuid.NewString(), "-")[0]
}
