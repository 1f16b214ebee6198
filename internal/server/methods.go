package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dispatchd/internal/draft"
	"github.com/dispatchd/internal/engine"
	"github.com/dispatchd/internal/entity"
	"github.com/dispatchd/internal/pool"
	"github.com/dispatchd/internal/project"
	"github.com/dispatchd/internal/roles"
	"github.com/dispatchd/internal/store"
	"github.com/dispatchd/internal/types"
)

func (s *Server) buildMethods() map[string]methodFunc {
	return map[string]methodFunc{
		"list_projects":    s.rpcListProjects,
		"create_project":   s.rpcCreateProject,
		"reload_projects":  s.rpcReloadProjects,
		"submit_prompt":    s.rpcSubmitPrompt,
		"create_task":      s.rpcCreateTask,
		"close_task":       s.rpcCloseTask,
		"list_tasks":       s.rpcListTasks,
		"get_task_context": s.rpcGetTaskContext,
		"draft":            s.rpcDraft,
		"undraft":          s.rpcUndraft,
		"get_draft_status": s.rpcGetDraftStatus,
		"list_agents":      s.rpcListAgents,
		"kill_agent":       s.rpcKillAgent,
		"list_roles":       s.rpcListRoles,
		"entity_scaffold":  s.rpcEntityScaffold,
		"entity_validate":  s.rpcEntityValidate,
		"list_history":     s.rpcListHistory,
	}
}

// rpcError maps domain sentinels to structured RPC codes.
func rpcError(err error) *types.RPCError {
	code := types.CodeInternalError
	switch {
	case errors.Is(err, roles.ErrNotFound):
		code = types.CodeRoleNotFound
	case errors.Is(err, project.ErrNotFound):
		code = types.CodeProjectNotFound
	case errors.Is(err, project.ErrDuplicate):
		code = types.CodeInvalidParams
	case errors.Is(err, store.ErrTaskNotFound):
		code = types.CodeTaskNotFound
	case errors.Is(err, store.ErrDispatchNotFound):
		code = types.CodeTaskNotFound
	case errors.Is(err, pool.ErrNotFound):
		code = types.CodeAgentNotFound
	case errors.Is(err, draft.ErrDraftActive):
		code = types.CodeDraftAlreadyActive
	case errors.Is(err, draft.ErrNoDraft):
		code = types.CodeNoActiveDraft
	case errors.Is(err, engine.ErrProjectRequired):
		code = types.CodeInvalidParams
	}
	return &types.RPCError{Code: code, Message: err.Error()}
}

func paramsError(err error) *types.RPCError {
	return &types.RPCError{Code: types.CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

func (s *Server) rpcListProjects(_ context.Context, _ json.RawMessage) (interface{}, *types.RPCError) {
	type row struct {
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		Paths       []string `json:"paths,omitempty"`
		Roles       []string `json:"roles,omitempty"`
	}
	var out []row
	for _, p := range s.Engine.Projects.List() {
		out = append(out, row{Name: p.Name, Description: p.Description, Paths: p.Paths, Roles: p.Roles})
	}
	return map[string]interface{}{"projects": out}, nil
}

func (s *Server) rpcCreateProject(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Roles       []string `json:"roles"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	if p.Name == "" {
		return nil, &types.RPCError{Code: types.CodeInvalidParams, Message: "name is required"}
	}
	proj, err := s.Engine.Projects.Create(p.Name, p.Description, p.Roles)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]string{"name": proj.Name, "dir": proj.Dir}, nil
}

func (s *Server) rpcReloadProjects(_ context.Context, _ json.RawMessage) (interface{}, *types.RPCError) {
	errs := s.Engine.Projects.Load()
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return map[string]interface{}{
		"projects": len(s.Engine.Projects.List()),
		"errors":   msgs,
	}, nil
}

func (s *Server) rpcSubmitPrompt(ctx context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		Content   string `json:"content"`
		Project   string `json:"project"`
		Role      string `json:"role"`
		CWD       string `json:"cwd"`
		TaskSlug  string `json:"task_slug"`
		ChannelID string `json:"channel_id"`
		ThreadKey string `json:"thread_key"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	if p.Content == "" {
		return nil, &types.RPCError{Code: types.CodeInvalidParams, Message: "content is required"}
	}
	res, err := s.Engine.SubmitPrompt(ctx, types.InboundMessage{
		Content:   p.Content,
		Project:   p.Project,
		Role:      p.Role,
		CWD:       p.CWD,
		TaskSlug:  p.TaskSlug,
		ChannelID: p.ChannelID,
		ThreadKey: p.ThreadKey,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{
		"thread_id": res.AgentID,
		"task_slug": res.TaskSlug,
		"draft":     res.Draft,
	}, nil
}

func (s *Server) rpcCreateTask(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		Project     string `json:"project"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	proj, err := s.Engine.Projects.Get(p.Project)
	if err != nil {
		return nil, rpcError(err)
	}
	manifest, taskDir, slugModified, err := s.Engine.Store.CreateTask(proj.TasksDir(), p.Name, p.Description, "")
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{
		"slug":          manifest.Slug,
		"task_dir":      taskDir,
		"slug_modified": slugModified,
	}, nil
}

func (s *Server) rpcCloseTask(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		Project  string `json:"project"`
		TaskSlug string `json:"task_slug"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	proj, err := s.Engine.Projects.Get(p.Project)
	if err != nil {
		return nil, rpcError(err)
	}
	if err := s.Engine.Store.CloseTask(proj.TasksDir(), p.TaskSlug); err != nil {
		return nil, rpcError(err)
	}
	return map[string]string{"slug": p.TaskSlug, "status": string(store.TaskClosed)}, nil
}

func (s *Server) rpcListTasks(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		Project string `json:"project"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	proj, err := s.Engine.Projects.Get(p.Project)
	if err != nil {
		return nil, rpcError(err)
	}
	tasks, err := s.Engine.Store.ListTasks(proj.TasksDir())
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"tasks": tasks}, nil
}

func (s *Server) rpcGetTaskContext(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		Project  string `json:"project"`
		TaskSlug string `json:"task_slug"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	proj, err := s.Engine.Projects.Get(p.Project)
	if err != nil {
		return nil, rpcError(err)
	}
	manifest, err := s.Engine.Store.GetTask(proj.TasksDir(), p.TaskSlug)
	if err != nil {
		return nil, rpcError(err)
	}
	taskDir, err := s.Engine.Store.TaskDir(proj.TasksDir(), p.TaskSlug)
	if err != nil {
		return nil, rpcError(err)
	}
	envelopes, err := s.Engine.Store.GetDispatchEnvelopes(taskDir)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]string{"context": store.BuildTaskContext(manifest, envelopes)}, nil
}

func (s *Server) rpcDraft(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		Role      string `json:"role"`
		Project   string `json:"project"`
		TaskSlug  string `json:"task_slug"`
		ChannelID string `json:"channel_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	session, err := s.Engine.CreateDraft(p.Role, p.Project, p.TaskSlug, p.ChannelID)
	if err != nil {
		return nil, rpcError(err)
	}
	s.hub.Notify(types.NotifyDraftStatus, map[string]interface{}{"active": true, "session": session})
	return session, nil
}

func (s *Server) rpcUndraft(_ context.Context, _ json.RawMessage) (interface{}, *types.RPCError) {
	summary, err := s.Engine.Undraft()
	if err != nil {
		return nil, rpcError(err)
	}
	s.hub.Notify(types.NotifyDraftStatus, map[string]interface{}{"active": false})
	return summary, nil
}

func (s *Server) rpcGetDraftStatus(_ context.Context, _ json.RawMessage) (interface{}, *types.RPCError) {
	session := s.Engine.DraftStatus()
	if session == nil {
		return map[string]interface{}{"active": false}, nil
	}
	return map[string]interface{}{"active": true, "session": session}, nil
}

func (s *Server) rpcListAgents(_ context.Context, _ json.RawMessage) (interface{}, *types.RPCError) {
	return map[string]interface{}{"agents": s.Engine.Pool.List()}, nil
}

func (s *Server) rpcKillAgent(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	if p.AgentID == "" {
		return nil, &types.RPCError{Code: types.CodeInvalidParams, Message: "agent_id is required"}
	}
	reason := p.Reason
	if reason == "" {
		reason = "killed by operator"
	}
	// Killing an already-gone agent has the same effect as killing it once.
	if err := s.Engine.Pool.Kill(p.AgentID, reason); err != nil && !errors.Is(err, pool.ErrNotFound) {
		return nil, rpcError(err)
	}
	return map[string]string{"agent_id": p.AgentID, "status": "killed"}, nil
}

func (s *Server) rpcListRoles(_ context.Context, _ json.RawMessage) (interface{}, *types.RPCError) {
	type row struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name,omitempty"`
		Description string `json:"description,omitempty"`
		Model       string `json:"model,omitempty"`
	}
	var out []row
	for _, r := range s.Engine.Roles.List() {
		out = append(out, row{Name: r.Name, DisplayName: r.DisplayName, Description: r.Description, Model: string(r.Model)})
	}
	return map[string]interface{}{"roles": out}, nil
}

func (s *Server) rpcEntityScaffold(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		Type   string `json:"type"`
		Name   string `json:"name"`
		Author string `json:"author"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	filename, content, err := entity.Scaffold(p.Type, p.Name, p.Author)
	if err != nil {
		return nil, &types.RPCError{Code: types.CodeInvalidParams, Message: err.Error()}
	}
	return map[string]string{"filename": filename, "content": content}, nil
}

func (s *Server) rpcEntityValidate(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	var p struct {
		Content  string `json:"content"`
		Type     string `json:"type"`
		Filename string `json:"filename"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	entityType := p.Type
	if entityType == "" {
		entityType = entity.DetectType(p.Filename)
	}
	findings := entity.Validate([]byte(p.Content), entityType)
	return map[string]interface{}{
		"valid":    entity.Valid(findings),
		"findings": findings,
	}, nil
}

func (s *Server) rpcListHistory(_ context.Context, params json.RawMessage) (interface{}, *types.RPCError) {
	if s.Engine.History == nil {
		return nil, &types.RPCError{Code: types.CodeInternalError, Message: "history archive is not configured"}
	}
	var p struct {
		Project string `json:"project"`
		Limit   int    `json:"limit"`
	}
	if err := decode(params, &p); err != nil {
		return nil, paramsError(err)
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	records, err := s.Engine.History.List(p.Project, p.Limit)
	if err != nil {
		return nil, rpcError(err)
	}
	total, err := s.Engine.History.TotalCost(p.Project)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"records": records, "total_cost_usd": total}, nil
}
