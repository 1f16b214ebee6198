// Package draft holds the singleton conversational session: one resumable
// agent that keeps its pool slot and protocol session across user turns.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/internal/pool"
	"github.com/dispatchd/internal/store"
	"github.com/dispatchd/internal/supervisor"
	"github.com/dispatchd/internal/types"
)

// Sentinel errors surfaced to the RPC layer.
var (
	ErrDraftActive = errors.New("a draft session is already active")
	ErrNoDraft     = errors.New("no active draft session")
	ErrStaleRole   = errors.New("draft role no longer exists")
)

// Session statuses
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// FileName is the per-task draft state file.
const FileName = "draft.json"

// Session is the persisted state of the conversational agent.
type Session struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Role      string `json:"role"`
	Project   string `json:"project"`
	TaskSlug  string `json:"task_slug"`
	TaskDir   string `json:"task_dir"`
	ChannelID string `json:"channel_id,omitempty"`

	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	TurnCount    int       `json:"turn_count"`
	Status       string    `json:"status"`

	// SessionInitialized flips once the child's first session:init is seen;
	// until then turns start the session instead of resuming it.
	SessionInitialized bool `json:"session_initialized"`

	DispatchID string  `json:"dispatch_id,omitempty"`
	CostUSD    float64 `json:"cost_usd"`

	LastInputTokens  int `json:"last_input_tokens,omitempty"`
	LastOutputTokens int `json:"last_output_tokens,omitempty"`
	ContextWindow    int `json:"context_window,omitempty"`
	MaxOutputTokens  int `json:"max_output_tokens,omitempty"`

	// StaleRole marks a recovered session whose role has disappeared; turns
	// are refused until undraft.
	StaleRole bool `json:"stale_role,omitempty"`
}

// Summary is returned by undraft.
type Summary struct {
	SessionID  string  `json:"session_id"`
	TaskSlug   string  `json:"task_slug"`
	Turns      int     `json:"turns"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMs int64   `json:"duration_ms"`
}

// Machine manages the at-most-one active session.
type Machine struct {
	Store      *store.Store
	Pool       *pool.Pool
	Supervisor *supervisor.Supervisor

	mu      sync.Mutex
	session *Session
}

// CreateOptions describe a new draft session.
type CreateOptions struct {
	Role      string
	Model     string
	Project   string
	TaskSlug  string
	TaskDir   string
	ChannelID string
}

// TurnOptions carry the per-turn execution details the caller resolves from
// role and config at submit time.
type TurnOptions struct {
	Model        string
	CWD          string
	SystemPrompt string
	ToolEnv      []string
	Thresholds   types.Thresholds
}

// Create opens a new draft session and claims its pool slot. The protocol
// session id is minted here and handed to the child on the first turn.
func (m *Machine) Create(opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.Status == StatusActive {
		return nil, ErrDraftActive
	}

	now := time.Now().UTC()
	s := &Session{
		SessionID:    uuid.NewString(),
		AgentID:      "draft-" + uuid.NewString()[:8],
		Role:         opts.Role,
		Project:      opts.Project,
		TaskSlug:     opts.TaskSlug,
		TaskDir:      opts.TaskDir,
		ChannelID:    opts.ChannelID,
		StartedAt:    now,
		LastActivity: now,
		Status:       StatusActive,
	}

	entry := &pool.Entry{
		ID:        s.AgentID,
		Role:      s.Role,
		TaskSlug:  s.TaskSlug,
		StartedAt: now,
		Abort:     pool.NewAbortHandle(),
	}
	if err := m.Pool.Register(entry); err != nil {
		return nil, fmt.Errorf("register draft agent: %w", err)
	}

	if err := m.persist(s); err != nil {
		m.Pool.Release(s.AgentID)
		return nil, err
	}
	m.session = s
	return m.snapshot(), nil
}

// Resume runs one turn of the active draft. The session stays active after
// stalls and kills so the user can follow up; a crashed turn closes it.
func (m *Machine) Resume(ctx context.Context, prompt string, opts TurnOptions) (*supervisor.Result, error) {
	m.mu.Lock()
	if m.session == nil || m.session.Status != StatusActive {
		m.mu.Unlock()
		return nil, ErrNoDraft
	}
	if m.session.StaleRole {
		m.mu.Unlock()
		return nil, ErrStaleRole
	}
	s := m.session

	entry, err := m.Pool.Get(s.AgentID)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("draft agent missing from pool: %w", err)
	}
	abort := entry.Abort
	if abort.Tripped() {
		// A prior kill left the handle tripped; the next turn needs a live one.
		abort = pool.NewAbortHandle()
		entry.Abort = abort
	}

	supOpts := supervisor.Options{
		AgentID:      s.AgentID,
		Prompt:       prompt,
		Role:         s.Role,
		Model:        opts.Model,
		CWD:          opts.CWD,
		TaskDir:      s.TaskDir,
		TaskSlug:     s.TaskSlug,
		Project:      s.Project,
		ChannelID:    s.ChannelID,
		SystemPrompt: opts.SystemPrompt,
		DispatchID:   s.DispatchID,
		ManagePool:   false,
		Abort:        abort,
		Thresholds:   draftThresholds(opts.Thresholds),
		ToolEnv:      opts.ToolEnv,
	}
	if s.SessionInitialized {
		supOpts.Resume = s.SessionID
	} else {
		supOpts.SessionID = s.SessionID
	}
	firstTurn := s.DispatchID == ""
	m.mu.Unlock()

	// Turns after the first reuse the dispatch, so the supervisor will not
	// journal the prompt itself.
	if !firstTurn {
		err := m.Store.AppendEvent(s.TaskDir, s.DispatchID, store.Event{
			Type:    store.EventUserMessage,
			Payload: map[string]interface{}{"text": store.TruncateText(prompt, store.EventTextLimit)},
		})
		if err != nil {
			log.Printf("[draft] append user message: %v", err)
		}
	}

	res, err := m.Supervisor.Run(ctx, supOpts)
	if err != nil {
		m.closeOnFailure(err.Error())
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s.TurnCount++
	s.LastActivity = time.Now().UTC()
	// The result's cost comes from the reused dispatch envelope, which is
	// already cumulative across turns.
	s.CostUSD = res.CostUSD
	if res.DispatchID != "" {
		s.DispatchID = res.DispatchID
	}
	if res.SessionID != "" {
		s.SessionInitialized = true
	}
	if res.Usage.InputTokens > 0 {
		s.LastInputTokens = res.Usage.InputTokens
	}
	if res.Usage.OutputTokens > 0 {
		s.LastOutputTokens = res.Usage.OutputTokens
	}
	if res.Usage.ContextWindow > 0 {
		s.ContextWindow = res.Usage.ContextWindow
	}
	if res.Usage.MaxOutputTokens > 0 {
		s.MaxOutputTokens = res.Usage.MaxOutputTokens
	}

	if res.Status == store.DispatchCrashed {
		s.Status = StatusClosed
		m.Pool.Release(s.AgentID)
	}

	if err := m.persist(s); err != nil {
		log.Printf("[draft] persist session: %v", err)
	}
	return res, nil
}

// Undraft closes the active session and frees its pool slot.
func (m *Machine) Undraft() (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.Status != StatusActive {
		return nil, ErrNoDraft
	}
	s := m.session
	s.Status = StatusClosed
	s.LastActivity = time.Now().UTC()
	m.Pool.Release(s.AgentID)
	if err := m.persist(s); err != nil {
		log.Printf("[draft] persist closed session: %v", err)
	}

	return &Summary{
		SessionID:  s.SessionID,
		TaskSlug:   s.TaskSlug,
		Turns:      s.TurnCount,
		CostUSD:    s.CostUSD,
		DurationMs: time.Since(s.StartedAt).Milliseconds(),
	}, nil
}

// Status returns a copy of the active session, or nil when none.
func (m *Machine) Status() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.Status != StatusActive {
		return nil
	}
	return m.snapshot()
}

// Recover reloads a persisted active session found under one of taskDirs.
// The pool entry is recreated with a fresh abort handle; when the role has
// disappeared the session is kept but flagged stale so the next turn fails
// with a clear error. A pool at capacity closes the session on disk.
func (m *Machine) Recover(taskDirs []string, roleExists func(name string) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dir := range taskDirs {
		s, err := readSession(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Printf("[draft] skip unreadable draft in %s: %v", dir, err)
			}
			continue
		}
		if s.Status != StatusActive {
			continue
		}

		entry := &pool.Entry{
			ID:        s.AgentID,
			Role:      s.Role,
			TaskSlug:  s.TaskSlug,
			StartedAt: s.StartedAt,
			Abort:     pool.NewAbortHandle(),
		}
		if err := m.Pool.Register(entry); err != nil {
			log.Printf("[draft] cannot re-register draft %s: %v; closing", s.AgentID, err)
			s.Status = StatusClosed
			if werr := m.persist(s); werr != nil {
				log.Printf("[draft] persist closed session: %v", werr)
			}
			continue
		}

		if roleExists != nil && !roleExists(s.Role) {
			s.StaleRole = true
			if werr := m.persist(s); werr != nil {
				log.Printf("[draft] persist stale session: %v", werr)
			}
		}
		m.session = s
		log.Printf("[draft] recovered session %s (role %s, task %s)", s.SessionID, s.Role, s.TaskSlug)
		return nil
	}
	return nil
}

func (m *Machine) closeOnFailure(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.Status != StatusActive {
		return
	}
	s := m.session
	s.Status = StatusClosed
	m.Pool.Release(s.AgentID)
	if err := m.persist(s); err != nil {
		log.Printf("[draft] persist after failure (%s): %v", reason, err)
	}
}

func (m *Machine) snapshot() *Session {
	cp := *m.session
	return &cp
}

// persist writes the draft file atomically, falling back to a direct write
// when the rename is refused.
func (m *Machine) persist(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal draft session: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(s.TaskDir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err == nil {
		if err := os.Rename(tmp, path); err == nil {
			return nil
		}
		os.Remove(tmp)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write draft session: %w", err)
	}
	return nil
}

func readSession(taskDir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(taskDir, FileName))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse draft session: %w", err)
	}
	return &s, nil
}

// draftThresholds disables the loop detectors; the human steering the draft
// is the loop breaker. Stall and stream-close timeouts are kept.
func draftThresholds(t types.Thresholds) types.Thresholds {
	t.LoopWarn = 0
	t.LoopKill = 0
	t.PingPongWarn = 0
	t.PingPongKill = 0
	return t
}
