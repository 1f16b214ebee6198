// Package store persists the task/dispatch hierarchy as a JSON file tree:
// tasks/<slug>/task.json holds the manifest with a projection of each
// dispatch, tasks/<slug>/dispatches/<id>.json holds the full envelope plus
// its append-only event log.
package store

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task statuses
const (
	TaskOpen   TaskStatus = "open"
	TaskClosed TaskStatus = "closed"
)

// DispatchStatus is the lifecycle state of a dispatch.
type DispatchStatus string

// Dispatch statuses
const (
	DispatchRunning   DispatchStatus = "running"
	DispatchCompleted DispatchStatus = "completed"
	DispatchAborted   DispatchStatus = "aborted"
	DispatchCrashed   DispatchStatus = "crashed"
)

// Terminal reports whether the status is a terminal state.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchCompleted || s == DispatchAborted || s == DispatchCrashed
}

// EventType identifies one kind of dispatch observation.
type EventType string

// Event taxonomy captured in dispatch files.
const (
	EventUserMessage      EventType = "user:message"
	EventSessionInit      EventType = "session:init"
	EventSessionComplete  EventType = "session:complete"
	EventSessionCompact   EventType = "session:compaction"
	EventSessionRateLimit EventType = "session:rate_limit"
	EventSessionStatus    EventType = "session:status"
	EventAgentText        EventType = "agent:text"
	EventAgentThinking    EventType = "agent:thinking"
	EventAgentToolCall    EventType = "agent:tool_call"
	EventAgentToolResult  EventType = "agent:tool_result"
	EventLoopWarning      EventType = "harness:loop_warning"
	EventLoopKill         EventType = "harness:loop_kill"
	EventStall            EventType = "harness:stall"
	EventAbort            EventType = "harness:abort"
	EventHarnessError     EventType = "harness:error"
	EventFilesPersisted   EventType = "system:files_persisted"
	EventHookStarted      EventType = "system:hook_started"
	EventHookProgress     EventType = "system:hook_progress"
	EventHookResponse     EventType = "system:hook_response"
)

// Event is one observation captured during a dispatch.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// StructuredResult is the schema a finishing agent reports through the
// structured-output tool.
type StructuredResult struct {
	Status    string   `json:"status"` // success | partial | failed | blocked
	Summary   string   `json:"summary"`
	Changes   []string `json:"changes,omitempty"`
	Issues    []string `json:"issues,omitempty"`
	Questions []string `json:"questions,omitempty"`
	PRURL     string   `json:"pr_url,omitempty"`
}

// ValidResultStatus reports whether s is an allowed structured-result status.
func ValidResultStatus(s string) bool {
	switch s {
	case "success", "partial", "failed", "blocked":
		return true
	}
	return false
}

// Dispatch is the envelope of one execution of one role against one task.
type Dispatch struct {
	ID               string            `json:"id"`
	TaskSlug         string            `json:"task_slug"`
	Role             string            `json:"role"`
	Model            string            `json:"model"`
	CWD              string            `json:"cwd"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          *time.Time        `json:"ended_at,omitempty"`
	Status           DispatchStatus    `json:"status"`
	CostUSD          float64           `json:"cost_usd"`
	ParentDispatchID string            `json:"parent_dispatch_id,omitempty"`
	AbortReason      string            `json:"abort_reason,omitempty"`
	Error            string            `json:"error,omitempty"`
	ResultText       string            `json:"result_text,omitempty"`
	StructuredResult *StructuredResult `json:"structured_result,omitempty"`
}

// DispatchFile is the on-disk form of a dispatch: envelope plus event log.
type DispatchFile struct {
	Dispatch
	Events []Event `json:"events"`
}

// DispatchSummary is the manifest's denormalized projection of a dispatch.
type DispatchSummary struct {
	ID               string         `json:"id"`
	Role             string         `json:"role"`
	Status           DispatchStatus `json:"status"`
	CostUSD          float64        `json:"cost_usd"`
	StartedAt        time.Time      `json:"started_at"`
	ParentDispatchID string         `json:"parent_dispatch_id,omitempty"`
}

// TaskManifest is the per-task index file.
type TaskManifest struct {
	Slug           string            `json:"slug"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Status         TaskStatus        `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	CorrelationKey string            `json:"correlation_key,omitempty"`
	Dispatches     []DispatchSummary `json:"dispatches"`
}

func (d *Dispatch) summary() DispatchSummary {
	return DispatchSummary{
		ID:               d.ID,
		Role:             d.Role,
		Status:           d.Status,
		CostUSD:          d.CostUSD,
		StartedAt:        d.StartedAt,
		ParentDispatchID: d.ParentDispatchID,
	}
}
