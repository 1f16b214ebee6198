// Package supervisor drives one dispatch: it spawns the child agent, consumes
// its message stream, applies the stall/loop/error policies, captures every
// observation into the dispatch file and produces a terminal result.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/dispatchd/internal/agent"
	"github.com/dispatchd/internal/detect"
	"github.com/dispatchd/internal/pool"
	"github.com/dispatchd/internal/store"
	"github.com/dispatchd/internal/types"
)

// Abort reasons recorded on the envelope.
const (
	ReasonStall        = "stall"
	ReasonErrorLoop    = "error_loop"
	ReasonNonRetryable = "non_retryable_error"
	ReasonUnknown      = "unknown"
)

// textLimit truncates text payloads before storage.
const textLimit = store.EventTextLimit

// targetLimit truncates shell command targets.
const targetLimit = 80

// Sink receives channel messages produced while supervising. Implementations
// must not block; the comms registry satisfies this.
type Sink interface {
	Publish(types.ChannelMessage)
}

// Result is the terminal outcome of a supervised dispatch.
type Result struct {
	DispatchID  string                  `json:"dispatch_id"`
	Status      store.DispatchStatus    `json:"status"`
	AbortReason string                  `json:"abort_reason,omitempty"`
	CostUSD     float64                 `json:"cost_usd"`
	NumTurns    int                     `json:"num_turns"`
	DurationMs  int64                   `json:"duration_ms"`
	SessionID   string                  `json:"session_id,omitempty"`
	Usage       agent.Usage             `json:"usage"`
	Summary     string                  `json:"summary,omitempty"`
	Structured  *store.StructuredResult `json:"structured,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// Options configure one supervised run.
type Options struct {
	AgentID   string
	Prompt    string
	Role      string
	Model     string
	CWD       string
	TaskDir   string
	TaskSlug  string
	Project   string
	ChannelID string

	SystemPrompt     string
	ParentDispatchID string

	// SessionID assigns a fresh protocol session; Resume continues one.
	SessionID string
	Resume    string

	// DispatchID reuses an existing envelope (draft turns). When empty a new
	// dispatch is created.
	DispatchID string

	// ManagePool registers/releases the agent in the pool around the run.
	// Draft sessions hold their slot across turns and pass false.
	ManagePool bool

	Abort      *pool.AbortHandle
	Thresholds types.Thresholds
	ToolEnv    []string
}

// Supervisor runs dispatches. Zero-value fields other than Store and Runner
// are optional.
type Supervisor struct {
	Store  *store.Store
	Runner agent.Runner
	Pool   *pool.Pool
	Sink   Sink

	// OnCompaction fires when the child compacts its context.
	OnCompaction func(dispatchID string)
}

// run-scoped state for one dispatch.
type run struct {
	sup  *Supervisor
	opts Options

	dispatchID string
	sessionID  string

	toolWindow  []detect.ToolCall
	errorWindow []detect.ErrorSig
	pending     map[string]pendingCall

	warned bool
	killed bool

	structuredRaw json.RawMessage
	result        *agent.ResultInfo
	streamErr     error
	finalized     bool
}

type pendingCall struct {
	call    detect.ToolCall
	started time.Time
}

// Run supervises one dispatch to its terminal state. The returned error is
// reserved for setup failures; supervised failures are reported through the
// Result status.
func (s *Supervisor) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Abort == nil {
		opts.Abort = pool.NewAbortHandle()
	}

	r := &run{sup: s, opts: opts, pending: make(map[string]pendingCall)}

	if opts.DispatchID == "" {
		d := &store.Dispatch{
			TaskSlug:         opts.TaskSlug,
			Role:             opts.Role,
			Model:            opts.Model,
			CWD:              opts.CWD,
			StartedAt:        time.Now().UTC(),
			Status:           store.DispatchRunning,
			ParentDispatchID: opts.ParentDispatchID,
		}
		if err := s.Store.CreateDispatch(opts.TaskDir, d); err != nil {
			return nil, fmt.Errorf("create dispatch: %w", err)
		}
		r.dispatchID = d.ID
		r.appendEvent(store.EventUserMessage, map[string]interface{}{
			"text": truncate(opts.Prompt, textLimit),
		})
	} else {
		r.dispatchID = opts.DispatchID
	}

	if opts.ManagePool {
		entry := &pool.Entry{
			ID:        opts.AgentID,
			Role:      opts.Role,
			TaskSlug:  opts.TaskSlug,
			StartedAt: time.Now().UTC(),
			Abort:     opts.Abort,
		}
		if err := s.Pool.Register(entry); err != nil {
			r.finalize(store.DispatchCrashed, "", err.Error())
			return nil, err
		}
	}

	res := r.supervise(ctx)

	if opts.ManagePool {
		s.Pool.Release(opts.AgentID)
	}
	return res, nil
}

// supervise consumes the stream to completion. Its deferred finalizer
// guarantees a terminal envelope and a canceled stall timer even on panic
// paths.
func (r *run) supervise(ctx context.Context) *Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	stall := time.Duration(r.opts.Thresholds.StallTimeoutSeconds) * time.Second
	if stall <= 0 {
		stall = 300 * time.Second
	}
	stallTimer := time.NewTimer(stall)
	defer stallTimer.Stop()

	defer func() {
		if !r.finalized {
			r.finalize(store.DispatchCrashed, "", "dispatch exited without terminal state")
		}
	}()

	stream, err := r.sup.Runner.Start(runCtx, agent.StartOptions{
		Prompt:               r.opts.Prompt,
		SystemPrompt:         r.opts.SystemPrompt,
		Model:                r.opts.Model,
		CWD:                  r.opts.CWD,
		SessionID:            r.opts.SessionID,
		Resume:               r.opts.Resume,
		ExtraEnv:             r.opts.ToolEnv,
		StreamCloseTimeoutMs: r.opts.Thresholds.StreamCloseTimeoutMs,
	})
	if err != nil {
		r.appendEvent(store.EventHarnessError, map[string]interface{}{"error": err.Error()})
		return r.buildResult(r.finalize(store.DispatchCrashed, "", err.Error()), started)
	}

loop:
	for {
		select {
		case msg, ok := <-stream.C:
			if !ok {
				r.streamErr = stream.Err()
				break loop
			}
			if !stallTimer.Stop() {
				<-stallTimer.C
			}
			stallTimer.Reset(stall)
			r.handleMessage(msg)
			if r.opts.Abort.Tripped() {
				cancel()
			}

		case <-stallTimer.C:
			r.appendEvent(store.EventStall, map[string]interface{}{
				"timeout_seconds": int(stall / time.Second),
			})
			r.opts.Abort.Trip(ReasonStall)
			cancel()
			r.drain(stream)
			break loop

		case <-r.opts.Abort.Done():
			r.appendEvent(store.EventAbort, map[string]interface{}{
				"reason": r.opts.Abort.Reason(),
			})
			cancel()
			r.drain(stream)
			break loop
		}
	}

	status, reason, errMsg := r.outcome()
	return r.buildResult(r.finalize(status, reason, errMsg), started)
}

// drain consumes remaining buffered messages after an abort so in-flight
// observations still reach the event log on the way out.
func (r *run) drain(stream *agent.Stream) {
	for {
		select {
		case msg, ok := <-stream.C:
			if !ok {
				r.streamErr = stream.Err()
				return
			}
			r.handleMessage(msg)
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}

// outcome maps the run's observations to a terminal status.
func (r *run) outcome() (store.DispatchStatus, string, string) {
	if r.opts.Abort.Tripped() {
		reason := r.opts.Abort.Reason()
		if reason == "" {
			reason = ReasonUnknown
		}
		return store.DispatchAborted, reason, ""
	}

	if r.result != nil {
		switch r.result.Subtype {
		case agent.ResultSuccess:
			return store.DispatchCompleted, "", ""
		case agent.ResultErrorMaxTurns, agent.ResultErrorMaxBudget:
			return store.DispatchAborted, r.result.Subtype, ""
		default:
			return store.DispatchCrashed, "", fmt.Sprintf("agent result: %s", r.result.Subtype)
		}
	}

	if r.streamErr != nil {
		return store.DispatchCrashed, "", r.streamErr.Error()
	}
	return store.DispatchCrashed, "", "agent stream ended without result"
}

func (r *run) handleMessage(msg *agent.Message) {
	switch msg.Kind {
	case agent.KindSystem:
		r.handleSystem(msg)
	case agent.KindAssistant:
		for _, block := range msg.Blocks {
			r.handleBlock(block)
		}
	case agent.KindUser:
		for _, tr := range msg.ToolResults {
			r.handleToolResult(tr)
		}
	case agent.KindResult:
		r.result = msg.Result
		r.appendEvent(store.EventSessionComplete, map[string]interface{}{
			"subtype":     msg.Result.Subtype,
			"cost_usd":    msg.Result.CostUSD,
			"num_turns":   msg.Result.NumTurns,
			"duration_ms": msg.Result.DurationMs,
		})
	}
}

func (r *run) handleSystem(msg *agent.Message) {
	switch msg.Subtype {
	case agent.SystemInit:
		r.sessionID = msg.SessionID
		r.appendEvent(store.EventSessionInit, map[string]interface{}{
			"session_id": msg.SessionID,
		})
	case agent.SystemCompact:
		r.appendEvent(store.EventSessionCompact, nil)
		if r.sup.OnCompaction != nil {
			r.sup.OnCompaction(r.dispatchID)
		}
	case agent.SystemRateLimit:
		r.appendEvent(store.EventSessionRateLimit, nil)
	case agent.SystemStatus:
		r.appendEvent(store.EventSessionStatus, map[string]interface{}{
			"status": msg.Status,
		})
	case agent.SystemFilesPersisted:
		r.appendEvent(store.EventFilesPersisted, nil)
	case agent.SystemHookStarted:
		r.appendEvent(store.EventHookStarted, nil)
	case agent.SystemHookProgress:
		r.appendEvent(store.EventHookProgress, nil)
	case agent.SystemHookResponse:
		r.appendEvent(store.EventHookResponse, nil)
	}
}

func (r *run) handleBlock(block agent.ContentBlock) {
	switch block.Type {
	case "text":
		r.appendEvent(store.EventAgentText, map[string]interface{}{
			"text": truncate(block.Text, textLimit),
		})
		r.publish(types.MessageChat, block.Text)

	case "thinking":
		r.appendEvent(store.EventAgentThinking, map[string]interface{}{
			"text": truncate(block.Thinking, textLimit),
		})
		r.publish(types.MessageThinking, block.Thinking)

	case "tool_use":
		if block.Name == agent.StructuredOutputTool {
			r.structuredRaw = append(json.RawMessage(nil), block.Input...)
			return
		}
		call := detect.ToolCall{Tool: block.Name, Target: extractTarget(block.Name, block.Input)}
		r.pending[block.ID] = pendingCall{call: call, started: time.Now()}
		r.appendEvent(store.EventAgentToolCall, map[string]interface{}{
			"id":     block.ID,
			"tool":   call.Tool,
			"target": call.Target,
		})
		r.publish(types.MessageToolUse, fmt.Sprintf("%s %s", call.Tool, call.Target))

		r.toolWindow = detect.PushToolCall(r.toolWindow, call)
		r.checkLoops()
	}
}

func (r *run) handleToolResult(tr agent.ToolResult) {
	p, ok := r.pending[tr.ToolUseID]
	if !ok {
		return
	}
	delete(r.pending, tr.ToolUseID)

	r.appendEvent(store.EventAgentToolResult, map[string]interface{}{
		"id":          tr.ToolUseID,
		"tool":        p.call.Tool,
		"target":      p.call.Target,
		"duration_ms": time.Since(p.started).Milliseconds(),
		"error":       tr.IsError,
		"content":     truncate(tr.Content, textLimit),
	})

	if !tr.IsError {
		return
	}
	sig := detect.ErrorSig{ToolCall: p.call, FirstLine: detect.NormalizeErrorLine(tr.Content)}
	r.errorWindow = detect.PushErrorSig(r.errorWindow, sig)
	if dup, hit := detect.CheckNonRetryable(r.errorWindow); hit && !r.killed {
		r.killed = true
		r.appendEvent(store.EventHarnessError, map[string]interface{}{
			"reason": ReasonNonRetryable,
			"tool":   dup.Tool,
			"target": dup.Target,
			"error":  dup.FirstLine,
		})
		r.publish(types.MessageError, fmt.Sprintf("aborting: %s keeps failing on %s (%s)", dup.Tool, dup.Target, dup.FirstLine))
		r.opts.Abort.Trip(ReasonNonRetryable)
	}
}

func (r *run) checkLoops() {
	t := r.opts.Thresholds
	v := detect.CheckLoops(r.toolWindow, t.LoopWarn, t.LoopKill, t.PingPongWarn, t.PingPongKill)

	if v.Warn && !v.Kill && !r.warned {
		r.warned = true
		r.appendEvent(store.EventLoopWarning, map[string]interface{}{
			"pattern": string(v.Pattern),
			"tool":    v.Call.Tool,
			"target":  v.Call.Target,
			"count":   v.Count,
		})
		r.publish(types.MessageWarning, fmt.Sprintf("loop warning: %s %s repeated %d times", v.Call.Tool, v.Call.Target, v.Count))
	}

	if v.Kill && !r.killed {
		r.killed = true
		r.appendEvent(store.EventLoopKill, map[string]interface{}{
			"pattern": string(v.Pattern),
			"tool":    v.Call.Tool,
			"target":  v.Call.Target,
			"count":   v.Count,
		})
		r.publish(types.MessageError, fmt.Sprintf("loop kill: %s %s repeated %d times", v.Call.Tool, v.Call.Target, v.Count))
		r.opts.Abort.Trip(ReasonErrorLoop)
	}
}

// finalize marks the envelope terminal exactly once and returns the final
// envelope values used to build the result.
func (r *run) finalize(status store.DispatchStatus, abortReason, errMsg string) *store.Dispatch {
	if r.finalized {
		return r.envelope()
	}
	r.finalized = true

	structured, resultText := r.captureStructured()

	now := time.Now().UTC()
	err := r.sup.Store.UpdateDispatch(r.opts.TaskDir, r.dispatchID, func(d *store.Dispatch) {
		d.Status = status
		d.EndedAt = &now
		d.AbortReason = abortReason
		if errMsg != "" {
			d.Error = errMsg
		}
		if r.result != nil {
			d.CostUSD += r.result.CostUSD
		}
		if structured != nil {
			d.StructuredResult = structured
		}
		if resultText != "" {
			d.ResultText = resultText
		}
	})
	if err != nil {
		log.Printf("[supervisor] finalize dispatch %s: %v", r.dispatchID, err)
	}
	if errMsg != "" {
		r.appendEvent(store.EventHarnessError, map[string]interface{}{"error": errMsg})
	}
	return r.envelope()
}

func (r *run) envelope() *store.Dispatch {
	f, err := r.sup.Store.GetDispatch(r.opts.TaskDir, r.dispatchID)
	if err != nil || f == nil {
		return &store.Dispatch{ID: r.dispatchID, Status: store.DispatchCrashed}
	}
	return &f.Dispatch
}

// captureStructured validates the structured-output payload. On validation
// failure the raw result text is retained instead.
func (r *run) captureStructured() (*store.StructuredResult, string) {
	fallback := ""
	if r.result != nil {
		fallback = r.result.Text
	}
	if len(r.structuredRaw) == 0 {
		return nil, fallback
	}

	var sr store.StructuredResult
	if err := json.Unmarshal(r.structuredRaw, &sr); err != nil {
		log.Printf("[supervisor] dispatch %s: invalid structured output: %v", r.dispatchID, err)
		return nil, fallback
	}
	if !store.ValidResultStatus(sr.Status) || sr.Summary == "" {
		log.Printf("[supervisor] dispatch %s: structured output failed validation", r.dispatchID)
		return nil, fallback
	}
	return &sr, ""
}

func (r *run) buildResult(d *store.Dispatch, started time.Time) *Result {
	res := &Result{
		DispatchID:  d.ID,
		Status:      d.Status,
		AbortReason: d.AbortReason,
		CostUSD:     d.CostUSD,
		DurationMs:  time.Since(started).Milliseconds(),
		SessionID:   r.sessionID,
		Structured:  d.StructuredResult,
		Error:       d.Error,
	}
	if r.result != nil {
		res.NumTurns = r.result.NumTurns
		res.Usage = r.result.Usage
		if r.result.DurationMs > 0 {
			res.DurationMs = r.result.DurationMs
		}
	}
	switch {
	case d.StructuredResult != nil:
		res.Summary = d.StructuredResult.Summary
	case d.ResultText != "":
		res.Summary = d.ResultText
	}
	return res
}

// appendEvent captures one event, swallowing failures: event capture must
// never kill a dispatch.
func (r *run) appendEvent(eventType store.EventType, payload map[string]interface{}) {
	err := r.sup.Store.AppendEvent(r.opts.TaskDir, r.dispatchID, store.Event{
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		log.Printf("[supervisor] append %s to dispatch %s: %v", eventType, r.dispatchID, err)
	}
}

func (r *run) publish(msgType types.MessageType, text string) {
	if r.sup.Sink == nil {
		return
	}
	r.sup.Sink.Publish(types.ChannelMessage{
		Type:      msgType,
		ChannelID: r.opts.ChannelID,
		Project:   r.opts.Project,
		TaskSlug:  r.opts.TaskSlug,
		Role:      r.opts.Role,
		AgentID:   r.opts.AgentID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func truncate(s string, n int) string {
	return store.TruncateText(s, n)
}
