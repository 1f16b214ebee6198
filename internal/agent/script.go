package agent

import (
	"context"
	"sync"
	"time"
)

// Step is one scripted stream message with an optional delay before it is
// delivered.
type Step struct {
	Delay time.Duration
	Msg   *Message
}

// ScriptRunner replays a fixed message sequence instead of spawning a
// process. It backs the harness tests and the dry-run mode of dispatchctl.
type ScriptRunner struct {
	mu      sync.Mutex
	Steps   []Step
	Final   error // stream error surfaced after the last step
	started []StartOptions
}

// Start replays the script. Delivery stops early when ctx is canceled.
func (r *ScriptRunner) Start(ctx context.Context, opts StartOptions) (*Stream, error) {
	r.mu.Lock()
	r.started = append(r.started, opts)
	steps := append([]Step(nil), r.Steps...)
	final := r.Final
	r.mu.Unlock()

	ch := make(chan *Message, len(steps))
	stream := &Stream{C: ch}
	stream.stop = func() {}

	go func() {
		defer close(ch)
		for _, step := range steps {
			if step.Delay > 0 {
				select {
				case <-time.After(step.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- step.Msg:
			case <-ctx.Done():
				return
			}
		}
		if final != nil {
			stream.setErr(final)
		}
	}()

	return stream, nil
}

// Started returns the options of every Start call, in order.
func (r *ScriptRunner) Started() []StartOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StartOptions(nil), r.started...)
}

// Convenience constructors for scripted messages.

// SysInit builds a session:init system message.
func SysInit(sessionID string) *Message {
	return &Message{Kind: KindSystem, Subtype: SystemInit, SessionID: sessionID}
}

// Text builds an assistant text message.
func Text(text string) *Message {
	return &Message{Kind: KindAssistant, Blocks: []ContentBlock{{Type: "text", Text: text}}}
}

// Thinking builds an assistant thinking message.
func Thinking(text string) *Message {
	return &Message{Kind: KindAssistant, Blocks: []ContentBlock{{Type: "thinking", Thinking: text}}}
}

// ToolUse builds an assistant tool_use message.
func ToolUse(id, name string, input string) *Message {
	return &Message{Kind: KindAssistant, Blocks: []ContentBlock{{
		Type: "tool_use", ID: id, Name: name, Input: []byte(input),
	}}}
}

// ToolResultMsg builds a user tool_result message.
func ToolResultMsg(toolUseID, content string, isError bool) *Message {
	return &Message{Kind: KindUser, ToolResults: []ToolResult{{
		ToolUseID: toolUseID, Content: content, IsError: isError,
	}}}
}

// ResultMsg builds a terminal result message.
func ResultMsg(subtype string, cost float64, turns int, text string) *Message {
	return &Message{Kind: KindResult, Subtype: subtype, Result: &ResultInfo{
		Subtype: subtype, CostUSD: cost, NumTurns: turns, Text: text,
		IsError: subtype != ResultSuccess,
	}}
}
