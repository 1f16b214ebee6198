// Package agent models the child coding agent as an opaque producer of a
// typed message stream. The CLI runner spawns the agent binary in
// stream-json mode and decodes its NDJSON output; tests substitute a
// scripted runner.
package agent

import (
	"encoding/json"
	"fmt"
)

// MessageKind is the top-level discriminator of a stream message.
type MessageKind string

// Message kinds
const (
	KindSystem    MessageKind = "system"
	KindAssistant MessageKind = "assistant"
	KindUser      MessageKind = "user"
	KindResult    MessageKind = "result"
)

// System subtypes
const (
	SystemInit           = "init"
	SystemCompact        = "compact_boundary"
	SystemFilesPersisted = "files_persisted"
	SystemStatus         = "status"
	SystemRateLimit      = "rate_limit"
	SystemHookStarted    = "hook_started"
	SystemHookProgress   = "hook_progress"
	SystemHookResponse   = "hook_response"
)

// Result subtypes
const (
	ResultSuccess        = "success"
	ResultErrorMaxTurns  = "error_max_turns"
	ResultErrorMaxBudget = "error_max_budget_usd"
	ResultErrorDuring    = "error_during_execution"
)

// StructuredOutputTool is the SDK-internal tool the agent invokes to report
// its structured result. It is captured, never forwarded as a tool event.
const StructuredOutputTool = "StructuredOutput"

// ContentBlock is one assistant content block.
type ContentBlock struct {
	Type     string          `json:"type"` // text | thinking | tool_use | tool_result
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`

	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ToolResult is the payload of a user message carrying a tool result.
type ToolResult struct {
	ToolUseID string
	IsError   bool
	Content   string
}

// Usage is the token accounting attached to a terminal result.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ContextWindow   int `json:"context_window,omitempty"`
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

// ResultInfo is the payload of a terminal result message.
type ResultInfo struct {
	Subtype    string
	IsError    bool
	CostUSD    float64
	NumTurns   int
	DurationMs int64
	Usage      Usage
	Text       string
}

// Message is one typed message from the child agent stream.
type Message struct {
	Kind      MessageKind
	Subtype   string
	SessionID string
	Status    string         // system status payload
	Blocks    []ContentBlock // assistant content
	ToolResults []ToolResult // user tool results
	Result    *ResultInfo
	Raw       json.RawMessage
}

// wireEvent is the NDJSON envelope emitted by the agent CLI in stream-json
// mode.
type wireEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Status    string          `json:"status,omitempty"`

	// result fields
	Result     string  `json:"result,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	CostUSD    float64 `json:"total_cost_usd,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Decode parses one NDJSON line into a Message.
func Decode(line []byte) (*Message, error) {
	var ev wireEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}

	msg := &Message{
		Kind:      MessageKind(ev.Type),
		Subtype:   ev.Subtype,
		SessionID: ev.SessionID,
		Status:    ev.Status,
		Raw:       append(json.RawMessage(nil), line...),
	}

	switch msg.Kind {
	case KindSystem:
		return msg, nil

	case KindAssistant:
		var inner wireMessage
		if len(ev.Message) > 0 {
			if err := json.Unmarshal(ev.Message, &inner); err != nil {
				return nil, fmt.Errorf("decode assistant message: %w", err)
			}
		}
		msg.Blocks = inner.Content
		return msg, nil

	case KindUser:
		var inner wireMessage
		if len(ev.Message) > 0 {
			if err := json.Unmarshal(ev.Message, &inner); err != nil {
				return nil, fmt.Errorf("decode user message: %w", err)
			}
		}
		for _, block := range inner.Content {
			if block.Type != "tool_result" {
				continue
			}
			msg.ToolResults = append(msg.ToolResults, ToolResult{
				ToolUseID: block.ToolUseID,
				IsError:   block.IsError,
				Content:   flattenContent(block.Content),
			})
		}
		return msg, nil

	case KindResult:
		info := &ResultInfo{
			Subtype:    ev.Subtype,
			IsError:    ev.IsError,
			CostUSD:    ev.CostUSD,
			NumTurns:   ev.NumTurns,
			DurationMs: ev.DurationMs,
			Text:       ev.Result,
		}
		if ev.Usage != nil {
			info.Usage = *ev.Usage
		}
		msg.Result = info
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown stream message type %q", ev.Type)
	}
}

// flattenContent renders a tool_result content field, which may be a plain
// string or a list of text blocks, as a single string.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
