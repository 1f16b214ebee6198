// Package types holds the wire and configuration types shared across the
// harness: channel messages fanned out to providers, inbound messages from
// front-ends, and the JSON-RPC envelope used by the WebSocket facade.
package types

import "time"

// MessageType classifies a channel message for provider filtering.
type MessageType string

// Channel message types
const (
	MessageLifecycle MessageType = "lifecycle"
	MessageChat      MessageType = "chat"
	MessageQuestion  MessageType = "question"
	MessageResult    MessageType = "result"
	MessageWarning   MessageType = "warning"
	MessageError     MessageType = "error"
	MessageToolUse   MessageType = "tool_use"
	MessageThinking  MessageType = "thinking"
)

// AllMessageTypes returns every defined channel message type.
func AllMessageTypes() []MessageType {
	return []MessageType{
		MessageLifecycle,
		MessageChat,
		MessageQuestion,
		MessageResult,
		MessageWarning,
		MessageError,
		MessageToolUse,
		MessageThinking,
	}
}

// ChannelMessage is one outbound observation fanned out to providers.
type ChannelMessage struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id,omitempty"`
	Project   string      `json:"project,omitempty"`
	TaskSlug  string      `json:"task_slug,omitempty"`
	Role      string      `json:"role,omitempty"`
	AgentID   string      `json:"agent_id,omitempty"`
	Text      string      `json:"text"`
	// Status carries the dispatch's terminal status on result messages.
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChannelStatus is a lightweight working/idle indicator for a channel.
type ChannelStatus string

// Channel status values
const (
	StatusWorking ChannelStatus = "working"
	StatusIdle    ChannelStatus = "idle"
)

// InboundMessage is a task request produced by a front-end channel.
type InboundMessage struct {
	ChannelID string    `json:"channel_id"`
	ThreadKey string    `json:"thread_key,omitempty"`
	Content   string    `json:"content"`
	Project   string    `json:"project,omitempty"`
	Role      string    `json:"role,omitempty"`
	TaskSlug  string    `json:"task_slug,omitempty"`
	CWD       string    `json:"cwd,omitempty"`
	Received  time.Time `json:"received"`
}
