package types

import "encoding/json"

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a structured error code and message.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// RPCNotification is a server-initiated JSON-RPC message with no id.
type RPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Structured error codes for the RPC surface.
const (
	CodeTaskNotFound       = -32000
	CodeAgentNotFound      = -32001
	CodeRoleNotFound       = -32002
	CodeDraftAlreadyActive = -32004
	CodeNoActiveDraft      = -32005
	CodeProjectNotFound    = -32006

	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Server -> client notification methods.
const (
	NotifyChannelMessage   = "channel_message"
	NotifyStatusUpdate     = "status_update"
	NotifyPoolStatus       = "pool_status"
	NotifyDraftStatus      = "draft_status"
	NotifyContextCompacted = "context_compacted"
)
