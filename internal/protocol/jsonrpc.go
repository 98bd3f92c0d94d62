package protocol

import "encoding/json"

// JSON-RPC 2.0 error codes used on the room endpoint.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Server-reserved application codes. Turn and flow violations are not
	// wire errors; they surface as failed task snapshots.
	ErrCodeStorage      = -32000 // unexpected storage failure
	ErrCodeTaskNotFound = -32001
)

// Methods routed by the dispatcher. tasks/subscribe and tasks/resubscribe
// are aliases; clients retry the other name on method-not-found.
const (
	MethodMessageSend    = "message/send"
	MethodMessageStream  = "message/stream"
	MethodTasksGet       = "tasks/get"
	MethodTasksCancel    = "tasks/cancel"
	MethodTasksSubscribe = "tasks/subscribe"
	MethodTasksResub     = "tasks/resubscribe"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. SSE frames reuse this
// shape with the originating request id.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, code int, msg string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: msg}}
}

// SendParams are the params of message/send and message/stream.
type SendParams struct {
	Message       SendMessage    `json:"message"`
	Configuration *SendConfig    `json:"configuration,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SendMessage is the inbound message shape. Role is accepted but ignored:
// the sending party is determined by the channel, not the payload.
type SendMessage struct {
	Kind      string         `json:"kind,omitempty"`
	MessageID string         `json:"messageId"`
	Role      string         `json:"role,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SendConfig carries per-call knobs. HistoryLength clamps the returned
// history slice to [0, 10000]; out-of-range values clamp rather than error.
type SendConfig struct {
	HistoryLength *int `json:"historyLength,omitempty"`
}

// GetParams are the params of tasks/get, tasks/cancel and the subscribe
// methods.
type GetParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// HistoryLimit clamps a requested history length into [0, max].
func HistoryLimit(requested *int, max int) int {
	if requested == nil {
		return max
	}
	n := *requested
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

// MaxHistoryLength is the hard cap on history slices.
const MaxHistoryLength = 10000
