// Package protocol defines the A2A wire types spoken on the per-room
// JSON-RPC endpoint: messages, parts, tasks, and the dual-task states.
//
// Messages are persisted in a canonical sender-relative form and projected
// into viewer-relative wire form at read time; nothing in this package
// mutates room state.
package protocol

import (
	"fmt"
	"strings"
)

// TaskState is the lifecycle state of one party's task view.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateCompleted     TaskState = "completed"
	StateCanceled      TaskState = "canceled"
	StateFailed        TaskState = "failed"
	StateRejected      TaskState = "rejected"
	StateAuthRequired  TaskState = "auth-required"
)

// Terminal reports whether the state is permanent. Terminal tasks are
// immutable except through a hard room reset.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateCanceled, StateFailed, StateRejected:
		return true
	}
	return false
}

// Valid reports whether s is one of the eight protocol states.
func (s TaskState) Valid() bool {
	switch s {
	case StateSubmitted, StateWorking, StateInputRequired,
		StateCompleted, StateCanceled, StateFailed, StateRejected, StateAuthRequired:
		return true
	}
	return false
}

// Role identifies which party of the pair sent or views a message.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Counterpart returns the other party.
func (r Role) Counterpart() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// Wire message roles. A sender always sees their own messages as "user"
// and the peer's as "agent".
const (
	WireRoleUser  = "user"
	WireRoleAgent = "agent"
)

// FilePart references file content by value or by URI, never both.
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Part is one segment of a message body.
type Part struct {
	Kind     string         `json:"kind"`
	Text     string         `json:"text,omitempty"`
	File     *FilePart      `json:"file,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

const (
	PartKindText = "text"
	PartKindFile = "file"
	PartKindData = "data"
)

// Message is the viewer-projected wire form. TaskID, ContextID and Role are
// computed per viewer at read time and never persisted.
type Message struct {
	Kind      string         `json:"kind"`
	MessageID string         `json:"messageId"`
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	TaskID    string         `json:"taskId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StoredMessage is the canonical persisted form: which party sent it, in
// which epoch, and nothing viewer-relative.
type StoredMessage struct {
	MessageID string         `json:"messageId"`
	Sender    Role           `json:"sender"`
	Epoch     int            `json:"epoch"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatus pairs the task state with the message that produced it.
type TaskStatus struct {
	State   TaskState `json:"state"`
	Message *Message  `json:"message,omitempty"`
}

// Task is the wire form returned by tasks/get and message/send.
type Task struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StatusUpdate is the streaming frame emitted per transition on the
// caller's own task. Final marks the last frame before the stream closes.
type StatusUpdate struct {
	Kind      string     `json:"kind"`
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

const (
	KindTask         = "task"
	KindMessage      = "message"
	KindStatusUpdate = "status-update"
)

// MetadataNextState is the extension metadata key carrying the sender's
// declared next state. A message-level value overrides per-part values.
const MetadataNextState = "nextState"

// TaskID formats and parsing. Each epoch has exactly two task ids:
// init:<pairId>#<epoch> and resp:<pairId>#<epoch>.
const (
	taskPrefixInit = "init:"
	taskPrefixResp = "resp:"
)

// FormatTaskID builds the task id for one party's view of an epoch.
func FormatTaskID(role Role, pairID string, epoch int) string {
	prefix := taskPrefixInit
	if role == RoleResponder {
		prefix = taskPrefixResp
	}
	return fmt.Sprintf("%s%s#%d", prefix, pairID, epoch)
}

// FormatContextID builds the shared context id for an epoch.
func FormatContextID(pairID string, epoch int) string {
	return fmt.Sprintf("%s#%d", pairID, epoch)
}

// ParseTaskID splits a task id into its role, pair id and epoch.
func ParseTaskID(id string) (Role, string, int, error) {
	var role Role
	var rest string
	switch {
	case strings.HasPrefix(id, taskPrefixInit):
		role = RoleInitiator
		rest = id[len(taskPrefixInit):]
	case strings.HasPrefix(id, taskPrefixResp):
		role = RoleResponder
		rest = id[len(taskPrefixResp):]
	default:
		return "", "", 0, fmt.Errorf("task id %q: missing init:/resp: prefix", id)
	}
	hash := strings.LastIndex(rest, "#")
	if hash <= 0 || hash == len(rest)-1 {
		return "", "", 0, fmt.Errorf("task id %q: missing epoch suffix", id)
	}
	var epoch int
	if _, err := fmt.Sscanf(rest[hash+1:], "%d", &epoch); err != nil || epoch < 1 {
		return "", "", 0, fmt.Errorf("task id %q: bad epoch", id)
	}
	return role, rest[:hash], epoch, nil
}

// NextStateOf extracts the declared next state from a message. The
// message-level metadata wins over per-part metadata; absent defaults to
// input-required. An unrecognized value is an error.
func NextStateOf(parts []Part, metadata map[string]any) (TaskState, error) {
	if v, ok := metadata[MetadataNextState]; ok {
		return parseNextState(v)
	}
	for _, p := range parts {
		if v, ok := p.Metadata[MetadataNextState]; ok {
			return parseNextState(v)
		}
	}
	return StateInputRequired, nil
}

func parseNextState(v any) (TaskState, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("nextState must be a string, got %T", v)
	}
	state := TaskState(s)
	if !state.Valid() {
		return "", fmt.Errorf("unknown nextState %q", s)
	}
	return state, nil
}

// ValidateParts checks structural invariants the JSON schema cannot fully
// express across optional fields. A file part must carry exactly one of
// bytes or uri.
func ValidateParts(parts []Part) error {
	if len(parts) == 0 {
		return fmt.Errorf("message has no parts")
	}
	for i, p := range parts {
		switch p.Kind {
		case PartKindText:
			// Empty text is allowed; the turn protocol is what matters.
		case PartKindFile:
			if p.File == nil {
				return fmt.Errorf("part %d: file part without file object", i)
			}
			hasBytes := p.File.Bytes != ""
			hasURI := p.File.URI != ""
			if hasBytes == hasURI {
				return fmt.Errorf("part %d: file part must carry exactly one of bytes or uri", i)
			}
		case PartKindData:
			if p.Data == nil {
				return fmt.Errorf("part %d: data part without data object", i)
			}
		default:
			return fmt.Errorf("part %d: unknown kind %q", i, p.Kind)
		}
	}
	return nil
}
