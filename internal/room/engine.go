// Package room implements the Room protocol engine: epoch lifecycle, the
// dual-task state machine, per-viewer message projection, and the backend
// lease. All mutation of a room is linearized through its mutex; the
// transition and projection functions themselves are pure.
package room

import (
	"github.com/basket/roomrelay/internal/protocol"
)

// EpochTasks is the canonical per-epoch state record: both parties' task
// states, always written together by Transition. Nothing else mutates them.
type EpochTasks struct {
	Init protocol.TaskState `json:"initiator"`
	Resp protocol.TaskState `json:"responder"`
}

// NewEpochTasks returns the initial state of a fresh epoch.
func NewEpochTasks() EpochTasks {
	return EpochTasks{Init: protocol.StateSubmitted, Resp: protocol.StateSubmitted}
}

// Of returns the state of the given party's task.
func (t EpochTasks) Of(role protocol.Role) protocol.TaskState {
	if role == protocol.RoleInitiator {
		return t.Init
	}
	return t.Resp
}

// Terminal reports whether both tasks have reached a terminal state, which
// closes the epoch.
func (t EpochTasks) Terminal() bool {
	return t.Init.Terminal() && t.Resp.Terminal()
}

func (t *EpochTasks) set(role protocol.Role, state protocol.TaskState) {
	if role == protocol.RoleInitiator {
		t.Init = state
	} else {
		t.Resp = state
	}
}

// Transition applies a message's declared nextState to the owner's task and
// derives the counterpart's state:
//
//   - working on the owner puts the counterpart into input-required, and
//     input-required puts the counterpart into working (the turn flip);
//   - a terminal nextState mirrors onto the counterpart so both tasks end
//     in the same terminal state;
//   - auth-required mirrors directly;
//   - terminal tasks are sticky: a terminal owner ignores the transition
//     entirely, a terminal counterpart keeps its state.
func Transition(cur EpochTasks, owner protocol.Role, next protocol.TaskState) EpochTasks {
	if cur.Of(owner).Terminal() {
		return cur
	}
	out := cur
	out.set(owner, next)

	counterpart := owner.Counterpart()
	if cur.Of(counterpart).Terminal() {
		return out
	}
	switch {
	case next.Terminal():
		out.set(counterpart, next)
	case next == protocol.StateWorking:
		out.set(counterpart, protocol.StateInputRequired)
	case next == protocol.StateInputRequired:
		out.set(counterpart, protocol.StateWorking)
	case next == protocol.StateAuthRequired:
		out.set(counterpart, protocol.StateAuthRequired)
	}
	// submitted leaves the counterpart untouched.
	return out
}

// Cancel forces both tasks to canceled, honoring terminal stickiness on
// each side independently. Repeated cancels are no-ops.
func Cancel(cur EpochTasks) EpochTasks {
	out := cur
	if !out.Init.Terminal() {
		out.Init = protocol.StateCanceled
	}
	if !out.Resp.Terminal() {
		out.Resp = protocol.StateCanceled
	}
	return out
}

// ProjectMessage materializes the viewer-relative wire form of a stored
// message: the viewer's own messages read as "user", the peer's as "agent",
// and taskId/contextId are always the viewer's own.
func ProjectMessage(m protocol.StoredMessage, viewer protocol.Role, pairID string) protocol.Message {
	role := protocol.WireRoleAgent
	if m.Sender == viewer {
		role = protocol.WireRoleUser
	}
	return protocol.Message{
		Kind:      protocol.KindMessage,
		MessageID: m.MessageID,
		Role:      role,
		Parts:     m.Parts,
		TaskID:    protocol.FormatTaskID(viewer, pairID, m.Epoch),
		ContextID: protocol.FormatContextID(pairID, m.Epoch),
		Metadata:  m.Metadata,
	}
}

// ProjectHistory projects all messages of an epoch for the viewer,
// excluding the trailing status message, clamped to the last limit entries.
func ProjectHistory(messages []protocol.StoredMessage, viewer protocol.Role, pairID string, limit int) []protocol.Message {
	if len(messages) <= 1 {
		return nil
	}
	prior := messages[:len(messages)-1]
	if limit <= 0 {
		return nil
	}
	if len(prior) > limit {
		prior = prior[len(prior)-limit:]
	}
	out := make([]protocol.Message, 0, len(prior))
	for _, m := range prior {
		out = append(out, ProjectMessage(m, viewer, pairID))
	}
	return out
}
