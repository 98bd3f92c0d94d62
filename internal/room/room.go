package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/roomrelay/internal/eventlog"
	"github.com/basket/roomrelay/internal/protocol"
)

// Sentinel errors mapped to JSON-RPC codes at the dispatcher.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrInvalidParams = errors.New("invalid params")

	// ErrRoomEvicted means this instance was dropped from the registry
	// after the caller resolved it. The caller must re-resolve: a fresh
	// instance rehydrated from the store is the only valid writer now.
	ErrRoomEvicted = errors.New("room evicted")
)

// Store is the durable backing for room state. Implementations persist the
// canonical record stream; nothing viewer-relative is ever written.
type Store interface {
	// CreateRoom upserts the room row and reports whether it was new.
	CreateRoom(ctx context.Context, pairID string) (created bool, err error)
	// RoomMeta returns the persisted epoch counter and next seq.
	RoomMeta(ctx context.Context, pairID string) (epoch int, nextSeq int64, err error)
	// AppendRecords durably appends records and advances the room's epoch
	// counter and next seq in one transaction.
	AppendRecords(ctx context.Context, pairID string, epoch int, recs []eventlog.Record) error
	// EpochRecords returns all persisted records of one epoch, seq order.
	EpochRecords(ctx context.Context, pairID string, epoch int) ([]eventlog.Record, error)
	// ClearRecords deletes all records of a room, preserving its identity,
	// epoch counter and seq position.
	ClearRecords(ctx context.Context, pairID string) error
}

// StatePayload is the body of a "state" event record: the post-transition
// pair plus the triggering message projected for the sender's counterpart
// (the party who has to act on it). Sender lets consumers re-project.
type StatePayload struct {
	Initiator protocol.TaskState `json:"initiator"`
	Responder protocol.TaskState `json:"responder"`
	Sender    protocol.Role      `json:"sender,omitempty"`
	Message   *protocol.Message  `json:"message,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

// BackchannelPayload is the body of a "backchannel" event record.
type BackchannelPayload struct {
	Channel string `json:"channel"`
	Action  string `json:"action"`
	Outcome string `json:"outcome,omitempty"`
}

// epochState is the resident state of the current epoch.
type epochState struct {
	tasks    EpochTasks
	messages []protocol.StoredMessage
}

// Room is one bilateral conversation channel. All mutation is linearized
// through mu; the event log fan-out happens outside the hot path locks.
type Room struct {
	pairID string
	store  Store
	log    *eventlog.Log
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	epoch  int // 0 = no epoch yet
	cur    *epochState
	lease  *Lease
}

// Open loads or creates a room. For an existing room only the current
// epoch is rehydrated: its records reseed the ring buffer and rebuild the
// in-memory task states, so a fresh stream behaves as if the process never
// restarted. Older epochs stay reachable through tasks/get only.
func Open(ctx context.Context, pairID string, store Store, logCapacity int, logger *slog.Logger) (*Room, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Room{
		pairID: pairID,
		store:  store,
		log:    eventlog.New(logCapacity),
		logger: logger.With("pair_id", pairID),
	}

	created, err := store.CreateRoom(ctx, pairID)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if created {
		rec := eventlog.Record{PairID: pairID, Type: eventlog.TypePairCreated, Seq: r.log.Reserve(1)}
		if err := store.AppendRecords(ctx, pairID, 0, []eventlog.Record{rec}); err != nil {
			return nil, fmt.Errorf("persist pair-created: %w", err)
		}
		r.log.Publish(rec)
		r.logger.Info("room created")
		return r, nil
	}

	epoch, nextSeq, err := store.RoomMeta(ctx, pairID)
	if err != nil {
		return nil, fmt.Errorf("room meta: %w", err)
	}
	r.epoch = epoch
	if epoch == 0 {
		r.log.Seed(nil, nextSeq)
		return r, nil
	}

	records, err := store.EpochRecords(ctx, pairID, epoch)
	if err != nil {
		return nil, fmt.Errorf("load epoch records: %w", err)
	}
	seed := make([]eventlog.Record, 0, len(records))
	for _, rec := range records {
		switch rec.Type {
		case eventlog.TypeEpochBegin, eventlog.TypeMessage, eventlog.TypeState:
			seed = append(seed, rec)
		}
	}
	r.log.Seed(seed, nextSeq)
	st, err := replayEpoch(records)
	if err != nil {
		return nil, fmt.Errorf("replay epoch %d: %w", epoch, err)
	}
	if len(records) == 0 {
		// A reset wiped this epoch's records. Mark it closed so the next
		// taskId-free send opens a fresh epoch instead of reviving it.
		st.tasks = EpochTasks{Init: protocol.StateCanceled, Resp: protocol.StateCanceled}
	}
	r.cur = st
	r.logger.Info("room rehydrated", "epoch", epoch, "messages", len(st.messages))
	return r, nil
}

// replayEpoch rebuilds epoch state from its persisted record stream.
func replayEpoch(records []eventlog.Record) (*epochState, error) {
	st := &epochState{tasks: NewEpochTasks()}
	for _, rec := range records {
		switch rec.Type {
		case eventlog.TypeMessage:
			var m protocol.StoredMessage
			if err := json.Unmarshal(rec.Payload, &m); err != nil {
				return nil, fmt.Errorf("decode message record seq %d: %w", rec.Seq, err)
			}
			st.messages = append(st.messages, m)
		case eventlog.TypeState:
			var p StatePayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode state record seq %d: %w", rec.Seq, err)
			}
			st.tasks = EpochTasks{Init: p.Initiator, Resp: p.Responder}
		}
	}
	return st, nil
}

// PairID returns the room's identity.
func (r *Room) PairID() string { return r.pairID }

// Close retires an evicted instance. Mutations fail with ErrRoomEvicted
// from then on, so an in-flight holder can never assign a seq the fresh
// instance will also assign, and live subscribers get closed channels
// instead of a silently dead tail. Close waits for any mutation already
// inside the lock to finish first.
func (r *Room) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.log.Close()
}

// Log exposes the room's event log for subscriptions and replay.
func (r *Room) Log() *eventlog.Log { return r.log }

// target is a resolved send destination.
type target struct {
	role     protocol.Role
	epoch    int
	newEpoch bool
}

// resolveTarget applies the addressing rule. Callers hold r.mu.
func (r *Room) resolveTarget(taskID string) (target, error) {
	if taskID == "" {
		switch {
		case r.epoch == 0:
			return target{role: protocol.RoleInitiator, epoch: 1, newEpoch: true}, nil
		case r.cur.tasks.Terminal():
			return target{role: protocol.RoleInitiator, epoch: r.epoch + 1, newEpoch: true}, nil
		default:
			return target{role: protocol.RoleInitiator, epoch: r.epoch}, nil
		}
	}
	role, pair, epoch, err := protocol.ParseTaskID(taskID)
	if err != nil {
		return target{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if pair != r.pairID {
		return target{}, fmt.Errorf("%w: task id %q does not belong to this room", ErrInvalidParams, taskID)
	}
	if epoch < 1 || epoch > r.epoch {
		return target{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return target{role: role, epoch: epoch}, nil
}

// Send applies a message to the room: resolves the target task, runs the
// transition, persists the canonical records, then feeds the event log.
// The returned task snapshot is projected for the sending party; the
// returned seq is that of the send's own state record, so streams can
// separate it from later transitions.
func (r *Room) Send(ctx context.Context, params *protocol.SendParams, leaseID string) (*protocol.Task, int64, error) {
	next, err := protocol.NextStateOf(params.Message.Parts, params.Message.Metadata)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	histLimit := historyLimit(params.Configuration)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, 0, ErrRoomEvicted
	}

	tgt, err := r.resolveTarget(params.Message.TaskID)
	if err != nil {
		return nil, 0, err
	}

	// Historical epochs and terminal tasks are immutable: the send is a
	// no-op that reports the frozen snapshot.
	if !tgt.newEpoch && tgt.epoch != r.epoch {
		st, err := r.loadEpochLocked(ctx, tgt.epoch)
		if err != nil {
			return nil, 0, err
		}
		return r.buildTask(tgt.role, tgt.epoch, st, histLimit), 0, nil
	}
	if !tgt.newEpoch && r.cur.tasks.Of(tgt.role).Terminal() {
		return r.buildTask(tgt.role, tgt.epoch, r.cur, histLimit), 0, nil
	}

	epoch := tgt.epoch
	st := &epochState{tasks: NewEpochTasks()}
	if !tgt.newEpoch {
		st = r.cur
	}

	stored := protocol.StoredMessage{
		MessageID: params.Message.MessageID,
		Sender:    tgt.role,
		Epoch:     epoch,
		Parts:     params.Message.Parts,
		Metadata:  params.Message.Metadata,
	}

	var recs []eventlog.Record
	if tgt.newEpoch {
		recs = append(recs, eventlog.Record{
			PairID: r.pairID, Epoch: epoch, Type: eventlog.TypeEpochBegin,
		})
	}

	messages := append(append([]protocol.StoredMessage(nil), st.messages...), stored)
	recs = append(recs, messageRecord(r.pairID, stored))

	var tasks EpochTasks
	var reason string
	if tgt.role == protocol.RoleResponder && !(r.lease != nil && leaseID == r.lease.ID) {
		// Protocol-flow error: the message is recorded, the epoch fails,
		// and the explanation travels in status rather than the transport.
		tasks = Transition(st.tasks, tgt.role, protocol.StateFailed)
		reason = "responder send without a valid backend lease"
		explain := protocol.StoredMessage{
			MessageID: params.Message.MessageID + "#lease-error",
			Sender:    protocol.RoleResponder,
			Epoch:     epoch,
			Parts: []protocol.Part{{
				Kind: protocol.PartKindText,
				Text: "message rejected: posting as responder requires the current backend lease",
			}},
		}
		messages = append(messages, explain)
		recs = append(recs, messageRecord(r.pairID, explain))
	} else {
		tasks = Transition(st.tasks, tgt.role, next)
	}

	statePayload := StatePayload{
		Initiator: tasks.Init,
		Responder: tasks.Resp,
		Sender:    tgt.role,
		Reason:    reason,
	}
	projected := ProjectMessage(stored, tgt.role.Counterpart(), r.pairID)
	statePayload.Message = &projected
	recs = append(recs, stateRecord(r.pairID, epoch, statePayload))

	first := r.log.Reserve(len(recs))
	for i := range recs {
		recs[i].Seq = first + int64(i)
	}
	if err := r.store.AppendRecords(ctx, r.pairID, epoch, recs); err != nil {
		return nil, 0, fmt.Errorf("persist send: %w", err)
	}

	// Commit to memory only after the durable write.
	r.epoch = epoch
	st.tasks = tasks
	st.messages = messages
	r.cur = st
	for _, rec := range recs {
		r.log.Publish(rec)
	}
	r.logger.Debug("message applied",
		"epoch", epoch, "sender", string(tgt.role),
		"initiator", string(tasks.Init), "responder", string(tasks.Resp))

	return r.buildTask(tgt.role, epoch, st, histLimit), recs[len(recs)-1].Seq, nil
}

// Get returns the task snapshot for the given task id, projected for the
// party the id names. Historical epochs are reconstructed from the store.
func (r *Room) Get(ctx context.Context, taskID string, historyLength *int) (*protocol.Task, error) {
	role, pair, epoch, err := protocol.ParseTaskID(taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if pair != r.pairID {
		return nil, fmt.Errorf("%w: task id %q does not belong to this room", ErrInvalidParams, taskID)
	}
	limit := protocol.HistoryLimit(historyLength, protocol.MaxHistoryLength)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomEvicted
	}
	if epoch < 1 || epoch > r.epoch {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	st, err := r.loadEpochLocked(ctx, epoch)
	if err != nil {
		return nil, err
	}
	return r.buildTask(role, epoch, st, limit), nil
}

// Cancel forces both tasks of the addressed epoch to canceled. It is
// idempotent: cancel on an already-terminal task reports success without
// effect, and terminal states never regress.
func (r *Room) Cancel(ctx context.Context, taskID string) (*protocol.Task, error) {
	role, pair, epoch, err := protocol.ParseTaskID(taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if pair != r.pairID {
		return nil, fmt.Errorf("%w: task id %q does not belong to this room", ErrInvalidParams, taskID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomEvicted
	}
	if epoch < 1 || epoch > r.epoch {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if epoch != r.epoch {
		st, err := r.loadEpochLocked(ctx, epoch)
		if err != nil {
			return nil, err
		}
		return r.buildTask(role, epoch, st, protocol.MaxHistoryLength), nil
	}

	tasks := Cancel(r.cur.tasks)
	if tasks != r.cur.tasks {
		rec := stateRecord(r.pairID, epoch, StatePayload{
			Initiator: tasks.Init, Responder: tasks.Resp, Reason: "cancel",
		})
		rec.Seq = r.log.Reserve(1)
		if err := r.store.AppendRecords(ctx, r.pairID, epoch, []eventlog.Record{rec}); err != nil {
			return nil, fmt.Errorf("persist cancel: %w", err)
		}
		r.cur.tasks = tasks
		r.log.Publish(rec)
		r.logger.Info("epoch canceled", "epoch", epoch)
	}
	return r.buildTask(role, epoch, r.cur, protocol.MaxHistoryLength), nil
}

// Reset performs a hard reset: open tasks are canceled, the live log and
// all persisted records are cleared, and the room identity, epoch counter
// and seq position survive. The next taskId-free send opens a new epoch.
func (r *Room) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRoomEvicted
	}

	if r.cur != nil && !r.cur.tasks.Terminal() {
		r.cur.tasks = Cancel(r.cur.tasks)
	}
	if err := r.store.ClearRecords(ctx, r.pairID); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	r.log.Clear()
	if r.cur != nil {
		r.cur.messages = nil
	}

	rec := eventlog.Record{PairID: r.pairID, Type: eventlog.TypeResetComplete}
	rec.Seq = r.log.Reserve(1)
	if err := r.store.AppendRecords(ctx, r.pairID, r.epoch, []eventlog.Record{rec}); err != nil {
		return fmt.Errorf("persist reset: %w", err)
	}
	r.log.Publish(rec)
	r.logger.Info("room reset", "epoch", r.epoch)
	return nil
}

// AppendBackchannel records a backend/observer connection event. The
// record is persisted so seq positions survive restarts.
func (r *Room) AppendBackchannel(ctx context.Context, channel, action string, outcome LeaseOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	payload, _ := json.Marshal(BackchannelPayload{Channel: channel, Action: action, Outcome: string(outcome)})
	rec := eventlog.Record{PairID: r.pairID, Type: eventlog.TypeBackchannel, Payload: payload}
	rec.Seq = r.log.Reserve(1)
	if err := r.store.AppendRecords(ctx, r.pairID, r.epoch, []eventlog.Record{rec}); err != nil {
		// The channel itself is unaffected, but the record must never
		// reach subscribers: its seq was not durably advanced, and a
		// restart would hand the same seq to a different record.
		r.logger.Warn("persist backchannel record", "error", err)
		return
	}
	r.log.Publish(rec)
}

// CurrentEpoch returns the live epoch number, 0 if none.
func (r *Room) CurrentEpoch() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// TaskState returns the current state of one party's task in the live
// epoch. Reports false when no epoch exists.
func (r *Room) TaskState(role protocol.Role) (protocol.TaskState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return "", false
	}
	return r.cur.tasks.Of(role), true
}

// loadEpochLocked returns the state of an epoch: the resident current
// epoch directly, anything older reconstructed from the store.
func (r *Room) loadEpochLocked(ctx context.Context, epoch int) (*epochState, error) {
	if epoch == r.epoch && r.cur != nil {
		return r.cur, nil
	}
	records, err := r.store.EpochRecords(ctx, r.pairID, epoch)
	if err != nil {
		return nil, fmt.Errorf("load epoch %d: %w", epoch, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: epoch %d", ErrTaskNotFound, epoch)
	}
	return replayEpoch(records)
}

// buildTask assembles the viewer-projected wire snapshot. History is all
// prior same-epoch messages, excluding the status message, clamped to the
// last limit entries.
func (r *Room) buildTask(viewer protocol.Role, epoch int, st *epochState, limit int) *protocol.Task {
	task := &protocol.Task{
		Kind:      protocol.KindTask,
		ID:        protocol.FormatTaskID(viewer, r.pairID, epoch),
		ContextID: protocol.FormatContextID(r.pairID, epoch),
		Status:    protocol.TaskStatus{State: st.tasks.Of(viewer)},
	}
	if n := len(st.messages); n > 0 {
		last := ProjectMessage(st.messages[n-1], viewer, r.pairID)
		task.Status.Message = &last
	}
	task.History = ProjectHistory(st.messages, viewer, r.pairID, limit)
	return task
}

func historyLimit(cfg *protocol.SendConfig) int {
	if cfg == nil {
		return protocol.MaxHistoryLength
	}
	return protocol.HistoryLimit(cfg.HistoryLength, protocol.MaxHistoryLength)
}

func messageRecord(pairID string, m protocol.StoredMessage) eventlog.Record {
	payload, _ := json.Marshal(m)
	return eventlog.Record{PairID: pairID, Epoch: m.Epoch, Type: eventlog.TypeMessage, Payload: payload}
}

func stateRecord(pairID string, epoch int, p StatePayload) eventlog.Record {
	payload, _ := json.Marshal(p)
	return eventlog.Record{PairID: pairID, Epoch: epoch, Type: eventlog.TypeState, Payload: payload}
}
