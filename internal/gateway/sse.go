package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/basket/roomrelay/internal/eventlog"
	"github.com/basket/roomrelay/internal/protocol"
	"github.com/basket/roomrelay/internal/room"
)

// sseWriter frames JSON values as SSE data events and flushes each one.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, f: f}, true
}

func (s *sseWriter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// streamSend implements message/stream: apply the send, answer with the
// task snapshot as the first frame, then one status-update frame per
// transition of the caller's own task until it reaches input-required or a
// terminal state.
func (s *Server) streamSend(w http.ResponseWriter, r *http.Request, pairID string, req *protocol.Request) {
	params, err := protocol.DecodeSendParams(req.Params)
	if err != nil {
		writeRPC(w, protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, err.Error()))
		return
	}
	rm, err := s.room(r, pairID)
	if err != nil {
		s.writeRPCError(w, req.ID, err)
		return
	}

	// Subscribe before the send so no transition between the send and the
	// tail can be missed.
	sub := rm.Log().Subscribe()

	task, stateSeq, err := rm.Send(r.Context(), params, r.Header.Get(LeaseHeader))
	if errors.Is(err, room.ErrRoomEvicted) {
		// Evicted between resolution and the send: move subscription and
		// send over to the rehydrated instance.
		rm.Log().Unsubscribe(sub)
		if rm, err = s.room(r, pairID); err != nil {
			s.writeRPCError(w, req.ID, err)
			return
		}
		sub = rm.Log().Subscribe()
		task, stateSeq, err = rm.Send(r.Context(), params, r.Header.Get(LeaseHeader))
	}
	defer rm.Log().Unsubscribe(sub)
	if err != nil {
		s.writeRPCError(w, req.ID, err)
		return
	}
	s.cfg.Metrics.MessagesTotal.Add(r.Context(), 1)

	viewer, _, epoch, err := protocol.ParseTaskID(task.ID)
	if err != nil {
		s.writeRPCError(w, req.ID, err)
		return
	}

	sse, ok := startSSE(w)
	if !ok {
		return
	}
	s.openStreams.Add(1)
	s.cfg.Metrics.StreamsActive.Add(r.Context(), 1)
	defer func() {
		s.openStreams.Add(-1)
		s.cfg.Metrics.StreamsActive.Add(context.Background(), -1)
	}()

	if err := sse.send(protocol.NewResponse(req.ID, task)); err != nil {
		return
	}
	if closing := streamClosingState(task.Status.State); closing {
		_ = sse.send(protocol.NewResponse(req.ID, statusUpdate(viewer, pairID, epoch, task.Status, true)))
		return
	}
	s.streamTransitions(r.Context(), sse, req.ID, rm, sub, viewer, epoch, stateSeq)
}

// streamResubscribe implements tasks/subscribe and tasks/resubscribe:
// attach to an existing task, deliver an immediate status frame, then
// follow transitions. A task already at input-required or terminal gets
// exactly one final frame.
func (s *Server) streamResubscribe(w http.ResponseWriter, r *http.Request, pairID string, req *protocol.Request) {
	params, err := decodeGetParams(req.Params)
	if err != nil {
		writeRPC(w, protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, err.Error()))
		return
	}
	rm, err := s.room(r, pairID)
	if err != nil {
		s.writeRPCError(w, req.ID, err)
		return
	}

	viewer, pair, epoch, err := protocol.ParseTaskID(params.ID)
	if err != nil || pair != pairID {
		writeRPC(w, protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams,
			fmt.Sprintf("task id %q does not belong to this room", params.ID)))
		return
	}

	sub := rm.Log().Subscribe()

	task, err := rm.Get(r.Context(), params.ID, params.HistoryLength)
	if errors.Is(err, room.ErrRoomEvicted) {
		rm.Log().Unsubscribe(sub)
		if rm, err = s.room(r, pairID); err != nil {
			s.writeRPCError(w, req.ID, err)
			return
		}
		sub = rm.Log().Subscribe()
		task, err = rm.Get(r.Context(), params.ID, params.HistoryLength)
	}
	defer rm.Log().Unsubscribe(sub)
	if err != nil {
		s.writeRPCError(w, req.ID, err)
		return
	}

	sse, ok := startSSE(w)
	if !ok {
		return
	}
	s.openStreams.Add(1)
	s.cfg.Metrics.StreamsActive.Add(r.Context(), 1)
	defer func() {
		s.openStreams.Add(-1)
		s.cfg.Metrics.StreamsActive.Add(context.Background(), -1)
	}()

	closing := streamClosingState(task.Status.State)
	if err := sse.send(protocol.NewResponse(req.ID, statusUpdate(viewer, pairID, epoch, task.Status, closing))); err != nil {
		return
	}
	if closing {
		return
	}
	s.streamTransitions(r.Context(), sse, req.ID, rm, sub, viewer, epoch, 0)
}

// streamTransitions tails state records of one epoch and emits a
// status-update frame per transition of the viewer's own task. Records of
// other epochs never leak into the stream.
func (s *Server) streamTransitions(ctx context.Context, sse *sseWriter, id json.RawMessage,
	rm *room.Room, sub *eventlog.Subscription, viewer protocol.Role, epoch int, afterSeq int64) {

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub.Ch():
			if !ok {
				return
			}
			if rec.Type != eventlog.TypeState || rec.Epoch != epoch || rec.Seq <= afterSeq {
				continue
			}
			var p room.StatePayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				s.logger.Error("decode state record", "seq", rec.Seq, "error", err)
				continue
			}
			own := p.Initiator
			if viewer == protocol.RoleResponder {
				own = p.Responder
			}
			status := protocol.TaskStatus{State: own, Message: reprojectState(&p, viewer, rm.PairID(), epoch)}
			final := streamClosingState(own)
			if err := sse.send(protocol.NewResponse(id, statusUpdate(viewer, rm.PairID(), epoch, status, final))); err != nil {
				return
			}
			s.cfg.Metrics.EventsStreamed.Add(ctx, 1)
			if final {
				return
			}
		}
	}
}

// streamClosingState reports whether a state ends an SSE task stream: the
// viewer's turn (input-required) or any terminal state.
func streamClosingState(s protocol.TaskState) bool {
	return s == protocol.StateInputRequired || s.Terminal()
}

func statusUpdate(viewer protocol.Role, pairID string, epoch int, status protocol.TaskStatus, final bool) protocol.StatusUpdate {
	return protocol.StatusUpdate{
		Kind:      protocol.KindStatusUpdate,
		TaskID:    protocol.FormatTaskID(viewer, pairID, epoch),
		ContextID: protocol.FormatContextID(pairID, epoch),
		Status:    status,
		Final:     final,
	}
}

// reprojectState rebuilds the state record's message for an arbitrary
// viewer. The persisted projection targets the sender's counterpart; any
// other viewer needs the role and ids recomputed.
func reprojectState(p *room.StatePayload, viewer protocol.Role, pairID string, epoch int) *protocol.Message {
	if p.Message == nil {
		return nil
	}
	m := *p.Message
	m.Role = protocol.WireRoleAgent
	if p.Sender == viewer {
		m.Role = protocol.WireRoleUser
	}
	m.TaskID = protocol.FormatTaskID(viewer, pairID, epoch)
	m.ContextID = protocol.FormatContextID(pairID, epoch)
	return &m
}
