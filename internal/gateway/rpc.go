package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/roomrelay/internal/otel"
	"github.com/basket/roomrelay/internal/protocol"
	"github.com/basket/roomrelay/internal/room"
	"github.com/basket/roomrelay/internal/shared"
)

// handleRPC implements POST /api/rooms/{pairId}/a2a. The streaming methods
// hijack the response into an SSE stream; everything else answers with a
// single JSON-RPC envelope.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, pairID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRPC(w, protocol.NewErrorResponse(nil, protocol.ErrCodeInvalidRequest, "read request body"))
		return
	}
	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, protocol.NewErrorResponse(nil, protocol.ErrCodeParse, "parse error"))
		return
	}
	if req.Method == "" {
		writeRPC(w, protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidRequest, "missing method"))
		return
	}

	ctx := shared.WithPairID(shared.WithTraceID(r.Context(), shared.NewTraceID()), pairID)
	ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "rpc "+req.Method,
		otel.AttrPairID.String(pairID), otel.AttrMethod.String(req.Method))
	defer span.End()
	r = r.WithContext(ctx)
	s.logger.Debug("rpc request", "method", req.Method, "pair_id", pairID, "trace_id", shared.TraceID(ctx))

	start := time.Now()
	defer func() {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrMethod.String(req.Method)))
	}()

	switch req.Method {
	case protocol.MethodMessageSend:
		s.rpcSend(w, r, pairID, &req)
	case protocol.MethodTasksGet:
		s.rpcGet(w, r, pairID, &req)
	case protocol.MethodTasksCancel:
		s.rpcCancel(w, r, pairID, &req)
	case protocol.MethodMessageStream:
		s.streamSend(w, r, pairID, &req)
	case protocol.MethodTasksSubscribe, protocol.MethodTasksResub:
		s.streamResubscribe(w, r, pairID, &req)
	default:
		writeRPC(w, protocol.NewErrorResponse(req.ID, protocol.ErrCodeMethodNotFound,
			"method not found: "+req.Method))
	}
}

func (s *Server) rpcSend(w http.ResponseWriter, r *http.Request, pairID string, req *protocol.Request) {
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
	task, _, err := rm.Send(r.Context(), params, r.Header.Get(LeaseHeader))
	if errors.Is(err, room.ErrRoomEvicted) {
		// The instance was evicted between resolution and the send.
		// Re-resolve: the registry rehydrates a fresh instance whose seq
		// counter continues from the store.
		if rm, err = s.room(r, pairID); err == nil {
			task, _, err = rm.Send(r.Context(), params, r.Header.Get(LeaseHeader))
		}
	}
	if err != nil {
		s.writeRPCError(w, req.ID, err)
		return
	}
	s.cfg.Metrics.MessagesTotal.Add(r.Context(), 1)
	writeRPC(w, protocol.NewResponse(req.ID, task))
}

func (s *Server) rpcGet(w http.ResponseWriter, r *http.Request, pairID string, req *protocol.Request) {
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
	task, err := rm.Get(r.Context(), params.ID, params.HistoryLength)
	if errors.Is(err, room.ErrRoomEvicted) {
		if rm, err = s.room(r, pairID); err == nil {
			task, err = rm.Get(r.Context(), params.ID, params.HistoryLength)
		}
	}
	if err != nil {
		s.writeRPCError(w, req.ID, err)
		return
	}
	writeRPC(w, protocol.NewResponse(req.ID, task))
}

func (s *Server) rpcCancel(w http.ResponseWriter, r *http.Request, pairID string, req *protocol.Request) {
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
	task, err := rm.Cancel(r.Context(), params.ID)
	if errors.Is(err, room.ErrRoomEvicted) {
		if rm, err = s.room(r, pairID); err == nil {
			task, err = rm.Cancel(r.Context(), params.ID)
		}
	}
	if err != nil {
		s.writeRPCError(w, req.ID, err)
		return
	}
	writeRPC(w, protocol.NewResponse(req.ID, task))
}

func decodeGetParams(raw json.RawMessage) (*protocol.GetParams, error) {
	var params protocol.GetParams
	if len(raw) == 0 {
		return nil, errors.New("missing params")
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, errors.New("missing task id")
	}
	return &params, nil
}

// rpcErrorOf maps engine errors onto the wire taxonomy. Anything not a
// recognized sentinel is treated as a storage failure.
func rpcErrorOf(err error) (int, string) {
	switch {
	case errors.Is(err, room.ErrInvalidParams):
		return protocol.ErrCodeInvalidParams, err.Error()
	case errors.Is(err, room.ErrTaskNotFound):
		return protocol.ErrCodeTaskNotFound, err.Error()
	case errors.Is(err, room.ErrRoomEvicted):
		// Only reachable when eviction hit twice in one request; a retry
		// lands on a live instance.
		return protocol.ErrCodeInternal, "room evicted during request, retry"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrCodeInternal, err.Error()
	default:
		return protocol.ErrCodeStorage, "storage failure: " + err.Error()
	}
}

func (s *Server) writeRPCError(w http.ResponseWriter, id json.RawMessage, err error) {
	code, msg := rpcErrorOf(err)
	if code == protocol.ErrCodeStorage || code == protocol.ErrCodeInternal {
		s.logger.Error("rpc failed", "code", code, "error", err)
	}
	writeRPC(w, protocol.NewErrorResponse(id, code, msg))
}

func writeRPC(w http.ResponseWriter, resp protocol.Response) {
	writeJSON(w, http.StatusOK, resp)
}
