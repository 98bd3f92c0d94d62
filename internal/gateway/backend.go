package gateway

import (
	"context"
	"net/http"

	"github.com/basket/roomrelay/internal/room"
)

// channelFrame is the first frame of a server-events connection, telling a
// backend whether it won the lease.
type channelFrame struct {
	Type      string `json:"type"`
	LeaseID   string `json:"leaseId,omitempty"`
	GrantedAt string `json:"grantedAt,omitempty"`
}

// handleServerEvents implements GET /api/rooms/{pairId}/server-events.
// mode=backend contends for the room's single-writer lease: the first
// frame reports backend-granted with the lease id, or backend-denied after
// which the stream closes. Takeover revokes the incumbent. Any other mode
// attaches as a read-only observer. Both directions tail the room's full
// record stream.
func (s *Server) handleServerEvents(w http.ResponseWriter, r *http.Request, pairID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	backend := q.Get("mode") == "backend"

	rm, err := s.room(r, pairID)
	if err != nil {
		s.logger.Error("server-events: open room", "pair_id", pairID, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	// Subscribe before any backchannel record so the connection sees its
	// own subscribe event.
	sub := rm.Log().Subscribe()
	defer rm.Log().Unsubscribe(sub)

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

	channel := "observer"
	if backend {
		channel = "backend"
		lease, outcome := rm.AcquireLease(q.Get("leaseId"), boolParam(q.Get("takeover")))
		rm.AppendBackchannel(r.Context(), channel, "subscribe", outcome)
		if outcome == room.LeaseDenied {
			s.cfg.Metrics.LeaseDenials.Add(r.Context(), 1)
			s.logger.Info("backend channel denied", "pair_id", pairID)
			_ = sse.send(channelFrame{Type: string(room.LeaseDenied)})
			return
		}
		s.logger.Info("backend channel granted", "pair_id", pairID, "lease_id", lease.ID)
		if err := sse.send(channelFrame{
			Type:      string(room.LeaseGranted),
			LeaseID:   lease.ID,
			GrantedAt: lease.GrantedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		}); err != nil {
			return
		}
	} else {
		rm.AppendBackchannel(r.Context(), channel, "subscribe", "")
	}

	// The request context dies with the connection; the unsubscribe record
	// still has to be persisted.
	defer rm.AppendBackchannel(context.Background(), channel, "unsubscribe", "")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := sse.send(rec); err != nil {
				return
			}
			s.cfg.Metrics.EventsStreamed.Add(ctx, 1)
		}
	}
}
