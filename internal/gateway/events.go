package gateway

import (
	"context"
	"net/http"
	"strconv"
)

// handleEventsLog implements GET /api/rooms/{pairId}/events.log: an SSE
// replay of the room's buffered records with seq > since, then a live tail
// unless backlogOnly is set.
func (s *Server) handleEventsLog(w http.ResponseWriter, r *http.Request, pairID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	since, err := parseSince(q.Get("since"))
	if err != nil {
		http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
		return
	}
	backlogOnly := boolParam(q.Get("backlogOnly"))

	rm, err := s.room(r, pairID)
	if err != nil {
		s.logger.Error("events.log: open room", "pair_id", pairID, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	log := rm.Log()

	// Subscribe before reading the backlog so nothing lands in the gap.
	sub := log.Subscribe()
	defer log.Unsubscribe(sub)

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

	last := since
	for _, rec := range log.Since(since) {
		if err := sse.send(rec); err != nil {
			return
		}
		s.cfg.Metrics.EventsStreamed.Add(r.Context(), 1)
		last = rec.Seq
	}
	if backlogOnly {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub.Ch():
			if !ok {
				return
			}
			if rec.Seq <= last {
				continue
			}
			if err := sse.send(rec); err != nil {
				return
			}
			s.cfg.Metrics.EventsStreamed.Add(ctx, 1)
			last = rec.Seq
		}
	}
}

func parseSince(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func boolParam(raw string) bool {
	return raw == "1" || raw == "true"
}
