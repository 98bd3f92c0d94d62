// Package gateway serves the per-room HTTP surface: the JSON-RPC A2A
// endpoint, the SSE streaming methods, the low-level event log, the
// backend server-events channel, hard reset, and the agent card.
//
// Every route lives under /api/rooms/{pairId}/; referencing a room lazily
// creates it, except the agent card which never touches room state.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/roomrelay/internal/otel"
	"github.com/basket/roomrelay/internal/registry"
	"github.com/basket/roomrelay/internal/room"
	"github.com/basket/roomrelay/internal/store"
)

// LeaseHeader carries the backend lease id on responder-side sends.
const LeaseHeader = "X-Relay-Lease"

const maxBodyBytes = 4 << 20

type Config struct {
	Registry *registry.Registry
	Store    *store.Store
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics

	// CardName is the display name on the per-room agent card.
	CardName string
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	openStreams atomic.Int64
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "gateway")}
}

// Handler returns the HTTP handler for the whole room surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metricsz", s.handleMetricsz)
	mux.HandleFunc("/api/rooms/", s.handleRoom)
	return mux
}

// handleRoom routes /api/rooms/{pairId}/{action}.
func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	pairID, action, ok := splitRoomPath(strings.TrimPrefix(r.URL.Path, "/api/rooms/"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "a2a":
		s.handleRPC(w, r, pairID)
	case "agent-card.json":
		s.handleCard(w, r, pairID)
	case "events.log":
		s.handleEventsLog(w, r, pairID)
	case "server-events":
		s.handleServerEvents(w, r, pairID)
	case "reset":
		s.handleReset(w, r, pairID)
	default:
		http.NotFound(w, r)
	}
}

// splitRoomPath splits "{pairId}/{action}" and folds the well-known agent
// card alias onto the plain card action.
func splitRoomPath(path string) (pairID, action string, ok bool) {
	const wellKnown = "/.well-known/agent-card.json"
	if strings.HasSuffix(path, wellKnown) {
		pairID = strings.TrimSuffix(path, wellKnown)
		if pairID == "" || strings.Contains(pairID, "/") {
			return "", "", false
		}
		return pairID, "agent-card.json", true
	}
	slash := strings.Index(path, "/")
	if slash <= 0 || slash == len(path)-1 {
		return "", "", false
	}
	pairID, action = path[:slash], path[slash+1:]
	if strings.Contains(action, "/") {
		return "", "", false
	}
	return pairID, action, true
}

// room resolves (and lazily creates) the room, counting as an LRU touch.
func (s *Server) room(r *http.Request, pairID string) (*room.Room, error) {
	return s.cfg.Registry.Get(r.Context(), pairID)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetricsz exposes an operational snapshot as plain JSON. The OTel
// pipeline carries the real instruments; this endpoint is for curl.
func (s *Server) handleMetricsz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rooms, records, err := s.cfg.Store.Counts(r.Context())
	if err != nil {
		s.logger.Error("metrics snapshot", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":          rooms,
		"records":        records,
		"resident_rooms": s.cfg.Registry.Resident(),
		"leased_rooms":   s.cfg.Registry.Leased(),
		"open_streams":   s.openStreams.Load(),
	})
}

// handleReset implements POST /api/rooms/{pairId}/reset with body
// {"type":"hard"}: cancel open tasks, wipe all records, keep identity,
// epoch counter and seq position.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, pairID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body.Type != "hard" {
		http.Error(w, `reset body must be {"type":"hard"}`, http.StatusBadRequest)
		return
	}
	rm, err := s.room(r, pairID)
	if err != nil {
		s.logger.Error("reset: open room", "pair_id", pairID, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	err = rm.Reset(r.Context())
	if errors.Is(err, room.ErrRoomEvicted) {
		if rm, err = s.room(r, pairID); err == nil {
			err = rm.Reset(r.Context())
		}
	}
	if err != nil {
		s.logger.Error("reset", "pair_id", pairID, "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "pairId": pairID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
