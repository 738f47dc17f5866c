package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dirwatcher/dirwatcher/internal/agent"
	"github.com/dirwatcher/dirwatcher/internal/server/storage"
)

const (
	defaultEventLimit = 50
	maxLimit          = 1000
)

// Server holds the dependencies needed by the REST handlers. events and
// history are optional; their routes answer 503 when they are nil.
type Server struct {
	status  Status
	events  EventLog
	history History
	logger  *slog.Logger
}

// NewServer creates a Server. Pass a nil EventLog or History (an untyped
// nil, not a nil pointer) when the journal or the PostgreSQL store is not
// configured.
func NewServer(status Status, events EventLog, history History, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{status: status, events: events, history: history, logger: logger}
}

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("rest: failed to encode response", slog.Any("error", err))
	}
}

// handleHealthz responds to GET /healthz with the agent health snapshot.
// It does not require authentication.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.status.Health())
}

// fileView is the JSON form of one watch set entry.
type fileView struct {
	Name   string `json:"name"`
	Offset int    `json:"offset"`
}

// handleGetFiles responds to GET /api/v1/files with the tracked files and
// their line offsets, in name order.
func (s *Server) handleGetFiles(w http.ResponseWriter, r *http.Request) {
	entries := s.status.Files()
	files := make([]fileView, len(entries))
	for i, e := range entries {
		files[i] = fileView{Name: e.Name, Offset: e.Offset}
	}
	s.writeJSON(w, files)
}

// handleGetEvents responds to GET /api/v1/events with the newest journal
// events.
//
//	limit – maximum number of results (default 50, max 1000)
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event journal is not configured")
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, ok := parseLimit(w, v)
		if !ok {
			return
		}
		limit = n
	}

	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("rest: recent events", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if events == nil {
		events = []agent.Event{}
	}
	s.writeJSON(w, events)
}

// handleGetHistory responds to GET /api/v1/history.
//
// Supported query parameters, all optional:
//
//	kind   – one of ADDED, REMOVED, MATCH, ERROR
//	file   – exact file name
//	from   – RFC3339 start of the event time window
//	to     – RFC3339 end of the event time window
//	limit  – maximum number of results (default 100, max 1000)
//	offset – pagination offset (default 0)
//
// Returns HTTP 400 when a parameter is malformed and 503 when no PostgreSQL
// store is configured.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history is not configured")
		return
	}

	q := r.URL.Query()
	var eq storage.EventQuery

	if kind := q.Get("kind"); kind != "" {
		eq.Kind = agent.EventKind(kind)
		if !eq.Kind.Valid() {
			writeError(w, http.StatusBadRequest, "'kind' must be one of ADDED, REMOVED, MATCH, ERROR")
			return
		}
	}
	eq.File = q.Get("file")

	if v := q.Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
		eq.From = from
	}
	if v := q.Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
		eq.To = to
	}
	if !eq.From.IsZero() && !eq.To.IsZero() && !eq.To.After(eq.From) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	if v := q.Get("limit"); v != "" {
		n, ok := parseLimit(w, v)
		if !ok {
			return
		}
		eq.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		eq.Offset = offset
	}

	events, err := s.history.QueryEvents(r.Context(), eq)
	if err != nil {
		s.logger.Error("rest: query history", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if events == nil {
		events = []storage.Event{}
	}
	s.writeJSON(w, events)
}

// parseLimit parses a positive limit capped at maxLimit. It writes a 400 and
// returns false when v is invalid.
func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
