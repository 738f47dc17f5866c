package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dirwatcher/dirwatcher/internal/agent"
	"github.com/dirwatcher/dirwatcher/internal/server/storage"
	"github.com/dirwatcher/dirwatcher/internal/watcher"
)

// mockStatus is a test double for the Status interface.
type mockStatus struct {
	files  []watcher.Entry
	health agent.HealthStatus
}

func (m *mockStatus) Files() []watcher.Entry     { return m.files }
func (m *mockStatus) Health() agent.HealthStatus { return m.health }

// mockEvents is a test double for the EventLog interface.
type mockEvents struct {
	events   []agent.Event
	err      error
	gotLimit int
}

func (m *mockEvents) Recent(_ context.Context, n int) ([]agent.Event, error) {
	m.gotLimit = n
	return m.events, m.err
}

// mockHistory is a test double for the History interface.
type mockHistory struct {
	events []storage.Event
	err    error
	got    storage.EventQuery
}

func (m *mockHistory) QueryEvents(_ context.Context, q storage.EventQuery) ([]storage.Event, error) {
	m.got = q
	return m.events, m.err
}

// newTestServer returns the router with authentication and rate limiting
// disabled.
func newTestServer(st *mockStatus, ev EventLog, hist History) http.Handler {
	return NewRouter(NewServer(st, ev, hist, nil), RouterConfig{})
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_ReturnsHealth(t *testing.T) {
	st := &mockStatus{health: agent.HealthStatus{Status: "ok", Polls: 12, WatchedFiles: 3}}
	rec := get(newTestServer(st, nil, nil), "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body agent.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body.Status != "ok" || body.Polls != 12 || body.WatchedFiles != 3 {
		t.Errorf("body = %+v", body)
	}
}

// ---- GET /api/v1/files ------------------------------------------------------

func TestHandleGetFiles(t *testing.T) {
	st := &mockStatus{files: []watcher.Entry{{Name: "a.txt", Offset: 4}, {Name: "b.txt"}}}
	rec := get(newTestServer(st, nil, nil), "/api/v1/files")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var files []fileView
	if err := json.NewDecoder(rec.Body).Decode(&files); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(files) != 2 || files[0].Name != "a.txt" || files[0].Offset != 4 {
		t.Errorf("files = %+v", files)
	}
}

func TestHandleGetFiles_EmptyIsArray(t *testing.T) {
	rec := get(newTestServer(&mockStatus{}, nil, nil), "/api/v1/files")
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want []", body)
	}
}

// ---- GET /api/v1/events -----------------------------------------------------

func TestHandleGetEvents(t *testing.T) {
	ev := &mockEvents{events: []agent.Event{{ID: uuid.New(), Kind: agent.EventMatch, File: "a.txt", Line: 3}}}
	rec := get(newTestServer(&mockStatus{}, ev, nil), "/api/v1/events?limit=5")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ev.gotLimit != 5 {
		t.Errorf("limit passed = %d, want 5", ev.gotLimit)
	}
	var events []agent.Event
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Line != 3 {
		t.Errorf("events = %+v", events)
	}
}

func TestHandleGetEvents_Limits(t *testing.T) {
	tests := []struct {
		query     string
		wantCode  int
		wantLimit int
	}{
		{"", http.StatusOK, defaultEventLimit},
		{"?limit=5000", http.StatusOK, maxLimit},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tc := range tests {
		ev := &mockEvents{}
		rec := get(newTestServer(&mockStatus{}, ev, nil), "/api/v1/events"+tc.query)
		if rec.Code != tc.wantCode {
			t.Errorf("%q: code = %d, want %d", tc.query, rec.Code, tc.wantCode)
		}
		if ev.gotLimit != tc.wantLimit {
			t.Errorf("%q: limit = %d, want %d", tc.query, ev.gotLimit, tc.wantLimit)
		}
	}
}

func TestHandleGetEvents_NoJournal_Returns503(t *testing.T) {
	rec := get(newTestServer(&mockStatus{}, nil, nil), "/api/v1/events")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleGetEvents_JournalError_Returns500(t *testing.T) {
	ev := &mockEvents{err: errors.New("disk I/O error")}
	rec := get(newTestServer(&mockStatus{}, ev, nil), "/api/v1/events")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

// ---- GET /api/v1/history ----------------------------------------------------

func TestHandleGetHistory_NoStore_Returns503(t *testing.T) {
	rec := get(newTestServer(&mockStatus{}, nil, nil), "/api/v1/history")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleGetHistory_PassesFilters(t *testing.T) {
	hist := &mockHistory{}
	target := "/api/v1/history?kind=MATCH&file=a.txt&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&limit=20&offset=40"
	rec := get(newTestServer(&mockStatus{}, nil, hist), target)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	want := storage.EventQuery{
		Kind:   agent.EventMatch,
		File:   "a.txt",
		From:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		To:     time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Limit:  20,
		Offset: 40,
	}
	got := hist.got
	if got.Kind != want.Kind || got.File != want.File || !got.From.Equal(want.From) ||
		!got.To.Equal(want.To) || got.Limit != want.Limit || got.Offset != want.Offset {
		t.Errorf("query = %+v, want %+v", got, want)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestHandleGetHistory_BadParams_Return400(t *testing.T) {
	queries := []string{
		"?kind=SEVERE",
		"?from=yesterday",
		"?to=2026-13-01",
		"?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z",
		"?limit=-1",
		"?offset=-5",
		"?offset=x",
	}
	for _, q := range queries {
		hist := &mockHistory{}
		rec := get(newTestServer(&mockStatus{}, nil, hist), "/api/v1/history"+q)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestHandleGetHistory_StoreError_Returns500(t *testing.T) {
	hist := &mockHistory{err: errors.New("connection reset")}
	rec := get(newTestServer(&mockStatus{}, nil, hist), "/api/v1/history")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
