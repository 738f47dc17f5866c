package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dirwatcher/dirwatcher/internal/agent"
)

// DefaultBatchSize is the maximum number of event rows held in memory before
// an automatic flush is triggered.
const DefaultBatchSize = 100

// schema is applied by EnsureSchema. It is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS watch_events (
    event_id    UUID        PRIMARY KEY,
    host        TEXT        NOT NULL,
    kind        TEXT        NOT NULL,
    file        TEXT        NOT NULL DEFAULT '',
    line        INTEGER     NOT NULL DEFAULT 0,
    detail      TEXT        NOT NULL DEFAULT '',
    ts          TIMESTAMPTZ NOT NULL,
    received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_watch_events_ts   ON watch_events (ts DESC);
CREATE INDEX IF NOT EXISTS idx_watch_events_file ON watch_events (file, ts DESC);
`

// Store is the PostgreSQL-backed event history.
//
// Ingestion is batched: BatchInsertEvents accumulates rows in memory and
// flushes them in one pgx.Batch round-trip once batchSize rows are buffered.
// Write implements agent.Sink by buffering a whole slice and flushing it
// before returning, so a nil error means every event is stored.
type Store struct {
	pool      *pgxpool.Pool
	host      string
	mu        sync.Mutex
	batch     []Event
	batchSize int
}

// New opens a pgxpool connection to connStr and pings the database. host is
// recorded on every row written through Write.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
func New(ctx context.Context, connStr, host string, batchSize int) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	return &Store{
		pool:      pool,
		host:      host,
		batch:     make([]Event, 0, batchSize),
		batchSize: batchSize,
	}, nil
}

// EnsureSchema creates the watch_events table and its indexes if they do not
// exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close flushes any buffered events and closes the connection pool.
func (s *Store) Close(ctx context.Context) {
	// Best-effort final flush; errors are not propagated on close.
	_ = s.Flush(ctx)
	s.pool.Close()
}

// BatchInsertEvents enqueues evt for deferred batch insertion.
//
// If the buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertEvents(ctx context.Context, evt Event) error {
	s.mu.Lock()
	s.batch = append(s.batch, evt)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Write stores events and returns once they are committed. It implements
// agent.Sink.
func (s *Store) Write(ctx context.Context, events []agent.Event) error {
	for _, e := range events {
		row := Event{
			EventID:   e.ID,
			Host:      s.host,
			Kind:      e.Kind,
			File:      e.File,
			Line:      e.Line,
			Detail:    e.Detail,
			Timestamp: e.Timestamp,
		}
		if err := s.BatchInsertEvents(ctx, row); err != nil {
			return err
		}
	}
	return s.Flush(ctx)
}

// Flush drains the buffer and sends all rows to PostgreSQL in a single
// pgx.Batch round-trip. Rows that conflict on event_id are ignored, so
// replaying events after a crash is harmless.
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains a
// distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Event, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO watch_events (event_id, host, kind, file, line, detail, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		b.Queue(query, e.EventID, e.Host, string(e.Kind), e.File, e.Line, e.Detail, e.Timestamp)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec event: %w", err)
		}
	}
	return nil
}

// QueryEvents returns events matching q, newest first.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=limit, $2=offset
	args := []any{q.Limit, q.Offset}
	where := "WHERE TRUE"
	add := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}

	if q.Kind != "" {
		add("kind = $%d", string(q.Kind))
	}
	if q.File != "" {
		add("file = $%d", q.File)
	}
	if !q.From.IsZero() {
		add("ts >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("ts < $%d", q.To)
	}

	sql := fmt.Sprintf(`
		SELECT event_id::text, host, kind, file, line, detail, ts, received_at
		FROM   watch_events
		%s
		ORDER  BY ts DESC, event_id
		LIMIT  $1 OFFSET $2`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			eventID string
			kind    string
		)
		if err := rows.Scan(&eventID, &e.Host, &kind, &e.File, &e.Line, &e.Detail, &e.Timestamp, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = agent.EventKind(kind)
		e.EventID, _ = uuid.Parse(eventID)
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ agent.Sink = (*Store)(nil)
