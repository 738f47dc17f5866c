// Package queue provides a WAL-mode SQLite-backed event journal for
// dirwatcher. It implements the agent.Journal interface: every reported
// event is persisted on Enqueue and stays pending until the caller calls Ack,
// which gives at-least-once forwarding to a remote sink.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the HTTP API
// can read recent events while the poll loop writes and the forwarder acks.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// stops between Enqueue and Ack, the event is returned again by the next
// Dequeue call after restart. Event IDs are UUIDs so a sink can drop
// duplicates.
//
// # Retention
//
// Prune bounds the table to the newest N events so a long-running watcher
// does not grow the file forever.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/dirwatcher/dirwatcher/internal/agent"
)

// SQLiteQueue is a WAL-mode SQLite-backed implementation of agent.Journal.
// It is safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the depth counter from the rows still pending, so Depth() is
// accurate immediately after a restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. A single connection avoids
	// "database is locked" errors between the poll loop and the forwarder,
	// and keeps an in-memory database shared by every caller.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes, not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM watch_events WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS watch_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT    NOT NULL UNIQUE,
    kind        TEXT    NOT NULL,
    file        TEXT    NOT NULL DEFAULT '',
    line        INTEGER NOT NULL DEFAULT 0,
    detail      TEXT    NOT NULL DEFAULT '',
    ts          TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_watch_events_pending
    ON watch_events (delivered, id);
`

const selectColumns = `id, event_id, kind, file, line, detail, ts`

// Enqueue persists evt with delivered = 0. An event without an ID is given
// a fresh one.
func (q *SQLiteQueue) Enqueue(ctx context.Context, evt agent.Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO watch_events (event_id, kind, file, line, detail, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID.String(),
		string(evt.Kind),
		evt.File,
		evt.Line,
		evt.Detail,
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// Dequeue returns up to n unacknowledged events in insertion order (oldest
// first). It does not mark events as delivered; call Ack with the returned
// IDs to do that. If n <= 0, Dequeue returns nil without querying.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]agent.Pending, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+selectColumns+`
		 FROM   watch_events
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var pending []agent.Pending
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return pending, nil
}

// Recent returns up to n events, newest first, regardless of delivery state.
func (q *SQLiteQueue) Recent(ctx context.Context, n int) ([]agent.Event, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+selectColumns+`
		 FROM   watch_events
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: recent query: %w", err)
	}
	defer rows.Close()

	var events []agent.Event
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: recent scan: %w", err)
		}
		events = append(events, p.Event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: recent rows: %w", err)
	}
	return events, nil
}

func scanPending(rows *sql.Rows) (agent.Pending, error) {
	var (
		p       agent.Pending
		eventID string
		kind    string
		tsStr   string
	)
	if err := rows.Scan(&p.ID, &eventID, &kind, &p.Event.File, &p.Event.Line, &p.Event.Detail, &tsStr); err != nil {
		return p, err
	}
	p.Event.Kind = agent.EventKind(kind)

	// A malformed ID yields uuid.Nil rather than an error so one bad row
	// does not block the journal.
	p.Event.ID, _ = uuid.Parse(eventID)

	var err error
	p.Event.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		p.Event.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
	}
	return p, nil
}

// Ack marks the events identified by ids as delivered. Acknowledged events
// are excluded from subsequent Dequeue results. Ack is idempotent: the depth
// counter only moves for rows that transition from pending to delivered.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE watch_events SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Prune deletes every event older than the newest keep events that has been
// delivered, or every such event when includePending is set, and returns the
// number of rows removed. keep <= 0 is a no-op.
func (q *SQLiteQueue) Prune(ctx context.Context, keep int, includePending bool) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	pending := 0
	if includePending {
		pending = 1
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	// The cutoff is the id of the newest row outside the retained window;
	// NULL when the journal holds keep rows or fewer, which matches nothing.
	const cutoff = `(SELECT id FROM watch_events ORDER BY id DESC LIMIT 1 OFFSET ?)`

	var pendingRemoved int64
	if includePending {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM watch_events WHERE delivered = 0 AND id <= `+cutoff, keep,
		).Scan(&pendingRemoved); err != nil {
			return 0, fmt.Errorf("queue: prune: count pending: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM watch_events WHERE id <= `+cutoff+` AND (delivered = 1 OR ? = 1)`,
		keep, pending,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("queue: prune: commit: %w", err)
	}

	q.depth.Add(-pendingRemoved)
	n, _ := result.RowsAffected()
	return n, nil
}

// Depth returns the number of pending (unacknowledged) events. It reads an
// atomic counter, so it never blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. Callers must not use the
// queue after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

var _ agent.Journal = (*SQLiteQueue)(nil)
