// Package storage provides the PostgreSQL-backed event history for
// dirwatcher. Journalled events are forwarded here in batches so that several
// hosts can share one queryable history; see Store.
package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/dirwatcher/dirwatcher/internal/agent"
)

// Event maps to one row of the `watch_events` table.
type Event struct {
	EventID    uuid.UUID       `json:"event_id"`
	Host       string          `json:"host"`
	Kind       agent.EventKind `json:"kind"`
	File       string          `json:"file,omitempty"`
	Line       int             `json:"line,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	ReceivedAt time.Time       `json:"received_at"`
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
//
// A zero From or To leaves that side of the timestamp window open. Limit
// defaults to 100 when <= 0. Empty Kind and File match everything.
type EventQuery struct {
	Kind   agent.EventKind
	File   string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
