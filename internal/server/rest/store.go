package rest

import (
	"context"

	"github.com/dirwatcher/dirwatcher/internal/agent"
	"github.com/dirwatcher/dirwatcher/internal/server/storage"
	"github.com/dirwatcher/dirwatcher/internal/watcher"
)

// Status is the subset of *agent.Agent used by the handlers.
type Status interface {
	// Files returns the watch set as of the most recent poll.
	Files() []watcher.Entry
	// Health returns the current health snapshot.
	Health() agent.HealthStatus
}

// EventLog is the subset of the local journal used by the handlers.
type EventLog interface {
	// Recent returns up to n events, newest first.
	Recent(ctx context.Context, n int) ([]agent.Event, error)
}

// History is the subset of storage.Store used by the handlers. Defining an
// interface allows handlers to be tested without a live PostgreSQL
// connection.
type History interface {
	QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.Event, error)
}
