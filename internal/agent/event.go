package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/dirwatcher/dirwatcher/internal/watcher"
)

// EventKind classifies a reported Event.
type EventKind string

const (
	EventAdded   EventKind = "ADDED"
	EventRemoved EventKind = "REMOVED"
	EventMatch   EventKind = "MATCH"
	EventError   EventKind = "ERROR"
)

// Valid reports whether k is one of the defined kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventAdded, EventRemoved, EventMatch, EventError:
		return true
	}
	return false
}

// Event is one reportable outcome of a poll: a file entering or leaving the
// watch set, a newly matched line, or a poll error.
type Event struct {
	ID   uuid.UUID `json:"id"`
	Kind EventKind `json:"kind"`
	// File is the file name relative to the watched directory. Empty for
	// directory-scope errors.
	File string `json:"file,omitempty"`
	// Line is the 1-based line number for EventMatch, zero otherwise.
	Line int `json:"line,omitempty"`
	// Detail carries the error kind and message for EventError.
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventsFromResult converts a poll result into events stamped with ts, in
// reporting order: additions, removals, matches, then errors.
func EventsFromResult(res watcher.Result, ts time.Time) []Event {
	n := len(res.Added) + len(res.Removed) + len(res.Matches) + len(res.Errors)
	if n == 0 {
		return nil
	}
	events := make([]Event, 0, n)
	for _, name := range res.Added {
		events = append(events, Event{ID: uuid.New(), Kind: EventAdded, File: name, Timestamp: ts})
	}
	for _, name := range res.Removed {
		events = append(events, Event{ID: uuid.New(), Kind: EventRemoved, File: name, Timestamp: ts})
	}
	for _, m := range res.Matches {
		events = append(events, Event{ID: uuid.New(), Kind: EventMatch, File: m.File, Line: m.Line, Timestamp: ts})
	}
	for _, e := range res.Errors {
		events = append(events, Event{
			ID:        uuid.New(),
			Kind:      EventError,
			File:      e.Name,
			Detail:    string(e.Kind) + ": " + e.Error(),
			Timestamp: ts,
		})
	}
	return events
}
