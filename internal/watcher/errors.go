package watcher

import (
	"fmt"
)

// ErrorKind classifies a poll failure.
type ErrorKind string

const (
	// KindDirectoryUnavailable means the directory listing could not be
	// obtained. The WatchSet was left untouched.
	KindDirectoryUnavailable ErrorKind = "DIRECTORY_UNAVAILABLE"
	// KindFileUnreadable means one tracked file could not be opened or read.
	// Only that file was skipped; its entry stays tracked.
	KindFileUnreadable ErrorKind = "FILE_UNREADABLE"
	// KindUnexpectedFailure means the poll was aborted. The WatchSet was
	// rolled back to its state at the start of the poll.
	KindUnexpectedFailure ErrorKind = "UNEXPECTED_FAILURE"
)

// Scope says what a poll error refers to.
type Scope string

const (
	ScopeDirectory Scope = "directory"
	ScopeFile      Scope = "file"
)

// Sentinels for use with errors.Is. They match any *Error of the same kind.
var (
	ErrDirectoryUnavailable = &Error{Kind: KindDirectoryUnavailable}
	ErrFileUnreadable       = &Error{Kind: KindFileUnreadable}
	ErrUnexpectedFailure    = &Error{Kind: KindUnexpectedFailure}
)

// Error is a single failure reported by a poll.
type Error struct {
	Kind  ErrorKind
	Scope Scope
	// Name is the file name for ScopeFile errors and empty otherwise.
	Name string
	// Err is the underlying cause, usually an *fs.PathError.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var what string
	switch e.Kind {
	case KindDirectoryUnavailable:
		what = "directory unavailable"
	case KindFileUnreadable:
		what = fmt.Sprintf("file %q unreadable", e.Name)
	default:
		what = "unexpected failure"
	}
	if e.Err != nil {
		return fmt.Sprintf("watcher: %s: %v", what, e.Err)
	}
	return "watcher: " + what
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}
