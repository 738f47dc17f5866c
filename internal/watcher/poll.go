package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Match is one newly evaluated line that contains the magic text.
type Match struct {
	File string
	Line int
}

// Result is everything a single poll observed.
type Result struct {
	// Added lists files that started being tracked this poll.
	Added []string
	// Removed lists files that disappeared from the directory this poll.
	Removed []string
	// Matches lists magic-text hits in file name order, then line order.
	Matches []Match
	// Errors lists the failures of this poll. None of them are fatal.
	Errors []*Error
}

// Err joins Errors into a single error, or returns nil when there are none.
func (r Result) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Poll runs one poll of the directory dir. See PollFS.
func Poll(dir string, filter Filter, marker string, ws *WatchSet) Result {
	return PollFS(os.DirFS(dir), filter, marker, ws)
}

// PollFS runs one poll against the root of fsys: it lists the directory,
// reconciles ws with the listing, then scans every tracked file in name order
// for marker.
//
// If the listing fails the result carries a single DirectoryUnavailable error
// and ws is unchanged. A file that cannot be read produces a FileUnreadable
// error and the remaining files are still scanned. Any other failure aborts
// the poll, rolls ws back to its state on entry, and is reported as
// UnexpectedFailure.
func PollFS(fsys fs.FS, filter Filter, marker string, ws *WatchSet) (res Result) {
	saved := ws.save()
	defer func() {
		if r := recover(); r != nil {
			ws.restore(saved)
			res = Result{Errors: []*Error{{
				Kind:  KindUnexpectedFailure,
				Scope: ScopeDirectory,
				Err:   fmt.Errorf("poll aborted: %v", r),
			}}}
		}
	}()

	listing, err := listNames(fsys)
	if err != nil {
		res.Errors = append(res.Errors, &Error{
			Kind:  KindDirectoryUnavailable,
			Scope: ScopeDirectory,
			Err:   err,
		})
		return res
	}

	res.Added, res.Removed = Reconcile(ws, listing, filter)

	for _, name := range ws.Names() {
		entry, _ := ws.Get(name)
		lines, err := Scan(fsys, entry, marker)
		for _, n := range lines {
			res.Matches = append(res.Matches, Match{File: name, Line: n})
		}
		if err != nil {
			res.Errors = append(res.Errors, &Error{
				Kind:  KindFileUnreadable,
				Scope: ScopeFile,
				Name:  name,
				Err:   err,
			})
		}
	}
	return res
}

// listNames returns the names of the entries at the root of fsys.
func listNames(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}
