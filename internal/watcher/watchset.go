package watcher

import (
	"sort"
)

// Entry is the scan state of one tracked file.
type Entry struct {
	// Name is the file name relative to the watched directory.
	Name string
	// Offset is the number of lines already evaluated for the magic text.
	// Scanning resumes at line Offset+1. It never decreases.
	Offset int
}

// WatchSet maps file names to their scan state. The zero value is not
// usable; create one with NewWatchSet. A WatchSet is not safe for concurrent
// use: it belongs to the goroutine that runs the polls.
type WatchSet struct {
	entries map[string]*Entry
}

// NewWatchSet returns an empty WatchSet.
func NewWatchSet() *WatchSet {
	return &WatchSet{entries: make(map[string]*Entry)}
}

// Len returns the number of tracked files.
func (ws *WatchSet) Len() int {
	return len(ws.entries)
}

// Get returns the entry for name, if tracked.
func (ws *WatchSet) Get(name string) (*Entry, bool) {
	e, ok := ws.entries[name]
	return e, ok
}

// Names returns the tracked file names in lexical order.
func (ws *WatchSet) Names() []string {
	names := make([]string, 0, len(ws.entries))
	for name := range ws.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of every entry in name order. Mutating the result
// does not affect the WatchSet.
func (ws *WatchSet) Snapshot() []Entry {
	out := make([]Entry, 0, len(ws.entries))
	for _, name := range ws.Names() {
		out = append(out, *ws.entries[name])
	}
	return out
}

// save captures the current state so an aborted poll can roll back to it.
func (ws *WatchSet) save() map[string]Entry {
	saved := make(map[string]Entry, len(ws.entries))
	for name, e := range ws.entries {
		saved[name] = *e
	}
	return saved
}

// restore replaces the contents of ws with a state captured by save.
func (ws *WatchSet) restore(saved map[string]Entry) {
	ws.entries = make(map[string]*Entry, len(saved))
	for name, e := range saved {
		e := e
		ws.entries[name] = &e
	}
}

// Reconcile brings ws in line with a fresh directory listing. Names that
// match filter and are not yet tracked are added with offset 0; tracked names
// that no longer appear in the listing are dropped together with their
// offsets. Afterwards the tracked names are exactly the listed names that
// match filter. Both returned slices are sorted.
func Reconcile(ws *WatchSet, listing []string, filter Filter) (added, removed []string) {
	present := make(map[string]struct{}, len(listing))
	for _, name := range listing {
		if !filter.Match(name) {
			continue
		}
		present[name] = struct{}{}
		if _, ok := ws.entries[name]; ok {
			continue
		}
		ws.entries[name] = &Entry{Name: name}
		added = append(added, name)
	}

	for name := range ws.entries {
		if _, ok := present[name]; !ok {
			delete(ws.entries, name)
			removed = append(removed, name)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}
