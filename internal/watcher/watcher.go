// Package watcher implements the incremental directory scan at the heart of
// dirwatcher. A poll lists the watched directory, reconciles the result
// against a WatchSet of tracked files, and then scans every tracked file from
// its remembered line offset looking for the configured magic text.
//
// The package holds no global state. The caller owns the WatchSet and passes
// it to every Poll; nothing in here sleeps, spawns goroutines, or observes
// signals.
package watcher

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultExtension is the extension filter used when none is configured.
const DefaultExtension = ".txt"

// Filter decides which directory entries are tracked. A name is tracked when
// it ends with Extension and matches none of the exclude patterns.
type Filter struct {
	// Extension is matched as a case-sensitive suffix. The empty string
	// matches every name.
	Extension string

	exclude []glob.Glob
}

// NewFilter compiles the exclude patterns and returns a Filter. Patterns use
// shell glob syntax and are matched against the base name only.
func NewFilter(extension string, exclude []string) (Filter, error) {
	f := Filter{Extension: extension}
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return Filter{}, fmt.Errorf("watcher: invalid exclude pattern %q: %w", pattern, err)
		}
		f.exclude = append(f.exclude, g)
	}
	return f, nil
}

// Match reports whether name should be tracked.
func (f Filter) Match(name string) bool {
	if !strings.HasSuffix(name, f.Extension) {
		return false
	}
	base := path.Base(name)
	for _, g := range f.exclude {
		if g.Match(base) {
			return false
		}
	}
	return true
}
