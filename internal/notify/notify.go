// Package notify turns filesystem notifications on the watched directory into
// a coalesced wake-up signal for the poll loop. Notifications only shorten
// the wait between polls; polling stays the source of truth, so a dropped or
// missed notification is harmless.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Notifier watches one directory, non-recursively.
type Notifier struct {
	fsw     *fsnotify.Watcher
	limiter *rate.Limiter
	logger  *slog.Logger
	c       chan struct{}
	done    chan struct{}
}

// New starts watching dir. At most one wake-up is delivered per minGap; a
// zero minGap disables the limit.
func New(dir string, minGap time.Duration, logger *slog.Logger) (*Notifier, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("notify: create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("notify: watch %q: %w", dir, err)
	}

	limit := rate.Inf
	if minGap > 0 {
		limit = rate.Every(minGap)
	}
	n := &Notifier{
		fsw:     fsw,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		c:       make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// C returns the wake-up channel. It has a buffer of one, so bursts of
// notifications collapse into a single pending wake-up.
func (n *Notifier) C() <-chan struct{} {
	return n.c
}

// Close stops watching and waits for the event goroutine to exit.
func (n *Notifier) Close() error {
	err := n.fsw.Close()
	<-n.done
	return err
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case event, ok := <-n.fsw.Events:
			if !ok {
				return
			}
			n.logger.Debug("directory change", slog.String("path", event.Name), slog.String("op", event.Op.String()))
			if !n.limiter.Allow() {
				continue
			}
			select {
			case n.c <- struct{}{}:
			default:
			}
		case err, ok := <-n.fsw.Errors:
			if !ok {
				return
			}
			n.logger.Warn("notify: watcher error", slog.Any("error", err))
		}
	}
}
