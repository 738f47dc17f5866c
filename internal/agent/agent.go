// Package agent contains the dirwatcher poll driver. It owns the watch set,
// runs one poll per interval until its context is cancelled, reports every
// poll outcome through the structured logger, and hands events to the local
// journal and, through the journal, to an optional remote sink.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dirwatcher/dirwatcher/internal/config"
	"github.com/dirwatcher/dirwatcher/internal/watcher"
)

// Pending is a journalled event that has not been acknowledged yet. ID is the
// journal's primary key, used with Journal.Ack.
type Pending struct {
	ID    int64
	Event Event
}

// Journal is the interface for the local SQLite-backed event journal.
type Journal interface {
	// Enqueue persists an event for at-least-once forwarding.
	Enqueue(ctx context.Context, evt Event) error
	// Dequeue returns up to n unacknowledged events, oldest first.
	Dequeue(ctx context.Context, n int) ([]Pending, error)
	// Ack marks the events identified by ids as forwarded.
	Ack(ctx context.Context, ids []int64) error
	// Recent returns up to n events, newest first, forwarded or not.
	Recent(ctx context.Context, n int) ([]Event, error)
	// Prune deletes events older than the newest keep, delivered ones only
	// unless includePending is set, and returns how many were removed.
	Prune(ctx context.Context, keep int, includePending bool) (int64, error)
	// Depth returns the number of unacknowledged events.
	Depth() int
	// Close releases resources held by the journal.
	Close() error
}

// Sink receives batches of journalled events, e.g. the PostgreSQL store.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// Metrics records per-poll measurements.
type Metrics interface {
	ObservePoll(res watcher.Result, watched int, elapsed time.Duration)
}

// Publisher receives every event as it is reported, e.g. the live stream.
// Publish must not block.
type Publisher interface {
	Publish(evt Event)
}

// Agent drives the poll loop. Create one with New and start it with Run.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	filter  watcher.Filter
	ws      *watcher.WatchSet
	fsys    fs.FS
	journal Journal
	sink    Sink
	metrics Metrics
	pub     Publisher
	wake    <-chan struct{}
	now     func() time.Time

	mu          sync.RWMutex
	startTime   time.Time
	running     bool
	polls       uint64
	files       []watcher.Entry
	lastMatchAt time.Time
	wg          sync.WaitGroup
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithJournal registers the local event journal.
func WithJournal(j Journal) Option {
	return func(a *Agent) { a.journal = j }
}

// WithSink registers a remote sink. Events reach it only through the journal,
// so a sink without a journal is never written to.
func WithSink(s Sink) Option {
	return func(a *Agent) { a.sink = s }
}

// WithMetrics registers a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithPublisher registers a live event publisher.
func WithPublisher(p Publisher) Option {
	return func(a *Agent) { a.pub = p }
}

// WithWakeup registers a channel that starts the next poll early. A receive
// on it only shortens the current wait; it never interrupts a poll.
func WithWakeup(ch <-chan struct{}) Option {
	return func(a *Agent) { a.wake = ch }
}

// WithFS polls fsys instead of the configured directory on disk.
func WithFS(fsys fs.FS) Option {
	return func(a *Agent) { a.fsys = fsys }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates an Agent for cfg. It returns an error if the exclusion
// patterns do not compile.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	filter, err := watcher.NewFilter(cfg.Extension, cfg.Exclude)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	a := &Agent{
		cfg:    cfg,
		logger: logger,
		filter: filter,
		ws:     watcher.NewWatchSet(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run polls until ctx is cancelled and returns nil. The first poll starts
// immediately. Cancellation is observed between polls only, so a poll that
// has begun always completes and is fully reported.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = a.now()
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	if a.journal != nil {
		a.wg.Add(1)
		go a.forward(ctx)
	}
	defer a.wg.Wait()

	a.logger.Info("watching directory",
		slog.String("directory", a.cfg.Directory),
		slog.String("magic_text", a.cfg.MagicText),
		slog.String("extension", a.cfg.Extension),
		slog.Duration("interval", a.cfg.Interval),
	)

	timer := time.NewTimer(a.cfg.Interval)
	defer timer.Stop()

	for ctx.Err() == nil {
		a.PollOnce(ctx)

		timer.Reset(a.cfg.Interval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-a.wake:
			a.logger.Debug("early poll on change notification")
		}
	}
	return nil
}

// PollOnce runs a single poll, reports its outcome, and returns it. It must
// not be called concurrently with Run.
func (a *Agent) PollOnce(ctx context.Context) watcher.Result {
	start := time.Now()
	var res watcher.Result
	if a.fsys != nil {
		res = watcher.PollFS(a.fsys, a.filter, a.cfg.MagicText, a.ws)
	} else {
		res = watcher.Poll(a.cfg.Directory, a.filter, a.cfg.MagicText, a.ws)
	}
	elapsed := time.Since(start)

	ts := a.now()
	a.mu.Lock()
	a.polls++
	a.files = a.ws.Snapshot()
	if len(res.Matches) > 0 {
		a.lastMatchAt = ts
	}
	a.mu.Unlock()

	a.report(ctx, res, ts)
	if a.metrics != nil {
		a.metrics.ObservePoll(res, a.ws.Len(), elapsed)
	}
	return res
}

// report logs one line per outcome, then publishes and journals the
// corresponding events.
// Journalling ignores cancellation so the last poll before shutdown is kept.
func (a *Agent) report(ctx context.Context, res watcher.Result, ts time.Time) {
	for _, name := range res.Added {
		a.logger.Info("file added", slog.String("file", name))
	}
	for _, name := range res.Removed {
		a.logger.Info("file removed", slog.String("file", name))
	}
	for _, m := range res.Matches {
		a.logger.Info("magic text found", slog.String("file", m.File), slog.Int("line", m.Line))
	}
	for _, e := range res.Errors {
		a.logger.Warn("poll error",
			slog.String("kind", string(e.Kind)),
			slog.String("scope", string(e.Scope)),
			slog.String("name", e.Name),
			slog.Any("error", e.Err),
		)
	}

	if a.journal == nil && a.pub == nil {
		return
	}
	events := EventsFromResult(res, ts)
	if a.pub != nil {
		for _, evt := range events {
			a.pub.Publish(evt)
		}
	}
	if a.journal == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, evt := range events {
		if err := a.journal.Enqueue(ctx, evt); err != nil {
			a.logger.Warn("failed to journal event",
				slog.String("kind", string(evt.Kind)),
				slog.String("file", evt.File),
				slog.Any("error", err),
			)
		}
	}
}

// forward periodically drains the journal into the sink, if any, and prunes
// it until ctx is cancelled, then makes one final bounded flush.
func (a *Agent) forward(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Journal.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := a.Flush(drainCtx); err != nil {
				a.logger.Warn("final journal flush failed", slog.Any("error", err))
			}
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				a.logger.Warn("journal flush failed", slog.Any("error", err))
			}
			if err := a.Prune(ctx); err != nil {
				a.logger.Warn("journal prune failed", slog.Any("error", err))
			}
		}
	}
}

// Flush forwards every unacknowledged journal event to the sink in batches
// of journal.batch_size, acknowledging each batch after the sink accepts it.
// A failed batch stays in the journal for the next flush.
func (a *Agent) Flush(ctx context.Context) error {
	if a.journal == nil || a.sink == nil {
		return nil
	}
	batch := a.cfg.Journal.BatchSize
	for {
		pending, err := a.journal.Dequeue(ctx, batch)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		events := make([]Event, len(pending))
		ids := make([]int64, len(pending))
		for i, p := range pending {
			events[i] = p.Event
			ids[i] = p.ID
		}
		if err := a.sink.Write(ctx, events); err != nil {
			return fmt.Errorf("agent: forward %d events: %w", len(events), err)
		}
		if err := a.journal.Ack(ctx, ids); err != nil {
			return err
		}
		a.logger.Debug("forwarded journal events", slog.Int("count", len(events)))

		if len(pending) < batch {
			return nil
		}
	}
}

// Prune trims the journal to the newest journal.retain events. Without a
// sink nothing is ever acknowledged, so pending events are pruned as well.
func (a *Agent) Prune(ctx context.Context) error {
	keep := a.cfg.Journal.Retain
	if a.journal == nil || keep <= 0 {
		return nil
	}
	removed, err := a.journal.Prune(ctx, keep, a.sink == nil)
	if err != nil {
		return err
	}
	if removed > 0 {
		a.logger.Debug("pruned journal events", slog.Int64("count", removed))
	}
	return nil
}

// Files returns the watch set as of the most recent completed poll.
func (a *Agent) Files() []watcher.Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]watcher.Entry, len(a.files))
	copy(out, a.files)
	return out
}

// Uptime returns the time since Run started, or zero before that.
func (a *Agent) Uptime() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.startTime.IsZero() {
		return 0
	}
	return a.now().Sub(a.startTime)
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status       string  `json:"status"`
	UptimeS      float64 `json:"uptime_s"`
	Polls        uint64  `json:"polls"`
	WatchedFiles int     `json:"watched_files"`
	JournalDepth int     `json:"journal_depth"`
	LastMatchAt  string  `json:"last_match_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	h := HealthStatus{
		Status:  "ok",
		UptimeS: a.Uptime().Seconds(),
	}

	a.mu.RLock()
	h.Polls = a.polls
	h.WatchedFiles = len(a.files)
	if !a.lastMatchAt.IsZero() {
		h.LastMatchAt = a.lastMatchAt.UTC().Format(time.RFC3339)
	}
	a.mu.RUnlock()

	if a.journal != nil {
		h.JournalDepth = a.journal.Depth()
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
