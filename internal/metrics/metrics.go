// Package metrics exposes poll statistics in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dirwatcher/dirwatcher/internal/watcher"
)

// Metrics holds the dirwatcher collectors. It implements agent.Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	PollsTotal      prometheus.Counter
	PollErrorsTotal *prometheus.CounterVec
	MatchesTotal    prometheus.Counter
	AddedTotal      prometheus.Counter
	RemovedTotal    prometheus.Counter
	WatchedFiles    prometheus.Gauge
	PollDuration    prometheus.Histogram
}

// New registers the collectors on reg. Use a fresh prometheus.NewRegistry()
// per process; registering twice on one registry panics.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		PollsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dirwatcher_polls_total",
			Help: "Total number of completed polls.",
		}),
		PollErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dirwatcher_poll_errors_total",
			Help: "Total number of poll errors by kind.",
		}, []string{"kind"}),
		MatchesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dirwatcher_matches_total",
			Help: "Total number of lines found containing the magic text.",
		}),
		AddedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dirwatcher_files_added_total",
			Help: "Total number of files that entered the watch set.",
		}),
		RemovedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dirwatcher_files_removed_total",
			Help: "Total number of files that left the watch set.",
		}),
		WatchedFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "dirwatcher_watched_files",
			Help: "Current number of tracked files.",
		}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dirwatcher_poll_duration_seconds",
			Help:    "Time spent on one poll, listing and scanning included.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObservePoll records one poll result.
func (m *Metrics) ObservePoll(res watcher.Result, watched int, elapsed time.Duration) {
	m.PollsTotal.Inc()
	m.AddedTotal.Add(float64(len(res.Added)))
	m.RemovedTotal.Add(float64(len(res.Removed)))
	m.MatchesTotal.Add(float64(len(res.Matches)))
	for _, e := range res.Errors {
		m.PollErrorsTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	m.WatchedFiles.Set(float64(watched))
	m.PollDuration.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
