package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// RouterConfig carries the optional parts of the route layout.
type RouterConfig struct {
	// PublicKey verifies RS256 bearer tokens on /api/v1 routes. Nil disables
	// authentication.
	PublicKey *rsa.PublicKey
	// RateLimit is the sustained requests per second across all clients.
	// Zero disables rate limiting.
	RateLimit float64
	Burst     int
	// Metrics serves GET /metrics when non-nil.
	Metrics http.Handler
	// Stream serves the live event WebSocket at GET /api/v1/stream when
	// non-nil.
	Stream http.Handler
}

// NewRouter returns a configured chi.Router for the dirwatcher status API.
//
// Route layout:
//
//	GET /healthz          – liveness and poll statistics (no authentication)
//	GET /metrics          – Prometheus exposition (no authentication)
//	GET /api/v1/files     – tracked files and offsets (JWT required)
//	GET /api/v1/events    – newest journal events (JWT required)
//	GET /api/v1/history   – PostgreSQL event history query (JWT required)
//	GET /api/v1/stream    – live events over WebSocket (JWT required)
func NewRouter(srv *Server, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		r.Use(RateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}

	r.Get("/healthz", srv.handleHealthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.PublicKey != nil {
			r.Use(JWTMiddleware(cfg.PublicKey))
		}

		r.Get("/files", srv.handleGetFiles)
		r.Get("/events", srv.handleGetEvents)
		r.Get("/history", srv.handleGetHistory)
		if cfg.Stream != nil {
			r.Method(http.MethodGet, "/stream", cfg.Stream)
		}
	})

	return r
}
