// ABOUTME: HTTP server struct, constructor, and router wiring for the
// ABOUTME: producer-facing enqueue API plus health and metrics endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	cfg         *config.Config
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server.
func NewServer(s *store.Store, cfg *config.Config) *Server {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = 600
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 100
	}
	return &Server{
		store:       s,
		cfg:         cfg,
		rateLimiter: newIPRateLimiter(rate.Limit(float64(perMinute)/60), burst, evictTTL),
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/_liveness", srv.livenessHandler)
	r.Get("/_readiness", srv.readinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.With(srv.rateLimit()).Post("/", srv.enqueueJobHandler)
		r.Get("/", srv.listJobsHandler)
		r.Get("/{id}", srv.getJobHandler)
		r.With(srv.rateLimit()).Post("/{id}/replay", srv.replayJobHandler)
	})
	r.Get("/api/v1/queues/{queue}/stats", srv.queueStatsHandler)

	return r
}

// livenessHandler reports process liveness; it never touches the database.
func (srv *Server) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}

// readinessHandler reports readiness: the store must answer a ping.
func (srv *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if err := srv.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok")) //nolint:errcheck
}
