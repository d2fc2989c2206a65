// Package api provides the optional observability HTTP server for epgd.
// It exposes health, status and Prometheus metrics; it never touches
// reactor-owned state, only read-only views.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tlejmi/fastocloud-epg/internal/health"
)

// Server is the epgd observability HTTP server.
type Server struct {
	project string
	version string
	checker *health.Checker
}

// NewServer creates an observability server.
func NewServer(project, version string, checker *health.Checker) *Server {
	return &Server{project: project, version: version, checker: checker}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		statuses := s.checker.Statuses()
		code := http.StatusOK
		if !s.checker.IsHealthy() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"healthy": s.checker.IsHealthy(),
			"checks":  statuses,
		})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"project": s.project,
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": s.version,
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Serve runs the server on addr until the listener fails or the server is
// shut down by process exit.
func (s *Server) Serve(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	return srv.ListenAndServe()
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
