package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/app"
	"github.com/lazypower/clawsync/internal/logging"
)

// Server is the local HTTP API the UI talks to.
type Server struct {
	app     *app.App
	router  chi.Router
	logger  *zap.Logger
	version string
	started time.Time
}

// New creates a Server over an initialized App.
func New(a *app.App, version string, logger *zap.Logger) *Server {
	s := &Server{
		app:     a,
		logger:  logging.OrNop(logger),
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/failed", s.handleFailed)
		r.Get("/events", s.handleEvents)

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", s.handleListTransactions)
			r.Post("/", s.handleCreate)
			r.Get("/{id}", s.handleGetTransaction)
			r.Post("/{id}/retry", s.handleRetry)
			r.Post("/{id}/discard", s.handleDiscard)
			r.Delete("/{id}", s.handleDiscard)
		})

		r.Get("/items", s.handleListItems)
		r.Get("/items/{key}", s.handleGetItem)

		r.Post("/flush", s.handleFlush)
		r.Post("/lifecycle", s.handleLifecycle)
		r.Post("/connectivity", s.handleConnectivity)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{}))

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.app.DB.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.app.DB.Path,
		"device":  s.app.DeviceID,
		"online":  s.app.Conn.IsOnline(),
		"breaker": s.app.BreakerState(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
