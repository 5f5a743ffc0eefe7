// Package server provides the read-only HTTP API for Skopos.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/database"
	"github.com/okastakis/skopos/internal/events"
	"github.com/okastakis/skopos/internal/positions"
	"github.com/okastakis/skopos/internal/risk"
	"github.com/okastakis/skopos/internal/thesis"
)

// StatusSource reports the engine's current phase and active symbols.
type StatusSource interface {
	Status() (phase, day string, active []string)
}

// RiskSource exposes the current risk accounting state.
type RiskSource interface {
	Snapshot() risk.State
}

// Config holds the dependencies for the HTTP server.
type Config struct {
	Log       zerolog.Logger
	DB        *database.DB
	Theses    *thesis.Repository
	Positions *positions.Repository
	Events    *events.Repository
	Engine    StatusSource
	Risk      RiskSource
	DataDir   string
	Port      int
}

// Server represents the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	db        *database.DB
	theses    *thesis.Repository
	positions *positions.Repository
	events    *events.Repository
	engine    StatusSource
	risk      RiskSource
	dataDir   string
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		db:        cfg.DB,
		theses:    cfg.Theses,
		positions: cfg.Positions,
		events:    cfg.Events,
		engine:    cfg.Engine,
		risk:      cfg.Risk,
		dataDir:   cfg.DataDir,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/risk", s.handleRisk)
		r.Get("/theses", s.handleTheses)
		r.Get("/theses/{id}", s.handleThesisByID)
		r.Get("/positions", s.handlePositions)
		r.Get("/events", s.handleEvents)
		r.Get("/system", s.handleSystem)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the underlying mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
