// Package server provides the HTTP control surface for tickerd.
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

	"github.com/dkoutso/tickerd/internal/jobs"
	"github.com/dkoutso/tickerd/internal/scan"
)

// ScheduleReloader rebuilds cron entries after configuration edits.
type ScheduleReloader interface {
	Reload(ctx context.Context) error
	NextRun(name string) (time.Time, bool)
}

// ScanRetrier re-runs the retry phase for a stored scan run.
type ScanRetrier interface {
	Retry(ctx context.Context, runID int64) (*scan.Result, error)
}

// Config holds server configuration.
type Config struct {
	Port    int
	DevMode bool

	Configs   *jobs.ConfigStore
	Tracker   *jobs.Tracker
	Runner    *jobs.Runner
	Chain     *jobs.ChainManager
	Scans     *scan.Repository
	Retrier   ScanRetrier
	Scheduler ScheduleReloader

	Log zerolog.Logger
}

// Server is the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	configs   *jobs.ConfigStore
	tracker   *jobs.Tracker
	runner    *jobs.Runner
	chain     *jobs.ChainManager
	scans     *scan.Repository
	retrier   ScanRetrier
	scheduler ScheduleReloader
	log       zerolog.Logger
}

// New creates the HTTP server with routing and middleware configured.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		configs:   cfg.Configs,
		tracker:   cfg.Tracker,
		runner:    cfg.Runner,
		chain:     cfg.Chain,
		scans:     cfg.Scans,
		retrier:   cfg.Retrier,
		scheduler: cfg.Scheduler,
		log:       cfg.Log.With().Str("component", "http").Logger(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/chain", s.handleChain)
			r.Post("/cleanup-stuck", s.handleCleanupStuck)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Patch("/", s.handleUpdateJob)
				r.Post("/run", s.handleTriggerJob)
				r.Get("/history", s.handleJobHistory)
			})
		})

		r.Route("/scans", func(r chi.Router) {
			r.Get("/", s.handleListScans)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScan)
				r.Get("/errors", s.handleScanErrors)
				r.Post("/retry", s.handleRetryScan)
			})
		})
	})
}

// loggingMiddleware logs each request with its chi request id.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
