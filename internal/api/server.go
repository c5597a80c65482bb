package api

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/accent-engine/internal/config"
	"github.com/snarg/accent-engine/internal/events"
	"github.com/snarg/accent-engine/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions carries everything the HTTP layer needs.
type ServerOptions struct {
	Config     *config.Config
	Store      RunStore
	DB         DBChecker
	Queue      Queue
	Bus        *events.Bus
	Archive    AudioArchive  // nil when S3 archiving is disabled
	Watcher    WatcherStatus // nil when no drop dir is configured
	Configured func() bool
	WebFS      fs.FS
	Version    string
	StartTime  time.Time
	Log        zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	// Health and metrics — no auth
	health := NewHealthHandler(opts.DB, opts.Queue, opts.Watcher, opts.Configured, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated API
	analyses := NewAnalysesHandler(opts.Store, opts.Queue, opts.Archive, opts.Configured)
	eventsHandler := NewEventsHandler(opts.Bus)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		analyses.Routes(r)
		eventsHandler.Routes(r)
	})

	// Web UI
	if opts.WebFS != nil {
		r.Handle("/*", http.FileServer(http.FS(opts.WebFS)))
	}

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
