package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	accentengine "github.com/snarg/accent-engine"
	"github.com/snarg/accent-engine/internal/analyze"
	"github.com/snarg/accent-engine/internal/api"
	"github.com/snarg/accent-engine/internal/audio"
	"github.com/snarg/accent-engine/internal/config"
	"github.com/snarg/accent-engine/internal/database"
	"github.com/snarg/accent-engine/internal/events"
	"github.com/snarg/accent-engine/internal/fetch"
	"github.com/snarg/accent-engine/internal/ingest"
	"github.com/snarg/accent-engine/internal/pipeline"
	"github.com/snarg/accent-engine/internal/storage"
	"github.com/snarg/accent-engine/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flag.StringVar(&overrides.DatabaseURL, "db", "", "postgres connection string")
	flag.StringVar(&overrides.STTURL, "stt-url", "", "speech-to-text endpoint URL")
	flag.StringVar(&overrides.DropDir, "drop-dir", "", "directory to watch for dropped media files")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("accent-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.Fatal().Msg("database migration failed")
	}

	// External binary preflight. Missing binaries degrade URL and drop-dir
	// submissions but reads and already-queued runs still work.
	for _, b := range fetch.CheckBinaries(fetch.DefaultRequirements()) {
		if !b.Available {
			log.Warn().Str("binary", b.Command).Str("detail", b.Detail).Msg("external binary missing")
		}
	}

	// Pipeline stages
	fetcher := fetch.New(cfg.TempDir, log)
	normalizer := audio.New(log)
	stt := transcribe.NewWhisperClient(cfg.STTURL, cfg.STTModel, cfg.STTAPIKey, cfg.STTTimeout)
	analyzer := analyze.New(analyze.Options{
		APIKey:  cfg.MistralAPIKey,
		BaseURL: cfg.MistralBaseURL,
		Model:   cfg.MistralModel,
		Timeout: cfg.MistralTimeout,
		Log:     log,
	})
	if !analyzer.Configured() {
		log.Warn().Msg("MISTRAL_API_KEY not set, analysis submissions will be rejected")
	}

	bus := events.NewBus(256)

	// Optional S3 archive for normalized audio
	var archiver *storage.Archiver
	var archive api.AudioArchive
	if cfg.S3.Enabled() {
		s3Log := log.With().Str("component", "storage").Logger()
		s3, err := storage.NewS3Store(cfg.S3, s3Log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize s3 store")
		}
		headCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s3.HeadBucket(headCtx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.S3.Bucket).Msg("s3 bucket check failed")
		}
		cancel()
		archive = s3
		archiver = storage.NewArchiver(s3, db, 64, s3Log)
		archiver.Start(1)
	}

	runner := pipeline.NewRunner(pipeline.RunnerOptions{
		Fetcher:     fetcher,
		Normalizer:  normalizer,
		Transcriber: stt,
		Analyzer:    analyzer,
		Store:       db,
		Bus:         bus,
		Archiver:    archiverOrNil(archiver),
		Timeouts: pipeline.Timeouts{
			Fetch:      cfg.FetchTimeout,
			Normalize:  cfg.NormalizeTimeout,
			Transcribe: cfg.STTTimeout,
			Analyze:    cfg.MistralTimeout,
		},
		Log: log.With().Str("component", "runner").Logger(),
	})
	pool := pipeline.NewPool(runner, cfg.Workers, cfg.QueueSize, log)
	pool.Start(ctx)

	// Optional drop directory
	var watcher *ingest.Watcher
	if cfg.DropDir != "" {
		watcher = ingest.NewWatcher(cfg.DropDir, ingest.NewSubmitFunc(ctx, db, pool), log)
		if err := watcher.Start(); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.DropDir).Msg("failed to start drop watcher")
		}
	}

	// HTTP server
	webFS, err := fs.Sub(accentengine.WebFiles, "web")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load embedded web assets")
	}
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:     cfg,
		Store:      db,
		DB:         db,
		Queue:      pool,
		Bus:        bus,
		Archive:    archive,
		Watcher:    watcherOrNil(watcher),
		Configured: analyzer.Configured,
		WebFS:      webFS,
		Version:    version,
		StartTime:  startTime,
		Log:        httpLog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if watcher != nil {
		watcher.Stop()
	}
	stop()
	pool.Stop()
	if archiver != nil {
		archiver.Stop()
	}

	log.Info().Msg("accent-engine stopped")
}

// archiverOrNil keeps a typed-nil *storage.Archiver out of the Archiver
// interface value.
func archiverOrNil(a *storage.Archiver) pipeline.Archiver {
	if a == nil {
		return nil
	}
	return a
}

func watcherOrNil(w *ingest.Watcher) api.WatcherStatus {
	if w == nil {
		return nil
	}
	return w
}
