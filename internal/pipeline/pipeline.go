// Package pipeline sequences one analysis run: fetch, normalize,
// transcribe, analyze. Stages are injected interfaces so the orchestration
// and failure-handling contract is testable without external services.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/accent-engine/internal/audio"
	"github.com/snarg/accent-engine/internal/database"
	"github.com/snarg/accent-engine/internal/events"
	"github.com/snarg/accent-engine/internal/fault"
	"github.com/snarg/accent-engine/internal/fetch"
	"github.com/snarg/accent-engine/internal/metrics"
	"github.com/snarg/accent-engine/internal/transcribe"
)

// Fetcher resolves a URL or local file to an audio asset.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Asset, error)
	FromFile(path string) (*fetch.Asset, error)
}

// Normalizer converts an asset into the canonical waveform.
type Normalizer interface {
	Normalize(ctx context.Context, asset *fetch.Asset) (*audio.Buffer, error)
}

// Analyzer produces the accent report from a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (string, error)
	Model() string
}

// RunStore persists run state transitions and results.
type RunStore interface {
	UpdateAnalysisStatus(ctx context.Context, id int64, status string) error
	CompleteAnalysis(ctx context.Context, id int64, transcript, report, language, sttModel, llmModel string, t database.StageTimings) error
	FailAnalysis(ctx context.Context, id int64, kind, message string, transcript *string) error
}

// Archiver stores the normalized audio of completed runs. Optional.
type Archiver interface {
	Archive(runID int64, buf *audio.Buffer)
}

// Timeouts bound each stage individually. Zero means no per-stage bound
// beyond the underlying client's own timeout.
type Timeouts struct {
	Fetch      time.Duration
	Normalize  time.Duration
	Transcribe time.Duration
	Analyze    time.Duration
}

// Runner executes analysis runs.
type Runner struct {
	fetcher     Fetcher
	normalizer  Normalizer
	transcriber transcribe.Provider
	analyzer    Analyzer
	store       RunStore
	bus         *events.Bus
	archiver    Archiver // may be nil
	timeouts    Timeouts
	log         zerolog.Logger
}

// RunnerOptions wires a Runner's collaborators.
type RunnerOptions struct {
	Fetcher     Fetcher
	Normalizer  Normalizer
	Transcriber transcribe.Provider
	Analyzer    Analyzer
	Store       RunStore
	Bus         *events.Bus
	Archiver    Archiver
	Timeouts    Timeouts
	Log         zerolog.Logger
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{
		fetcher:     opts.Fetcher,
		normalizer:  opts.Normalizer,
		transcriber: opts.Transcriber,
		analyzer:    opts.Analyzer,
		store:       opts.Store,
		bus:         opts.Bus,
		archiver:    opts.Archiver,
		timeouts:    opts.Timeouts,
		log:         opts.Log,
	}
}

// Job is one queued analysis run.
type Job struct {
	RunID     int64
	URL       string // source URL for downloaded runs
	LocalPath string // non-empty for drop-directory runs; skips the download
}

// Run executes the full pipeline for one job. The run's temp namespace is
// released on every exit path, including panics and cancellation; failure
// in any stage skips the remaining stages and records the failure kind.
func (r *Runner) Run(ctx context.Context, job Job) (err error) {
	log := r.log.With().Int64("run_id", job.RunID).Logger()
	start := time.Now()
	var timings database.StageTimings
	var transcript *string

	var asset *fetch.Asset
	defer func() {
		// Release is idempotent and runs whether the run succeeded,
		// failed, or panicked in a later stage.
		asset.Release()
		if rv := recover(); rv != nil {
			log.Error().Interface("panic", rv).Msg("pipeline panic")
			err = fault.New(fault.Unexpected, "internal pipeline failure")
			r.fail(ctx, job.RunID, "internal", err, transcript, log)
		}
	}()

	// Fetch
	r.setStatus(ctx, job.RunID, database.StatusFetching, log)
	asset, err = r.stageFetch(ctx, job)
	timings.FetchMs = msSince(start)
	if err != nil {
		r.fail(ctx, job.RunID, "fetch", err, nil, log)
		return err
	}

	// Normalize
	r.setStatus(ctx, job.RunID, database.StatusNormalizing, log)
	stageStart := time.Now()
	buf, err := r.stageNormalize(ctx, asset)
	timings.NormalizeMs = msSince(stageStart)
	if err != nil {
		r.fail(ctx, job.RunID, "normalize", err, nil, log)
		return err
	}
	// The canonical buffer is self-contained; the source file can go now.
	asset.Release()

	// Transcribe
	r.setStatus(ctx, job.RunID, database.StatusTranscribing, log)
	stageStart = time.Now()
	result, err := r.stageTranscribe(ctx, buf)
	timings.TranscribeMs = msSince(stageStart)
	if err != nil {
		r.fail(ctx, job.RunID, "transcribe", err, nil, log)
		return err
	}
	transcript = &result.Text
	r.bus.Publish(events.TypeTranscript, job.RunID, map[string]any{
		"text":     result.Text,
		"language": result.Language,
	})
	metrics.SSEEventsPublishedTotal.Inc()

	// Analyze
	r.setStatus(ctx, job.RunID, database.StatusAnalyzing, log)
	stageStart = time.Now()
	report, err := r.stageAnalyze(ctx, result.Text)
	timings.AnalyzeMs = msSince(stageStart)
	if err != nil {
		r.fail(ctx, job.RunID, "analyze", err, transcript, log)
		return err
	}
	r.bus.Publish(events.TypeReport, job.RunID, map[string]any{"report": report})
	metrics.SSEEventsPublishedTotal.Inc()

	if err := r.store.CompleteAnalysis(ctx, job.RunID, result.Text, report,
		result.Language, r.transcriber.Model(), r.analyzer.Model(), timings); err != nil {
		log.Error().Err(err).Msg("failed to persist completed run")
	}
	r.bus.Publish(events.TypeDone, job.RunID, map[string]any{"status": database.StatusDone})
	metrics.RunsTotal.WithLabelValues(database.StatusDone).Inc()

	if r.archiver != nil {
		r.archiver.Archive(job.RunID, buf)
	}

	log.Info().
		Int("fetch_ms", timings.FetchMs).
		Int("normalize_ms", timings.NormalizeMs).
		Int("transcribe_ms", timings.TranscribeMs).
		Int("analyze_ms", timings.AnalyzeMs).
		Msg("run complete")
	return nil
}

func (r *Runner) stageFetch(ctx context.Context, job Job) (*fetch.Asset, error) {
	defer observeStage("fetch", time.Now())
	if job.LocalPath != "" {
		return r.fetcher.FromFile(job.LocalPath)
	}
	ctx, cancel := stageContext(ctx, r.timeouts.Fetch)
	defer cancel()
	return r.fetcher.Fetch(ctx, job.URL)
}

func (r *Runner) stageNormalize(ctx context.Context, asset *fetch.Asset) (*audio.Buffer, error) {
	defer observeStage("normalize", time.Now())
	ctx, cancel := stageContext(ctx, r.timeouts.Normalize)
	defer cancel()
	return r.normalizer.Normalize(ctx, asset)
}

func (r *Runner) stageTranscribe(ctx context.Context, buf *audio.Buffer) (*transcribe.Result, error) {
	defer observeStage("transcribe", time.Now())
	ctx, cancel := stageContext(ctx, r.timeouts.Transcribe)
	defer cancel()
	return r.transcriber.Transcribe(ctx, buf)
}

func (r *Runner) stageAnalyze(ctx context.Context, transcript string) (string, error) {
	defer observeStage("analyze", time.Now())
	ctx, cancel := stageContext(ctx, r.timeouts.Analyze)
	defer cancel()
	return r.analyzer.Analyze(ctx, transcript)
}

func (r *Runner) setStatus(ctx context.Context, runID int64, status string, log zerolog.Logger) {
	if err := r.store.UpdateAnalysisStatus(ctx, runID, status); err != nil {
		log.Warn().Err(err).Str("status", status).Msg("failed to persist status")
	}
	r.bus.Publish(events.TypeStatus, runID, map[string]string{"status": status})
	metrics.SSEEventsPublishedTotal.Inc()
	log.Debug().Str("status", status).Msg("stage started")
}

// fail records a terminal failure: kind plus message to the store, an SSE
// event for the UI, and metrics. The original error is returned to the
// worker untouched.
func (r *Runner) fail(ctx context.Context, runID int64, stage string, err error, transcript *string, log zerolog.Logger) {
	kind := fault.KindOf(err)
	if storeErr := r.store.FailAnalysis(ctx, runID, string(kind), err.Error(), transcript); storeErr != nil {
		log.Error().Err(storeErr).Msg("failed to persist run failure")
	}
	r.bus.Publish(events.TypeFailed, runID, map[string]string{
		"kind":    string(kind),
		"message": err.Error(),
	})
	metrics.StageFailuresTotal.WithLabelValues(stage, string(kind)).Inc()
	metrics.RunsTotal.WithLabelValues(database.StatusFailed).Inc()
	log.Warn().Err(err).Str("stage", stage).Str("kind", string(kind)).Msg("run failed")
}

func stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func observeStage(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func msSince(t time.Time) int {
	return int(time.Since(t).Milliseconds())
}
