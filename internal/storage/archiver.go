package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/accent-engine/internal/audio"
)

// KeyStore records which archive object belongs to a run.
type KeyStore interface {
	SetArchiveKey(ctx context.Context, id int64, key string) error
}

// Archiver uploads normalized run audio to S3 in the background so the
// pipeline never blocks on object storage.
type Archiver struct {
	s3       *S3Store
	keys     KeyStore
	ch       chan archiveJob
	log      zerolog.Logger
	stopped  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type archiveJob struct {
	runID int64
	data  []byte
}

// NewArchiver creates an Archiver with the given queue size.
func NewArchiver(s3 *S3Store, keys KeyStore, bufferSize int, log zerolog.Logger) *Archiver {
	return &Archiver{
		s3:   s3,
		keys: keys,
		ch:   make(chan archiveJob, bufferSize),
		log:  log.With().Str("component", "archiver").Logger(),
	}
}

// Start launches worker goroutines.
func (a *Archiver) Start(workers int) {
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	a.log.Info().Int("workers", workers).Int("buffer", cap(a.ch)).Msg("archiver started")
}

// Stop drains the queue and waits for in-flight uploads.
func (a *Archiver) Stop() {
	a.stopped.Store(true)
	a.stopOnce.Do(func() { close(a.ch) })
	a.wg.Wait()
}

// Archive enqueues the normalized audio of a completed run. Non-blocking:
// drops with a warning when the queue is full or the archiver is stopped.
func (a *Archiver) Archive(runID int64, buf *audio.Buffer) {
	if a.stopped.Load() {
		return
	}
	job := archiveJob{runID: runID, data: buf.Bytes()}
	select {
	case a.ch <- job:
	default:
		a.log.Warn().Int64("run_id", runID).Msg("archive queue full, skipping upload")
	}
}

// ArchiveKey returns the object key used for a run's audio.
func ArchiveKey(runID int64) string {
	return fmt.Sprintf("run-%d.wav", runID)
}

func (a *Archiver) worker() {
	defer a.wg.Done()
	for job := range a.ch {
		key := ArchiveKey(job.runID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.s3.Save(ctx, key, job.data, "audio/wav"); err != nil {
			a.log.Error().Err(err).Int64("run_id", job.runID).Msg("archive upload failed")
			cancel()
			continue
		}
		if err := a.keys.SetArchiveKey(ctx, job.runID, key); err != nil {
			a.log.Error().Err(err).Int64("run_id", job.runID).Msg("failed to record archive key")
		}
		cancel()
	}
}
