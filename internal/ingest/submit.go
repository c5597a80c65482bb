package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/snarg/accent-engine/internal/fault"
	"github.com/snarg/accent-engine/internal/pipeline"
)

// RunStore persists drop-directory submissions.
type RunStore interface {
	InsertAnalysis(ctx context.Context, sourceURL, origin string) (int64, error)
	FailAnalysis(ctx context.Context, id int64, kind, message string, transcript *string) error
}

// Enqueuer accepts analysis jobs.
type Enqueuer interface {
	Enqueue(job pipeline.Job) bool
}

// NewSubmitFunc returns the SubmitFunc that turns dropped files into queued
// runs. A full queue marks the already-created row failed with
// service_unavailable, the same way the HTTP submission path does, so no
// row is left pending forever.
func NewSubmitFunc(ctx context.Context, store RunStore, queue Enqueuer) SubmitFunc {
	return func(path string) error {
		id, err := store.InsertAnalysis(ctx, path, "file")
		if err != nil {
			return err
		}
		if !queue.Enqueue(pipeline.Job{RunID: id, LocalPath: path}) {
			msg := "analysis queue is full"
			if failErr := store.FailAnalysis(ctx, id, string(fault.ServiceUnavailable), msg, nil); failErr != nil {
				return fmt.Errorf("%s; run %d left pending: %w", msg, id, failErr)
			}
			return errors.New(msg)
		}
		return nil
	}
}
