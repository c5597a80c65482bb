package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snarg/accent-engine/internal/metrics"
)

// Pool runs analysis jobs on a fixed set of workers with a bounded queue.
type Pool struct {
	runner  *Runner
	jobs    chan Job
	workers int
	log     zerolog.Logger

	wg        sync.WaitGroup
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a worker pool. Jobs beyond queueSize are rejected by
// Enqueue rather than blocking the caller.
func NewPool(runner *Runner, workers, queueSize int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		runner:  runner,
		jobs:    make(chan Job, queueSize),
		workers: workers,
		log:     log.With().Str("component", "pipeline").Logger(),
	}
}

// Start launches the workers. They drain the queue until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info().Int("workers", p.workers).Int("queue_size", cap(p.jobs)).Msg("worker pool started")
}

// Stop waits for in-flight jobs to finish. Queued jobs that no worker has
// picked up yet are abandoned; their DB rows stay in their last status.
func (p *Pool) Stop() {
	p.wg.Wait()
	p.log.Info().
		Int64("completed", p.completed.Load()).
		Int64("failed", p.failed.Load()).
		Msg("worker pool stopped")
}

// Enqueue submits a job. Returns false when the queue is full.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		metrics.QueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		p.log.Warn().Int64("run_id", job.RunID).Msg("queue full, rejecting job")
		return false
	}
}

// Stats reports queue depth and lifetime counters.
func (p *Pool) Stats() (queued int, completed, failed int64) {
	return len(p.jobs), p.completed.Load(), p.failed.Load()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			metrics.QueueDepth.Set(float64(len(p.jobs)))
			if err := p.runner.Run(ctx, job); err != nil {
				p.failed.Add(1)
				log.Debug().Int64("run_id", job.RunID).Err(err).Msg("job failed")
			} else {
				p.completed.Add(1)
			}
		}
	}
}
