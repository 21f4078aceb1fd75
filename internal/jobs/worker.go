// Package jobs runs the asynchronous work ledger: a pool of workers
// claims pending jobs from the store, executes the registered handler
// for the job type with bounded retry, and records terminal status.
//
// A job is never re-picked once terminal: completed, or failed with the
// retry budget exhausted. Non-terminal failures stay inside one claim —
// the retry schedule runs in-process, so retry_count never exceeds
// max_retries and two workers never interleave retries of one job.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// Handler executes one job attempt. Returning an error consumes one
// retry; wrapping it in backoff.Permanent fails the job immediately.
type Handler func(ctx context.Context, job *models.Job) error

const (
	defaultWorkers      = 2
	defaultPollInterval = 5 * time.Second
)

// Worker polls the ledger and executes jobs.
type Worker struct {
	store        store.Store
	workers      int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[models.JobType]Handler

	// retryPolicy builds the per-job retry schedule. Tests swap in a
	// zero backoff.
	retryPolicy func() backoff.BackOff
}

// NewWorker creates a worker pool over the given store.
func NewWorker(st store.Store, workers int, pollInterval time.Duration) *Worker {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Worker{
		store:        st,
		workers:      workers,
		pollInterval: pollInterval,
		handlers:     make(map[models.JobType]Handler),
		retryPolicy:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Register binds a handler to a job type. A claimed job with no handler
// fails terminally.
func (w *Worker) Register(t models.JobType, h Handler) {
	w.mu.Lock()
	w.handlers[t] = h
	w.mu.Unlock()
}

func (w *Worker) handler(t models.JobType) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[t]
}

// Run blocks until ctx is cancelled, running the worker pool.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	log.Info().Int("workers", w.workers).Dur("poll_interval", w.pollInterval).Msg("job worker pool started")
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	// Idle polling backs off exponentially up to the configured
	// interval and resets as soon as a job is found.
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 100 * time.Millisecond
	idle.MaxInterval = w.pollInterval
	idle.MaxElapsedTime = 0

	for {
		job, err := w.store.ClaimPendingJob(ctx)
		if err != nil {
			var nf *store.ErrNotFound
			if !errors.As(err, &nf) {
				log.Error().Err(err).Msg("jobs: claim failed")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle.NextBackOff()):
			}
			continue
		}
		idle.Reset()
		w.process(ctx, job)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// process runs one claimed job to a terminal or re-runnable state.
func (w *Worker) process(ctx context.Context, job *models.Job) {
	h := w.handler(job.Type)
	if h == nil {
		job.Status = models.JobFailed
		job.RetryCount = job.MaxRetries
		job.LastError = "no handler registered for job type " + string(job.Type)
		w.finish(ctx, job)
		return
	}

	remaining := job.MaxRetries - job.RetryCount
	if remaining < 0 {
		remaining = 0
	}

	operation := func() error { return h(ctx, job) }
	notify := func(err error, _ time.Duration) {
		job.RetryCount++
		job.LastError = err.Error()
		if uerr := w.store.UpdateJob(ctx, job); uerr != nil {
			log.Error().Err(uerr).Str("job_id", job.ID).Msg("jobs: record retry")
		}
		log.Warn().Err(err).Str("job_id", job.ID).Int("retry", job.RetryCount).Msg("jobs: attempt failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(w.retryPolicy(), uint64(remaining)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)

	if err != nil {
		job.Status = models.JobFailed
		job.RetryCount = job.MaxRetries
		job.LastError = err.Error()
	} else {
		now := time.Now().UTC()
		job.Status = models.JobCompleted
		job.CompletedAt = &now
		job.LastError = ""
	}
	w.finish(ctx, job)
}

func (w *Worker) finish(ctx context.Context, job *models.Job) {
	if err := w.store.UpdateJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("jobs: record terminal status")
		return
	}
	evt := log.Info()
	if job.Status == models.JobFailed {
		evt = log.Error().Str("last_error", job.LastError)
	}
	evt.Str("job_id", job.ID).
		Str("job_type", string(job.Type)).
		Str("status", string(job.Status)).
		Int("retries", job.RetryCount).
		Msg("job finished")
}
