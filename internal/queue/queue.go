package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lexrelay/internal/errors"
	"lexrelay/internal/metrics"
	"lexrelay/internal/models"
	"lexrelay/internal/retry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Storage is the durable backing the queue runtime needs. Implemented by
// the SQLite store.
type Storage interface {
	EnqueueJob(ctx context.Context, job *models.Job) error
	ClaimDueJobs(ctx context.Context, queue string, limit int) ([]*models.Job, error)
	RequeueActiveJobs(ctx context.Context, queue string) (int, error)
	CompleteJob(ctx context.Context, jobID string) error
	RescheduleJob(ctx context.Context, jobID string, attempts int, nextRunAt time.Time, lastError string) error
	MarkJobDead(ctx context.Context, jobID string, attempts int, lastError string) error
	PendingJobCount(ctx context.Context, queue string) (int, error)
}

// Handler processes one claimed job. A nil return completes the job; a
// retryable error re-enters backoff; anything else goes straight to the
// dead-letter state.
type Handler func(ctx context.Context, job *models.Job) error

// Options configures one queue.
type Options struct {
	Name         string
	MaxAttempts  int
	BackoffBase  time.Duration
	Concurrency  int
	PollInterval time.Duration
}

// Queue drains one durable job queue with a bounded worker pool. Jobs are
// claimed from the store, so a restart picks up where the previous process
// left off.
type Queue struct {
	storage Storage
	opts    Options
	handler Handler
	logger  *logrus.Logger
	backoff *retry.Backoff

	sem     chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a queue runtime. Start must be called before jobs are
// processed; Enqueue works either way.
func New(storage Storage, opts Options, handler Handler, logger *logrus.Logger) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	return &Queue{
		storage: storage,
		opts:    opts,
		handler: handler,
		logger:  logger,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: opts.BackoffBase,
			MaxDelay:     5 * time.Minute,
			Multiplier:   2.0,
			MaxAttempts:  opts.MaxAttempts,
			Jitter:       true,
		}),
		sem:    make(chan struct{}, opts.Concurrency),
		stopCh: make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.opts.Name
}

// Enqueue durably inserts a job carrying the JSON-marshalled payload.
func (q *Queue) Enqueue(ctx context.Context, name string, payload interface{}) (*models.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := &models.Job{
		ID:            uuid.NewString(),
		Queue:         q.opts.Name,
		Name:          name,
		Payload:       data,
		Status:        models.JobStatusPending,
		MaxAttempts:   q.opts.MaxAttempts,
		BackoffBaseMs: int(q.opts.BackoffBase / time.Millisecond),
		NextRunAt:     time.Now().UTC(),
	}

	if err := q.storage.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}

	metrics.IncrementCounter("queue_jobs_enqueued_total", map[string]string{
		"queue": q.opts.Name,
		"job":   name,
	}, "Jobs enqueued per queue")

	return job, nil
}

// Start begins draining the queue until ctx is cancelled or Stop is
// called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		q.logger.WithField("queue", q.opts.Name).Warn("Queue is already running")
		return
	}
	q.running = true
	q.mu.Unlock()

	// Jobs claimed by a previous run that never reached a terminal state
	// are still marked active; sweep them back to pending before the
	// dispatch loop starts so a crash cannot strand work.
	if n, err := q.storage.RequeueActiveJobs(ctx, q.opts.Name); err != nil {
		q.logger.WithError(err).WithField("queue", q.opts.Name).Error("Failed to requeue orphaned jobs")
	} else if n > 0 {
		q.logger.WithFields(logrus.Fields{
			"queue": q.opts.Name,
			"jobs":  n,
		}).Warn("Requeued jobs left active by a previous run")
	}

	q.wg.Add(1)
	go q.dispatchLoop(ctx)

	q.logger.WithFields(logrus.Fields{
		"queue":        q.opts.Name,
		"concurrency":  q.opts.Concurrency,
		"max_attempts": q.opts.MaxAttempts,
	}).Info("Queue started")
}

// Stop halts dispatching and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.WithField("queue", q.opts.Name).Info("Queue stopped")
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.drainDue(ctx)
		}
	}
}

// drainDue claims as many due jobs as there are free worker slots and
// hands them to the pool.
func (q *Queue) drainDue(ctx context.Context) {
	free := q.opts.Concurrency - len(q.sem)
	if free <= 0 {
		return
	}

	jobs, err := q.storage.ClaimDueJobs(ctx, q.opts.Name, free)
	if err != nil {
		q.logger.WithError(err).WithField("queue", q.opts.Name).Error("Failed to claim due jobs")
		return
	}

	if depth, err := q.storage.PendingJobCount(ctx, q.opts.Name); err == nil {
		metrics.SetGauge("queue_depth", float64(depth), map[string]string{
			"queue": q.opts.Name,
		}, "Pending jobs per queue")
	}

	for _, job := range jobs {
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		}

		q.wg.Add(1)
		go func(job *models.Job) {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			q.process(ctx, job)
		}(job)
	}
}

// ProcessOne runs a single claimed job through the full attempt/backoff
// bookkeeping. Exposed for the dispatch loop and for tests.
func (q *Queue) ProcessOne(ctx context.Context, job *models.Job) {
	q.process(ctx, job)
}

func (q *Queue) process(ctx context.Context, job *models.Job) {
	start := time.Now()
	err := q.handler(ctx, job)
	duration := time.Since(start)

	metrics.RecordTimer("queue_job_duration", duration, map[string]string{
		"queue": q.opts.Name,
		"job":   job.Name,
	}, "Job processing duration")

	if err == nil {
		if completeErr := q.storage.CompleteJob(ctx, job.ID); completeErr != nil {
			q.logger.WithError(completeErr).WithField("job_id", job.ID).Error("Failed to mark job completed")
		}
		metrics.IncrementCounter("queue_jobs_completed_total", map[string]string{
			"queue": q.opts.Name,
			"job":   job.Name,
		}, "Jobs completed per queue")
		return
	}

	attempts := job.Attempts + 1

	if !errors.IsRetryable(err) || attempts >= job.MaxAttempts {
		q.markDead(ctx, job, attempts, err)
		return
	}

	delay := q.backoff.NextDelay(attempts)
	nextRunAt := time.Now().UTC().Add(delay)

	q.logger.WithFields(logrus.Fields{
		"queue":    q.opts.Name,
		"job_id":   job.ID,
		"job":      job.Name,
		"attempts": attempts,
		"delay_ms": delay.Milliseconds(),
	}).WithError(err).Warn("Job failed, scheduling retry")

	if rescheduleErr := q.storage.RescheduleJob(ctx, job.ID, attempts, nextRunAt, err.Error()); rescheduleErr != nil {
		q.logger.WithError(rescheduleErr).WithField("job_id", job.ID).Error("Failed to reschedule job")
	}

	metrics.IncrementCounter("queue_jobs_retried_total", map[string]string{
		"queue": q.opts.Name,
		"job":   job.Name,
	}, "Job retries per queue")
}

// markDead records the terminal failure. The dead row plus the counter is
// the observable attempts-exhausted path.
func (q *Queue) markDead(ctx context.Context, job *models.Job, attempts int, cause error) {
	q.logger.WithFields(logrus.Fields{
		"queue":    q.opts.Name,
		"job_id":   job.ID,
		"job":      job.Name,
		"attempts": attempts,
		"code":     string(errors.GetCode(cause)),
	}).WithError(cause).Error("Job moved to dead-letter state")

	if deadErr := q.storage.MarkJobDead(ctx, job.ID, attempts, cause.Error()); deadErr != nil {
		q.logger.WithError(deadErr).WithField("job_id", job.ID).Error("Failed to mark job dead")
	}

	metrics.IncrementCounter("queue_jobs_dead_total", map[string]string{
		"queue": q.opts.Name,
		"job":   job.Name,
	}, "Jobs moved to the dead-letter state")
}
