package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/queuekit/pkg/logger"
)

// HandlerFunc processes one claimed job. The job is a snapshot taken at
// claim time; a concurrent keyed re-enqueue never mutates this copy. Return
// nil to complete the job, a *RateLimitError to push it back without
// spending an attempt, or any other error to retry it under the job's
// backoff policy until attempts run out.
type HandlerFunc func(ctx context.Context, job *Job) error

// Worker runs bounded-concurrency claim-execute loops against one queue.
// Mutual exclusion between workers (and between slots within one worker) is
// enforced entirely by the driver's claim strategy, never by worker-side
// locking.
type Worker struct {
	drv      Driver
	queue    string
	handler  HandlerFunc
	workerID uuid.UUID

	concurrency       int
	pollInterval      time.Duration
	lockDuration      time.Duration
	heartbeatInterval time.Duration
	waitlist          *Waitlist
	logger            *slog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker creates a worker for one queue with one handler
func NewWorker(drv Driver, queueName string, handler HandlerFunc, opts ...WorkerOption) (*Worker, error) {
	if drv == nil {
		return nil, ErrDriverNil
	}
	if queueName == "" {
		return nil, ErrQueueEmptyName
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}

	options := &workerOptions{
		concurrency:       1,
		pollInterval:      5 * time.Second,
		lockDuration:      5 * time.Minute,
		heartbeatInterval: time.Minute,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		drv:               drv,
		queue:             queueName,
		handler:           handler,
		workerID:          uuid.New(),
		concurrency:       options.concurrency,
		pollInterval:      options.pollInterval,
		lockDuration:      options.lockDuration,
		heartbeatInterval: options.heartbeatInterval,
		waitlist:          options.waitlist,
		logger:            options.logger,
	}, nil
}

// ID returns the worker's identity, recorded as locked_by on claimed jobs
func (w *Worker) ID() uuid.UUID {
	return w.workerID
}

// Start launches the claim-execute loops in the background
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return fmt.Errorf("worker already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func(slot int) {
			defer w.wg.Done()
			w.runLoop(slot)
		}(i)
	}

	w.logger.Info("worker started",
		logger.WorkerID(w.workerID),
		logger.Queue(w.queue),
		slog.Int("concurrency", w.concurrency))

	return nil
}

// Stop signals all loops to finish their current handler invocation and not
// claim further, then waits for the drain. In-flight handlers are never
// interrupted.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return fmt.Errorf("worker not started")
	}
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.logger.Info("worker stopped",
		logger.WorkerID(w.workerID),
		logger.Queue(w.queue))

	return nil
}

// Run returns a function suitable for errgroup: it starts the worker and
// stops it when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

// runLoop is one claim-execute slot
func (w *Worker) runLoop(slot int) {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		job, err := w.drv.Claim(w.ctx, w.queue, w.workerID, w.lockDuration)
		if err != nil {
			if errors.Is(err, ErrNoJobToClaim) {
				w.idle()
				continue
			}
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to claim job",
				logger.WorkerID(w.workerID),
				logger.Queue(w.queue),
				slog.Int("slot", slot),
				logger.Error(err))
			w.idle()
			continue
		}

		w.logger.Debug("claimed job",
			logger.WorkerID(w.workerID),
			logger.JobID(job.ID),
			logger.Queue(job.Queue),
			logger.Attempt(job.Attempts))

		w.processJob(job)
	}
}

// idle blocks until new work is announced or the poll interval lapses
func (w *Worker) idle() {
	if w.waitlist != nil {
		w.waitlist.Wait(w.ctx, w.queue, w.workerID, w.pollInterval)
		return
	}

	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
	case <-timer.C:
	}
}

// processJob executes the handler under a heartbeat-renewed lease and
// classifies the outcome
func (w *Worker) processJob(job *Job) {
	if job.LockToken == nil {
		// A driver violating the claim contract; nothing can be fenced.
		w.logger.Error("claimed job has no lock token",
			logger.JobID(job.ID))
		return
	}
	token := *job.LockToken

	stopHeartbeat := w.startHeartbeat(job.ID, token)
	defer stopHeartbeat()

	start := time.Now()
	err := w.invokeHandler(job)
	duration := time.Since(start)

	// The handler must run to completion even when the worker is stopping,
	// so outcome mutations use a fresh context.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case err == nil:
		w.finish(ctx, job, duration, w.drv.Complete(ctx, job.ID, token), "completed")

	case isRateLimit(err):
		var rl *RateLimitError
		errors.As(err, &rl)
		w.logger.Info("job rate limited",
			logger.JobID(job.ID),
			slog.Duration("delay", rl.Delay))
		w.finish(ctx, job, duration, w.drv.Release(ctx, job.ID, token, rl.Delay), "released")

	case job.Attempts >= job.MaxAttempts:
		w.logger.Error("job failed permanently",
			logger.JobID(job.ID),
			logger.Attempt(job.Attempts),
			slog.Duration("duration", duration),
			logger.Error(err))
		w.finish(ctx, job, duration, w.drv.Fail(ctx, job.ID, token, err.Error(), errorDetails(err)), "failed")

	default:
		delay := NextRetryDelay(job.BackoffType, job.BackoffDelay(), job.Attempts, w.drv.Capabilities())
		nextRetryAt := time.Now().Add(delay)
		w.logger.Warn("job failed, scheduling retry",
			logger.JobID(job.ID),
			logger.Attempt(job.Attempts),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Time("next_retry_at", nextRetryAt),
			logger.Error(err))
		w.finish(ctx, job, duration, w.drv.Retry(ctx, job.ID, token, err.Error(), nextRetryAt), "retried")
	}
}

// finish reports the outcome mutation. A stale claim means the lease expired
// mid-flight and another worker owns the job now; that is logged, not
// escalated, because the reclaim path already guarantees the job survives.
func (w *Worker) finish(ctx context.Context, job *Job, duration time.Duration, err error, outcome string) {
	if err == nil {
		if outcome == "completed" {
			w.logger.Info("job completed",
				logger.WorkerID(w.workerID),
				logger.JobID(job.ID),
				logger.Queue(job.Queue),
				slog.Duration("duration", duration))
		}
		return
	}
	if errors.Is(err, ErrStaleClaim) {
		w.logger.Warn("job outcome discarded, claim is stale",
			logger.JobID(job.ID),
			slog.String("outcome", outcome))
		return
	}
	w.logger.Error("failed to record job outcome",
		logger.JobID(job.ID),
		slog.String("outcome", outcome),
		logger.Error(err))
}

// invokeHandler runs the user handler with panic recovery
func (w *Worker) invokeHandler(job *Job) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			w.logger.Error("handler panicked",
				logger.WorkerID(w.workerID),
				logger.JobID(job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	// Detached from the worker's lifecycle so Stop() lets the handler finish
	return w.handler(context.Background(), job)
}

// startHeartbeat extends the job's lease on an interval until the returned
// stop function is called
func (w *Worker) startHeartbeat(jobID, token uuid.UUID) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err := w.drv.ExtendLease(ctx, jobID, token, w.lockDuration)
				cancel()
				if err != nil {
					if errors.Is(err, ErrStaleClaim) {
						w.logger.Warn("heartbeat rejected, lease was lost",
							logger.JobID(jobID))
						return
					}
					w.logger.Error("failed to extend lease",
						logger.JobID(jobID),
						logger.Error(err))
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

func isRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// errorDetails serializes structured failure context for the job row
func errorDetails(err error) json.RawMessage {
	details, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return nil
	}
	return details
}
