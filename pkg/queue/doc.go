// Package queue provides a backend-agnostic durable job queue with
// enqueue/claim/retry/complete semantics, cron-driven recurring schedules,
// crash recovery, idempotent enqueue with conditional replace, and
// push-based worker wakeup.
//
// The package is organised around four main components:
//
//   - Client: enqueues jobs, looks them up, and reports per-queue stats
//   - Worker: claims jobs and dispatches them to a user supplied handler
//     under a heartbeat-renewed lease with bounded concurrency
//   - Scheduler: converts persisted cron schedules into jobs at runtime
//   - Waitlist: in-process registry of idle workers awaiting notification
//     of new or due work, so workers don't have to busy-poll
//
// Components interact only through the Driver interface, keeping the business
// logic decoupled from persistence. Interchangeable drivers exist for
// PostgreSQL (pgqueue), SQLite (sqlitequeue), Redis (redisqueue), and an
// in-memory implementation in this package for tests and local development.
//
// # Ownership and fencing
//
// A claimed job is owned through a time-bounded lease. Every claim regenerates
// the job's lock token; complete/fail/retry mutations are conditional on that
// token, so a worker whose lease expired cannot finish a job that has since
// been reclaimed by someone else. Jobs abandoned by crashed workers become
// eligible for reclaim once their lease expires, identically to slow jobs.
//
// # Usage
//
//	drv := queue.NewMemoryDriver()
//	defer drv.Close()
//
//	client, _ := queue.NewClient(drv)
//	job, err := client.Enqueue(ctx, "emails", payload,
//	    queue.WithKey("welcome:42"),
//	    queue.WithMaxAttempts(5),
//	)
//
//	w, _ := queue.NewWorker(drv, "emails", func(ctx context.Context, job *queue.Job) error {
//	    // process job.Data
//	    return nil
//	}, queue.WithConcurrency(4))
//	_ = w.Start(ctx)
//	defer w.Stop()
//
// # Error Handling
//
// Package-level sentinel errors (e.g. ErrJobAlreadyActive, ErrScheduleNotFound)
// signal violations of business invariants and can be checked with errors.Is.
// Handlers classify their own failures by returning a *RateLimitError (delay
// without attempt cost) or a *RetryableError; any other error is treated as
// retryable until the job's attempts are exhausted.
package queue
