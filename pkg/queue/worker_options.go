package queue

import (
	"log/slog"
	"time"
)

// WorkerOption is a functional option for configuring a worker
type WorkerOption func(*workerOptions)

type workerOptions struct {
	concurrency       int
	pollInterval      time.Duration
	lockDuration      time.Duration
	heartbeatInterval time.Duration
	waitlist          *Waitlist
	logger            *slog.Logger
}

// WithConcurrency sets how many claim-execute loops the worker runs
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle loop waits before re-checking for
// claimable jobs; with a waitlist attached it becomes the wait timeout
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLockDuration sets the lease duration applied on claim and on each
// heartbeat renewal
func WithLockDuration(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lockDuration = d
		}
	}
}

// WithHeartbeatInterval sets how often a running job's lease is renewed.
// It should be well below the lock duration.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithWaitlist attaches a waitlist so idle loops block on notifications
// instead of sleeping the full poll interval
func WithWaitlist(wl *Waitlist) WorkerOption {
	return func(o *workerOptions) {
		o.waitlist = wl
	}
}

// WithWorkerLogger sets the logger for the worker
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
