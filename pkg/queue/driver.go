package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Driver encapsulates all persistence concerns of the queue. One
// implementation exists per backend; the implementation is selected once at
// startup (see the backend package), never at call sites.
//
// All lease mutations (ExtendLease, Complete, Retry, Release, Fail) are
// fenced: they take the lock token the worker received at claim time and
// must return ErrStaleClaim if it no longer matches the job row. Drivers
// implement this as a conditional update, not an application-level
// compare-then-set.
type Driver interface {
	// Enqueue inserts or, when the job carries an idempotency key that maps
	// to an existing row, merges/supersedes according to the key semantics:
	// non-terminal rows are updated in place (status reset to pending,
	// attempts reset to 0, same id); terminal rows are left for history and
	// a brand-new row is created. With ReplaceIfNotActive a live processing
	// row makes the call fail with a JobAlreadyActiveError.
	Enqueue(ctx context.Context, job *Job, policy ReplacePolicy) (*Job, error)

	// GetJob resolves a job by id or by idempotency key, nil if absent
	GetJob(ctx context.Context, idOrKey string) (*Job, error)

	// Stats returns job counts by status for one queue
	Stats(ctx context.Context, queue string) (Stats, error)

	// Claim atomically selects and locks the next eligible job, or returns
	// ErrNoJobToClaim. Selection order on every backend: expired-lease
	// processing jobs first (priority-ordered, for recovery), else pending
	// and retry_pending jobs eligible now, ordered priority DESC,
	// created_at ASC. Claim regenerates the lock token and increments
	// attempts unconditionally, including on recovery claims.
	Claim(ctx context.Context, queue string, workerID uuid.UUID, lockFor time.Duration) (*Job, error)

	// ExtendLease pushes the lease deadline forward while a handler runs
	ExtendLease(ctx context.Context, jobID, lockToken uuid.UUID, lockFor time.Duration) error

	// Complete marks the job completed and records the completion time
	Complete(ctx context.Context, jobID, lockToken uuid.UUID) error

	// Retry transitions the job to retry_pending, eligible again at nextRetryAt
	Retry(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, nextRetryAt time.Time) error

	// Release reverts the job to pending delayed by delay, refunding the
	// attempt the claim pre-charged. Used for rate-limited handlers.
	Release(ctx context.Context, jobID, lockToken uuid.UUID, delay time.Duration) error

	// Fail marks the job permanently failed and records the error
	Fail(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, details json.RawMessage) error

	// NextScheduledAt returns the earliest future time at which delayed or
	// scheduled work becomes due on the queue, nil when there is none.
	// Used by the waitlist to arm wakeup timers.
	NextScheduledAt(ctx context.Context, queue string) (*time.Time, error)

	// UpsertSchedule creates or fully replaces a schedule by key
	UpsertSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule returns a schedule by key, nil if absent
	GetSchedule(ctx context.Context, key string) (*Schedule, error)

	// ListSchedules returns all schedules, optionally filtered by queue name
	ListSchedules(ctx context.Context, queue string) ([]Schedule, error)

	// RemoveSchedule deletes a schedule, reporting whether it existed
	RemoveSchedule(ctx context.Context, key string) (bool, error)

	// SetScheduleEnabled flips the enabled flag, ErrScheduleNotFound if absent
	SetScheduleEnabled(ctx context.Context, key string, enabled bool) error

	// DueSchedules returns enabled schedules whose next run is at or before now
	DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)

	// UpdateScheduleRun records a fire: bumps run count, sets last/next run
	// times, and optionally disables the schedule.
	UpdateScheduleRun(ctx context.Context, key string, lastRunAt time.Time, nextRunAt *time.Time, disable bool) error

	// Capabilities describes backend-specific behavior drift callers must
	// account for
	Capabilities() Capabilities

	// Close releases underlying connections
	Close() error
}

// Capabilities describes what a driver can faithfully represent. The worker
// consults it to degrade gracefully instead of silently misbehaving.
type Capabilities struct {
	// LinearBackoff is false on drivers that collapse linear backoff to
	// fixed (the Redis driver). The worker then computes linear delays as
	// fixed, preserving the documented limitation.
	LinearBackoff bool

	// RetryStateVisible is false on drivers that cannot persist a visible
	// retry_pending status between attempts (the Redis driver approximates
	// it as a delayed pending job).
	RetryStateVisible bool

	// NativeNotify is true when the driver ships its own push listener
	// (Postgres LISTEN/NOTIFY, Redis pub/sub)
	NativeNotify bool
}

// Notifier is implemented by drivers that can push enqueue notifications to
// idle workers. The returned listener feeds a Waitlist via Bind.
type Notifier interface {
	Listener() Listener
}
