package queue

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	// ErrDriverNil is returned when a nil driver is provided
	ErrDriverNil = errors.New("driver cannot be nil")

	// ErrHandlerNil is returned when a worker is constructed without a handler
	ErrHandlerNil = errors.New("handler cannot be nil")

	// ErrQueueEmptyName is returned when an empty queue name is provided
	ErrQueueEmptyName = errors.New("queue name cannot be empty")

	// ErrPayloadNil is returned when attempting to enqueue a nil payload
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrPayloadMarshal is returned when payload marshaling fails
	ErrPayloadMarshal = errors.New("failed to marshal payload to JSON")

	// ErrJobAlreadyActive is the sentinel matched by JobAlreadyActiveError
	ErrJobAlreadyActive = errors.New("job with this key is already active")

	// ErrNoJobToClaim signals an empty claim; it is normal and never logged as an error
	ErrNoJobToClaim = errors.New("no job available to claim")

	// ErrStaleClaim is returned when a complete/fail/retry mutation carries a
	// lock token that no longer matches the job row. The job has been
	// reclaimed by another worker after this one lost its lease.
	ErrStaleClaim = errors.New("lock token does not match, claim is stale")

	// ErrJobNotFound is returned when a job id or key resolves to nothing
	ErrJobNotFound = errors.New("job not found")

	// ErrScheduleNotFound is returned when a schedule key resolves to nothing
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidCron is returned when a cron expression fails to parse
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrClosed is returned when an operation is attempted on a closed component
	ErrClosed = errors.New("queue is closed")
)

// JobAlreadyActiveError is returned by Enqueue with ReplaceIfNotActive when
// the key maps to a job that is processing under a live lease. Callers are
// expected to catch it with errors.As (or errors.Is against
// ErrJobAlreadyActive) and treat it as a no-op, not a crash condition.
type JobAlreadyActiveError struct {
	Queue string
	Key   string
}

func (e *JobAlreadyActiveError) Error() string {
	return fmt.Sprintf("job with key %q is already active in queue %q", e.Key, e.Queue)
}

func (e *JobAlreadyActiveError) Is(target error) bool {
	return target == ErrJobAlreadyActive
}

// RateLimitError is thrown by handlers to push a job back by Delay without
// spending an attempt. Rate limiting is "free" retry-wise.
type RateLimitError struct {
	Delay time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Delay)
}

// NewRateLimitError creates a RateLimitError with the given delay
func NewRateLimitError(delay time.Duration) *RateLimitError {
	return &RateLimitError{Delay: delay}
}

// RetryableError marks a handler failure as explicitly retryable. Unwrapped
// generic errors are treated the same way; the type exists so callers can
// annotate intent and wrap a cause.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return "retryable error"
	}
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as retryable
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}
