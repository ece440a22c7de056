package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is the queue name used when no queue is specified
const DefaultQueueName = "default"

// Status represents the lifecycle state of a job
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusRetryPending Status = "retry_pending"
)

// Terminal reports whether the status is final. Terminal jobs are never
// claimed again; enqueueing their key creates a brand-new job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BackoffType selects the delay policy applied before a retried job becomes
// eligible again.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
)

// Valid checks if the backoff type is one of the supported policies
func (b BackoffType) Valid() bool {
	return b == BackoffFixed || b == BackoffExponential || b == BackoffLinear
}

// ReplacePolicy controls what Enqueue does when the idempotency key already
// maps to a job that is actively processing under a live lease.
type ReplacePolicy string

const (
	// ReplaceAlways blindly overwrites the existing row. The running
	// handler's in-memory copy is not disturbed; its later completion is
	// rejected by the fencing token. Backward-compatible default.
	ReplaceAlways ReplacePolicy = ""

	// ReplaceIfNotActive fails with a JobAlreadyActiveError instead of
	// touching a job whose lease has not expired.
	ReplaceIfNotActive ReplacePolicy = "if_not_active"
)

// Job is the unit of work. It is the single source of truth for a job's
// state; workers never cache job state across claim attempts.
type Job struct {
	ID    uuid.UUID       `json:"id"`
	Queue string          `json:"queue"`
	Key   string          `json:"key,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	Status       Status    `json:"status"`
	Priority     int       `json:"priority"`
	ScheduledFor time.Time `json:"scheduled_for"`

	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
	Backoff     int64       `json:"backoff_ms"`
	BackoffType BackoffType `json:"backoff_type"`

	LockedBy  *uuid.UUID `json:"locked_by,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LockToken *uuid.UUID `json:"lock_token,omitempty"`

	ErrorMessage *string         `json:"error_message,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`

	Stages          []string        `json:"stages,omitempty"`
	CurrentStage    string          `json:"current_stage,omitempty"`
	OverallProgress float64         `json:"overall_progress,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BackoffDelay returns the base retry interval configured for the job
func (j *Job) BackoffDelay() time.Duration {
	return time.Duration(j.Backoff) * time.Millisecond
}

// LeaseExpired reports whether the job's lease has lapsed relative to now.
// Jobs without a lease deadline are treated as expired.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.ExpiresAt == nil || j.ExpiresAt.Before(now)
}

// Schedule is a recurring job template persisted by the driver.
type Schedule struct {
	Key     string          `json:"key"`
	Queue   string          `json:"queue"`
	Cron    string          `json:"cron"`
	Data    json.RawMessage `json:"data,omitempty"`
	Enabled bool            `json:"enabled"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	RunLimit  int        `json:"run_limit"`
	RunCount  int        `json:"run_count"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exhausted reports whether the schedule hit its run limit or end date and
// must auto-disable. Disabled schedules never enqueue.
func (s *Schedule) Exhausted(now time.Time) bool {
	if s.RunLimit > 0 && s.RunCount >= s.RunLimit {
		return true
	}
	if s.EndDate != nil && now.After(*s.EndDate) {
		return true
	}
	return false
}

// Stats holds per-queue job counts broken down by status
type Stats struct {
	Queue        string `json:"queue"`
	Pending      int64  `json:"pending"`
	Processing   int64  `json:"processing"`
	Completed    int64  `json:"completed"`
	Failed       int64  `json:"failed"`
	RetryPending int64  `json:"retry_pending"`
}

// Total returns the number of jobs across all statuses
func (s Stats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.RetryPending
}
