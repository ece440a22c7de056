package queue

import (
	"encoding/json"
	"time"
)

// ClientOption is a functional option for configuring a Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	defaultQueue       string
	defaultMaxAttempts int
	defaultBackoff     time.Duration
	defaultBackoffType BackoffType
}

// WithDefaultQueue sets the queue used when Enqueue gets an empty queue name
func WithDefaultQueue(queue string) ClientOption {
	return func(o *clientOptions) {
		if queue != "" {
			o.defaultQueue = queue
		}
	}
}

// WithDefaultMaxAttempts sets the default attempt budget for new jobs
func WithDefaultMaxAttempts(n int) ClientOption {
	return func(o *clientOptions) {
		if n > 0 {
			o.defaultMaxAttempts = n
		}
	}
}

// WithDefaultBackoff sets the default backoff policy for new jobs
func WithDefaultBackoff(delay time.Duration, typ BackoffType) ClientOption {
	return func(o *clientOptions) {
		if delay > 0 && typ.Valid() {
			o.defaultBackoff = delay
			o.defaultBackoffType = typ
		}
	}
}

// EnqueueOption is a functional option for the Enqueue method
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	key         string
	priority    int
	delay       time.Duration
	scheduledAt *time.Time
	maxAttempts int
	backoff     time.Duration
	backoffType BackoffType
	replace     ReplacePolicy
	stages      []string
	metadata    json.RawMessage
}

// WithKey sets the idempotency key, scoping at-most-one-active-job-per-key
// within the queue
func WithKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.key = key
	}
}

// WithPriority sets the job priority; higher runs first
func WithPriority(priority int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// WithDelay makes the job eligible no earlier than delay from now
func WithDelay(delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if delay > 0 {
			o.delay = delay
		}
	}
}

// WithScheduledAt sets an absolute eligibility time, overriding WithDelay
func WithScheduledAt(at time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduledAt = &at
	}
}

// WithMaxAttempts sets the attempt budget for the job
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry delay policy for the job
func WithBackoff(delay time.Duration, typ BackoffType) EnqueueOption {
	return func(o *enqueueOptions) {
		if delay > 0 && typ.Valid() {
			o.backoff = delay
			o.backoffType = typ
		}
	}
}

// WithReplaceIfNotActive makes a keyed enqueue fail with a
// JobAlreadyActiveError instead of overwriting a job that is processing
// under a live lease
func WithReplaceIfNotActive() EnqueueOption {
	return func(o *enqueueOptions) {
		o.replace = ReplaceIfNotActive
	}
}

// WithStages declares the named stages of a multi-stage job
func WithStages(stages ...string) EnqueueOption {
	return func(o *enqueueOptions) {
		if len(stages) > 0 {
			o.stages = stages
		}
	}
}

// WithMetadata attaches opaque caller metadata to the job
func WithMetadata(metadata json.RawMessage) EnqueueOption {
	return func(o *enqueueOptions) {
		o.metadata = metadata
	}
}
