package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client enqueues jobs and inspects queue state. It is safe for concurrent
// use; one instance per process is the expected deployment.
type Client struct {
	drv             Driver
	defaultQueue    string
	defaultAttempts int
	defaultBackoff  time.Duration
	defaultBackoffT BackoffType
}

// NewClient creates a queue client on top of a driver
func NewClient(drv Driver, opts ...ClientOption) (*Client, error) {
	if drv == nil {
		return nil, ErrDriverNil
	}

	options := &clientOptions{
		defaultQueue:       DefaultQueueName,
		defaultMaxAttempts: 3,
		defaultBackoff:     30 * time.Second,
		defaultBackoffType: BackoffExponential,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Client{
		drv:             drv,
		defaultQueue:    options.defaultQueue,
		defaultAttempts: options.defaultMaxAttempts,
		defaultBackoff:  options.defaultBackoff,
		defaultBackoffT: options.defaultBackoffType,
	}, nil
}

// Enqueue adds a job to the queue and returns the persisted row.
//
// When WithKey is used the call is idempotent: an existing non-terminal job
// with the same (queue, key) is updated in place and its id is returned; a
// terminal one stays for history and a brand-new job is created. Combined
// with WithReplaceIfNotActive the call fails with a JobAlreadyActiveError
// while the keyed job is processing under a live lease.
func (c *Client) Enqueue(ctx context.Context, queueName string, payload any, opts ...EnqueueOption) (*Job, error) {
	if queueName == "" {
		queueName = c.defaultQueue
	}
	if payload == nil {
		return nil, ErrPayloadNil
	}

	options := &enqueueOptions{
		maxAttempts: c.defaultAttempts,
		backoff:     c.defaultBackoff,
		backoffType: c.defaultBackoffT,
	}
	for _, opt := range opts {
		opt(options)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadMarshal, err)
	}

	now := time.Now()
	scheduledFor := now
	if options.scheduledAt != nil {
		scheduledFor = *options.scheduledAt
	} else if options.delay > 0 {
		scheduledFor = now.Add(options.delay)
	}

	job := &Job{
		ID:           uuid.New(),
		Queue:        queueName,
		Key:          options.key,
		Data:         data,
		Status:       StatusPending,
		Priority:     options.priority,
		ScheduledFor: scheduledFor,
		MaxAttempts:  options.maxAttempts,
		Backoff:      options.backoff.Milliseconds(),
		BackoffType:  options.backoffType,
		Stages:       options.stages,
		Metadata:     options.metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	stored, err := c.drv.Enqueue(ctx, job, options.replace)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job in queue %q: %w", queueName, err)
	}
	return stored, nil
}

// GetJob resolves a job by id or idempotency key. Returns nil, nil when no
// job matches.
func (c *Client) GetJob(ctx context.Context, idOrKey string) (*Job, error) {
	return c.drv.GetJob(ctx, idOrKey)
}

// Stats returns job counts by status for the given queue
func (c *Client) Stats(ctx context.Context, queueName string) (Stats, error) {
	if queueName == "" {
		queueName = c.defaultQueue
	}
	return c.drv.Stats(ctx, queueName)
}

// Close releases the underlying driver's connections
func (c *Client) Close() error {
	return c.drv.Close()
}
