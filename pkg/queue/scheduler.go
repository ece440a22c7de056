package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/queuekit/pkg/logger"
)

// ScheduleSpec describes a recurring job template for Upsert. All fields
// overwrite the stored schedule; Upsert is a full replace by key.
type ScheduleSpec struct {
	// Key uniquely identifies the schedule and seeds the per-fire
	// idempotency key of enqueued jobs
	Key string
	// Queue is the target queue name
	Queue string
	// Cron is a standard 5-field cron expression (descriptors like
	// @hourly are accepted)
	Cron string
	// Data is the payload template enqueued on each fire
	Data any
	// Disabled creates the schedule switched off
	Disabled bool
	// RunLimit caps the number of fires; 0 means unlimited
	RunLimit int
	// EndDate disables the schedule once passed; nil means no end date
	EndDate *time.Time
	// Immediately makes the first fire happen on the next scheduler tick
	// instead of the next cron match
	Immediately bool
}

// Scheduler turns persisted cron schedules into jobs at runtime. Running
// several scheduler instances over the same store is safe: enqueue is
// idempotent per key, so concurrent fires of one schedule collapse into one
// job.
type Scheduler struct {
	drv      Driver
	client   *Client
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler on top of a driver
func NewScheduler(drv Driver, opts ...SchedulerOption) (*Scheduler, error) {
	if drv == nil {
		return nil, ErrDriverNil
	}

	options := &schedulerOptions{
		checkInterval: 30 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	client, err := NewClient(drv)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		drv:      drv,
		client:   client,
		interval: options.checkInterval,
		logger:   options.logger,
	}, nil
}

// Upsert creates or fully replaces a schedule by key. The cron expression
// is validated and the next run time computed before anything is stored.
func (s *Scheduler) Upsert(ctx context.Context, spec ScheduleSpec) (*Schedule, error) {
	if spec.Key == "" {
		return nil, fmt.Errorf("schedule key cannot be empty")
	}
	if spec.Queue == "" {
		spec.Queue = DefaultQueueName
	}

	now := time.Now()
	next, err := NextCronTime(spec.Cron, now)
	if err != nil {
		return nil, err
	}
	nextRunAt := next
	if spec.Immediately {
		nextRunAt = now
	}

	var data json.RawMessage
	if spec.Data != nil {
		raw, err := json.Marshal(spec.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPayloadMarshal, err)
		}
		data = raw
	}

	sched := &Schedule{
		Key:       spec.Key,
		Queue:     spec.Queue,
		Cron:      spec.Cron,
		Data:      data,
		Enabled:   !spec.Disabled,
		NextRunAt: &nextRunAt,
		RunLimit:  spec.RunLimit,
		EndDate:   spec.EndDate,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.drv.UpsertSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("failed to upsert schedule %q: %w", spec.Key, err)
	}

	s.logger.Info("schedule upserted",
		logger.ScheduleKey(sched.Key),
		logger.Queue(sched.Queue),
		slog.String("cron", sched.Cron),
		slog.Bool("enabled", sched.Enabled))

	return sched, nil
}

// Remove deletes a schedule, reporting whether it existed
func (s *Scheduler) Remove(ctx context.Context, key string) (bool, error) {
	return s.drv.RemoveSchedule(ctx, key)
}

// List returns all schedules, optionally filtered by target queue name
func (s *Scheduler) List(ctx context.Context, queueFilter string) ([]Schedule, error) {
	return s.drv.ListSchedules(ctx, queueFilter)
}

// SetEnabled flips a schedule on or off. Returns ErrScheduleNotFound when
// the key is unknown.
func (s *Scheduler) SetEnabled(ctx context.Context, key string, enabled bool) error {
	return s.drv.SetScheduleEnabled(ctx, key, enabled)
}

// Start begins the periodic due-schedule check in the background
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Check immediately on start
		s.checkSchedules(runCtx)

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.checkSchedules(runCtx)
			}
		}
	}()

	s.logger.Info("scheduler started", slog.Duration("check_interval", s.interval))
	return nil
}

// Stop halts the check loop
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not started")
	}
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}

// Run returns a function suitable for errgroup
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		if err := s.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return s.Stop()
	}
}

// checkSchedules fires every due schedule once
func (s *Scheduler) checkSchedules(ctx context.Context) {
	now := time.Now()
	due, err := s.drv.DueSchedules(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to list due schedules",
				logger.Error(err))
		}
		return
	}

	for i := range due {
		if err := s.fire(ctx, &due[i], now); err != nil {
			s.logger.Error("failed to fire schedule",
				logger.ScheduleKey(due[i].Key),
				logger.Error(err))
		}
	}
}

// fire enqueues the schedule's job and advances its run bookkeeping
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) error {
	if sched.Exhausted(now) {
		// Exhausted before firing (end date passed while waiting)
		return s.drv.UpdateScheduleRun(ctx, sched.Key, now, sched.NextRunAt, true)
	}

	// Embed the run count in the idempotency key so fires dedupe across
	// concurrent scheduler instances but never across distinct fires.
	jobKey := fmt.Sprintf("%s@%d", sched.Key, sched.RunCount)

	var payload any = sched.Data
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	if _, err := s.client.Enqueue(ctx, sched.Queue, payload, WithKey(jobKey), WithReplaceIfNotActive()); err != nil {
		if errors.Is(err, ErrJobAlreadyActive) {
			// Another scheduler instance fired this run first; skip quietly
			return nil
		}
		return err
	}

	next, err := NextCronTime(sched.Cron, now)
	var nextRunAt *time.Time
	if err == nil {
		nextRunAt = &next
	}

	fired := *sched
	fired.RunCount++
	fired.LastRunAt = &now
	disable := fired.Exhausted(now)

	if err := s.drv.UpdateScheduleRun(ctx, sched.Key, now, nextRunAt, disable); err != nil {
		return err
	}

	s.logger.Info("schedule fired",
		logger.ScheduleKey(sched.Key),
		logger.Queue(sched.Queue),
		slog.Int("run_count", fired.RunCount),
		slog.Bool("disabled", disable))

	return nil
}
