package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryDriver implements Driver entirely in process memory. It backs tests
// and local development, and doubles as the reference implementation of the
// claim/lease/fencing semantics the SQL and Redis drivers must match.
type MemoryDriver struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*Job
	keyIndex  map[string]uuid.UUID // queue+key -> latest job for that key
	schedules map[string]*Schedule
	seq       map[uuid.UUID]uint64 // claim tie-break beyond created_at
	nextSeq   uint64
	closed    bool

	listener *InProcessListener

	sweepTicker *time.Ticker
	done        chan struct{}
}

// NewMemoryDriver creates an in-memory driver
func NewMemoryDriver() *MemoryDriver {
	d := &MemoryDriver{
		jobs:      make(map[uuid.UUID]*Job),
		keyIndex:  make(map[string]uuid.UUID),
		schedules: make(map[string]*Schedule),
		seq:       make(map[uuid.UUID]uint64),
		listener:  NewInProcessListener(),
		done:      make(chan struct{}),
	}

	// Background sweep recovers work abandoned by crashed workers: expired
	// exhausted jobs become failed, expired reclaimable jobs wake a waiter.
	d.sweepTicker = time.NewTicker(time.Second)
	go d.sweepLoop()

	return d
}

// Listener implements Notifier; every enqueue notifies the job's queue
func (d *MemoryDriver) Listener() Listener {
	return d.listener
}

// Capabilities implements Driver
func (d *MemoryDriver) Capabilities() Capabilities {
	return Capabilities{
		LinearBackoff:     true,
		RetryStateVisible: true,
		NativeNotify:      true,
	}
}

// Close stops the background sweep and drops all state
func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.sweepTicker.Stop()
	return d.listener.Close()
}

// Enqueue implements Driver
func (d *MemoryDriver) Enqueue(ctx context.Context, job *Job, policy ReplacePolicy) (*Job, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}

	now := time.Now()

	if job.Key != "" {
		if existingID, ok := d.keyIndex[keyIndexKey(job.Queue, job.Key)]; ok {
			existing := d.jobs[existingID]
			if existing != nil && !existing.Status.Terminal() {
				if existing.Status == StatusProcessing && !existing.LeaseExpired(now) && policy == ReplaceIfNotActive {
					d.mu.Unlock()
					return nil, &JobAlreadyActiveError{Queue: job.Queue, Key: job.Key}
				}
				// Overwrite in place: payload and options replaced, status
				// reset to pending, attempts reset, lease cleared so a
				// still-running handler's completion is fenced out.
				updated := d.overwriteLocked(existing, job, now)
				d.mu.Unlock()
				d.listener.Notify(updated.Queue)
				return updated, nil
			}
			// Terminal row stays for history; fall through to a new insert
		}
	}

	inserted := cloneJob(job)
	inserted.Status = StatusPending
	inserted.Attempts = 0
	inserted.CreatedAt = now
	inserted.UpdatedAt = now
	d.jobs[inserted.ID] = inserted
	d.seq[inserted.ID] = d.nextSeq
	d.nextSeq++
	if inserted.Key != "" {
		d.keyIndex[keyIndexKey(inserted.Queue, inserted.Key)] = inserted.ID
	}
	out := cloneJob(inserted)
	d.mu.Unlock()

	d.listener.Notify(out.Queue)
	return out, nil
}

// overwriteLocked applies a keyed re-enqueue onto an existing non-terminal row
func (d *MemoryDriver) overwriteLocked(existing, incoming *Job, now time.Time) *Job {
	existing.Data = incoming.Data
	existing.Priority = incoming.Priority
	existing.ScheduledFor = incoming.ScheduledFor
	existing.MaxAttempts = incoming.MaxAttempts
	existing.Backoff = incoming.Backoff
	existing.BackoffType = incoming.BackoffType
	existing.Stages = incoming.Stages
	existing.Metadata = incoming.Metadata
	existing.Status = StatusPending
	existing.Attempts = 0
	existing.NextRetryAt = nil
	existing.LockedBy = nil
	existing.LockedAt = nil
	existing.ExpiresAt = nil
	existing.LockToken = nil
	existing.ErrorMessage = nil
	existing.ErrorDetails = nil
	existing.UpdatedAt = now
	return cloneJob(existing)
}

// GetJob implements Driver
func (d *MemoryDriver) GetJob(ctx context.Context, idOrKey string) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, err := uuid.Parse(idOrKey); err == nil {
		if job, ok := d.jobs[id]; ok {
			return cloneJob(job), nil
		}
		return nil, nil
	}

	// Key lookup: prefer the live row, fall back to the latest historical one
	var latest *Job
	for _, job := range d.jobs {
		if job.Key != idOrKey {
			continue
		}
		if !job.Status.Terminal() {
			return cloneJob(job), nil
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest != nil {
		return cloneJob(latest), nil
	}
	return nil, nil
}

// Stats implements Driver
func (d *MemoryDriver) Stats(ctx context.Context, queue string) (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{Queue: queue}
	for _, job := range d.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusRetryPending:
			stats.RetryPending++
		}
	}
	return stats, nil
}

// Claim implements Driver. Expired-lease processing jobs are offered first
// for recovery, then pending/retry_pending jobs eligible now, ordered by
// priority DESC then enqueue order.
func (d *MemoryDriver) Claim(ctx context.Context, queue string, workerID uuid.UUID, lockFor time.Duration) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	d.failExhaustedLocked(queue, now)

	best := d.pickLocked(queue, now, true)
	if best == nil {
		best = d.pickLocked(queue, now, false)
	}
	if best == nil {
		return nil, ErrNoJobToClaim
	}

	token := uuid.New()
	lockedAt := now
	expiresAt := now.Add(lockFor)
	best.Status = StatusProcessing
	best.Attempts++
	best.LockedBy = &workerID
	best.LockedAt = &lockedAt
	best.ExpiresAt = &expiresAt
	best.LockToken = &token
	best.UpdatedAt = now

	return cloneJob(best), nil
}

// pickLocked selects the highest-priority eligible job, FIFO within a
// priority tier. recovery selects expired processing jobs, otherwise fresh
// pending/retry_pending ones.
func (d *MemoryDriver) pickLocked(queue string, now time.Time, recovery bool) *Job {
	var candidates []*Job
	for _, job := range d.jobs {
		if job.Queue != queue {
			continue
		}
		if recovery {
			if job.Status == StatusProcessing && job.LeaseExpired(now) && job.Attempts < job.MaxAttempts {
				candidates = append(candidates, job)
			}
			continue
		}
		switch job.Status {
		case StatusPending:
			if !job.ScheduledFor.After(now) {
				candidates = append(candidates, job)
			}
		case StatusRetryPending:
			if job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
				candidates = append(candidates, job)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return d.seq[a.ID] < d.seq[b.ID]
	})
	return candidates[0]
}

// failExhaustedLocked sweeps expired processing jobs that have no attempts
// left into the terminal failed state
func (d *MemoryDriver) failExhaustedLocked(queue string, now time.Time) {
	for _, job := range d.jobs {
		if job.Queue != queue || job.Status != StatusProcessing {
			continue
		}
		if job.LeaseExpired(now) && job.Attempts >= job.MaxAttempts {
			msg := "lease expired with no attempts left"
			if job.ErrorMessage != nil {
				msg = *job.ErrorMessage
			}
			job.Status = StatusFailed
			job.ErrorMessage = &msg
			job.LockedBy = nil
			job.LockedAt = nil
			job.ExpiresAt = nil
			job.LockToken = nil
			job.UpdatedAt = now
		}
	}
}

// ExtendLease implements Driver
func (d *MemoryDriver) ExtendLease(ctx context.Context, jobID, lockToken uuid.UUID, lockFor time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, err := d.fencedLocked(jobID, lockToken)
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(lockFor)
	job.ExpiresAt = &expiresAt
	job.UpdatedAt = time.Now()
	return nil
}

// Complete implements Driver
func (d *MemoryDriver) Complete(ctx context.Context, jobID, lockToken uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, err := d.fencedLocked(jobID, lockToken)
	if err != nil {
		return err
	}
	now := time.Now()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	job.OverallProgress = 100
	d.clearLeaseLocked(job, now)
	return nil
}

// Retry implements Driver
func (d *MemoryDriver) Retry(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, err := d.fencedLocked(jobID, lockToken)
	if err != nil {
		return err
	}
	now := time.Now()
	job.Status = StatusRetryPending
	job.NextRetryAt = &nextRetryAt
	job.ErrorMessage = &errMsg
	d.clearLeaseLocked(job, now)
	return nil
}

// Release implements Driver: back to pending with the claim's attempt
// increment refunded. Rate limiting costs nothing.
func (d *MemoryDriver) Release(ctx context.Context, jobID, lockToken uuid.UUID, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, err := d.fencedLocked(jobID, lockToken)
	if err != nil {
		return err
	}
	now := time.Now()
	job.Status = StatusPending
	job.ScheduledFor = now.Add(delay)
	if job.Attempts > 0 {
		job.Attempts--
	}
	d.clearLeaseLocked(job, now)
	return nil
}

// Fail implements Driver
func (d *MemoryDriver) Fail(ctx context.Context, jobID, lockToken uuid.UUID, errMsg string, details json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, err := d.fencedLocked(jobID, lockToken)
	if err != nil {
		return err
	}
	now := time.Now()
	job.Status = StatusFailed
	job.ErrorMessage = &errMsg
	job.ErrorDetails = details
	d.clearLeaseLocked(job, now)
	return nil
}

// NextScheduledAt implements Driver
func (d *MemoryDriver) NextScheduledAt(ctx context.Context, queue string) (*time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var earliest *time.Time
	consider := func(t time.Time) {
		if !t.After(now) {
			return
		}
		if earliest == nil || t.Before(*earliest) {
			tt := t
			earliest = &tt
		}
	}

	for _, job := range d.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.Status {
		case StatusPending:
			consider(job.ScheduledFor)
		case StatusRetryPending:
			if job.NextRetryAt != nil {
				consider(*job.NextRetryAt)
			}
		}
	}
	for _, sched := range d.schedules {
		if sched.Queue == queue && sched.Enabled && sched.NextRunAt != nil {
			consider(*sched.NextRunAt)
		}
	}
	return earliest, nil
}

// UpsertSchedule implements Driver
func (d *MemoryDriver) UpsertSchedule(ctx context.Context, s *Schedule) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := *s
	if existing, ok := d.schedules[s.Key]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	stored.UpdatedAt = time.Now()
	d.schedules[s.Key] = &stored
	return nil
}

// GetSchedule implements Driver
func (d *MemoryDriver) GetSchedule(ctx context.Context, key string) (*Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.schedules[key]; ok {
		out := *s
		return &out, nil
	}
	return nil, nil
}

// ListSchedules implements Driver
func (d *MemoryDriver) ListSchedules(ctx context.Context, queue string) ([]Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Schedule
	for _, s := range d.schedules {
		if queue == "" || s.Queue == queue {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// RemoveSchedule implements Driver
func (d *MemoryDriver) RemoveSchedule(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.schedules[key]; !ok {
		return false, nil
	}
	delete(d.schedules, key)
	return true, nil
}

// SetScheduleEnabled implements Driver
func (d *MemoryDriver) SetScheduleEnabled(ctx context.Context, key string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.schedules[key]
	if !ok {
		return ErrScheduleNotFound
	}
	s.Enabled = enabled
	s.UpdatedAt = time.Now()
	return nil
}

// DueSchedules implements Driver
func (d *MemoryDriver) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Schedule
	for _, s := range d.schedules {
		if s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// UpdateScheduleRun implements Driver
func (d *MemoryDriver) UpdateScheduleRun(ctx context.Context, key string, lastRunAt time.Time, nextRunAt *time.Time, disable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.schedules[key]
	if !ok {
		return ErrScheduleNotFound
	}
	s.RunCount++
	s.LastRunAt = &lastRunAt
	s.NextRunAt = nextRunAt
	if disable {
		s.Enabled = false
	}
	s.UpdatedAt = time.Now()
	return nil
}

// fencedLocked resolves a job and checks the caller's lock token against it
func (d *MemoryDriver) fencedLocked(jobID, lockToken uuid.UUID) (*Job, error) {
	job, ok := d.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != StatusProcessing || job.LockToken == nil || *job.LockToken != lockToken {
		return nil, ErrStaleClaim
	}
	return job, nil
}

// clearLeaseLocked drops ownership fields after an outcome transition
func (d *MemoryDriver) clearLeaseLocked(job *Job, now time.Time) {
	job.LockedBy = nil
	job.LockedAt = nil
	job.ExpiresAt = nil
	job.LockToken = nil
	job.UpdatedAt = now
}

// sweepLoop periodically recovers abandoned work, mirroring what the claim
// path does so queues make progress even while no worker is claiming
func (d *MemoryDriver) sweepLoop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.sweepTicker.C:
			d.sweep()
		}
	}
}

func (d *MemoryDriver) sweep() {
	d.mu.Lock()
	now := time.Now()
	reclaimable := make(map[string]bool)
	for _, job := range d.jobs {
		if job.Status == StatusProcessing && job.LeaseExpired(now) {
			if job.Attempts >= job.MaxAttempts {
				d.failExhaustedLocked(job.Queue, now)
			} else {
				reclaimable[job.Queue] = true
			}
		}
	}
	d.mu.Unlock()

	// Wake an idle worker per queue with reclaimable work
	for queue := range reclaimable {
		d.listener.Notify(queue)
	}
}

func keyIndexKey(queue, key string) string {
	return queue + "\x00" + key
}

func cloneJob(job *Job) *Job {
	out := *job
	return &out
}
