package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/queuekit/pkg/queue"
)

func makeJob(queueName string, opts ...func(*queue.Job)) *queue.Job {
	now := time.Now()
	job := &queue.Job{
		ID:           uuid.New(),
		Queue:        queueName,
		Data:         json.RawMessage(`{}`),
		Status:       queue.StatusPending,
		ScheduledFor: now,
		MaxAttempts:  3,
		Backoff:      1000,
		BackoffType:  queue.BackoffExponential,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, opt := range opts {
		opt(job)
	}
	return job
}

func withKey(key string) func(*queue.Job)   { return func(j *queue.Job) { j.Key = key } }
func withPriority(p int) func(*queue.Job)   { return func(j *queue.Job) { j.Priority = p } }
func withAttemptsMax(n int) func(*queue.Job) { return func(j *queue.Job) { j.MaxAttempts = n } }

func TestMemoryDriver_ClaimOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	drv := newTestDriver(t)
	workerID := uuid.New()

	t.Run("priority before fifo", func(t *testing.T) {
		low, err := drv.Enqueue(ctx, makeJob("orders"), queue.ReplaceAlways)
		require.NoError(t, err)
		high, err := drv.Enqueue(ctx, makeJob("orders", withPriority(10)), queue.ReplaceAlways)
		require.NoError(t, err)

		first, err := drv.Claim(ctx, "orders", workerID, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, high.ID, first.ID)

		second, err := drv.Claim(ctx, "orders", workerID, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, low.ID, second.ID)

		_, err = drv.Claim(ctx, "orders", workerID, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJobToClaim)
	})

	t.Run("fifo within a priority tier", func(t *testing.T) {
		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			job, err := drv.Enqueue(ctx, makeJob("fifo"), queue.ReplaceAlways)
			require.NoError(t, err)
			ids = append(ids, job.ID)
		}

		for _, want := range ids {
			got, err := drv.Claim(ctx, "fifo", workerID, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got.ID)
		}
	})

	t.Run("future jobs not claimable", func(t *testing.T) {
		job := makeJob("delayed")
		job.ScheduledFor = time.Now().Add(time.Hour)
		_, err := drv.Enqueue(ctx, job, queue.ReplaceAlways)
		require.NoError(t, err)

		_, err = drv.Claim(ctx, "delayed", workerID, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJobToClaim)
	})
}

func TestMemoryDriver_ClaimSetsLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	drv := newTestDriver(t)
	workerID := uuid.New()

	_, err := drv.Enqueue(ctx, makeJob("orders"), queue.ReplaceAlways)
	require.NoError(t, err)

	job, err := drv.Claim(ctx, "orders", workerID, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, queue.StatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, workerID, *job.LockedBy)
	require.NotNil(t, job.LockToken)
	require.NotNil(t, job.ExpiresAt)
	assert.True(t, job.ExpiresAt.After(time.Now()))
}

func TestMemoryDriver_IdempotentEnqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("non-terminal row updated in place", func(t *testing.T) {
		t.Parallel()
		drv := newTestDriver(t)

		first, err := drv.Enqueue(ctx, makeJob("orders", withKey("order:1")), queue.ReplaceAlways)
		require.NoError(t, err)

		replacement := makeJob("orders", withKey("order:1"), withPriority(5))
		replacement.Data = json.RawMessage(`{"v":2}`)
		second, err := drv.Enqueue(ctx, replacement, queue.ReplaceAlways)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 5, second.Priority)
		assert.JSONEq(t, `{"v":2}`, string(second.Data))
		assert.Equal(t, queue.StatusPending, second.Status)
		assert.Equal(t, 0, second.Attempts)

		stats, err := drv.Stats(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Total())
	})

	t.Run("terminal row kept, new row created", func(t *testing.T) {
		t.Parallel()
		drv := newTestDriver(t)
		workerID := uuid.New()

		first, err := drv.Enqueue(ctx, makeJob("orders", withKey("order:2")), queue.ReplaceAlways)
		require.NoError(t, err)

		claimed, err := drv.Claim(ctx, "orders", workerID, time.Minute)
		require.NoError(t, err)
		require.NoError(t, drv.Complete(ctx, claimed.ID, *claimed.LockToken))

		second, err := drv.Enqueue(ctx, makeJob("orders", withKey("order:2")), queue.ReplaceAlways)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		stats, err := drv.Stats(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Completed)
		assert.Equal(t, int64(1), stats.Pending)
	})

	t.Run("replace if not active rejects live processing job", func(t *testing.T) {
		t.Parallel()
		drv := newTestDriver(t)
		workerID := uuid.New()

		_, err := drv.Enqueue(ctx, makeJob("orders", withKey("order:3")), queue.ReplaceAlways)
		require.NoError(t, err)
		_, err = drv.Claim(ctx, "orders", workerID, time.Minute)
		require.NoError(t, err)

		_, err = drv.Enqueue(ctx, makeJob("orders", withKey("order:3")), queue.ReplaceIfNotActive)
		require.Error(t, err)
		assert.ErrorIs(t, err, queue.ErrJobAlreadyActive)

		var activeErr *queue.JobAlreadyActiveError
		require.ErrorAs(t, err, &activeErr)
		assert.Equal(t, "orders", activeErr.Queue)
		assert.Equal(t, "order:3", activeErr.Key)
	})

	t.Run("blind replace fences out the running handler", func(t *testing.T) {
		t.Parallel()
		drv := newTestDriver(t)
		workerID := uuid.New()

		_, err := drv.Enqueue(ctx, makeJob("orders", withKey("order:4")), queue.ReplaceAlways)
		require.NoError(t, err)
		claimed, err := drv.Claim(ctx, "orders", workerID, time.Minute)
		require.NoError(t, err)
		token := *claimed.LockToken

		// Blind overwrite while the job is processing
		_, err = drv.Enqueue(ctx, makeJob("orders", withKey("order:4")), queue.ReplaceAlways)
		require.NoError(t, err)

		// The original handler's completion must be rejected
		assert.ErrorIs(t, drv.Complete(ctx, claimed.ID, token), queue.ErrStaleClaim)

		// The replacing job is claimable again with a fresh token
		reclaimed, err := drv.Claim(ctx, "orders", workerID, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, claimed.ID, reclaimed.ID)
		assert.NotEqual(t, token, *reclaimed.LockToken)
		require.NoError(t, drv.Complete(ctx, reclaimed.ID, *reclaimed.LockToken))
	})
}

func TestMemoryDriver_Fencing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	drv := newTestDriver(t)
	workerID := uuid.New()

	_, err := drv.Enqueue(ctx, makeJob("orders"), queue.ReplaceAlways)
	require.NoError(t, err)
	claimed, err := drv.Claim(ctx, "orders", workerID, time.Minute)
	require.NoError(t, err)

	t.Run("wrong token rejected on every mutation", func(t *testing.T) {
		bad := uuid.New()
		assert.ErrorIs(t, drv.ExtendLease(ctx, claimed.ID, bad, time.Minute), queue.ErrStaleClaim)
		assert.ErrorIs(t, drv.Complete(ctx, claimed.ID, bad), queue.ErrStaleClaim)
		assert.ErrorIs(t, drv.Retry(ctx, claimed.ID, bad, "x", time.Now()), queue.ErrStaleClaim)
		assert.ErrorIs(t, drv.Release(ctx, claimed.ID, bad, time.Second), queue.ErrStaleClaim)
		assert.ErrorIs(t, drv.Fail(ctx, claimed.ID, bad, "x", nil), queue.ErrStaleClaim)
	})

	t.Run("unknown job reported distinctly", func(t *testing.T) {
		assert.ErrorIs(t, drv.Complete(ctx, uuid.New(), uuid.New()), queue.ErrJobNotFound)
	})

	t.Run("matching token accepted once", func(t *testing.T) {
		require.NoError(t, drv.Complete(ctx, claimed.ID, *claimed.LockToken))
		// Terminal now; the same token is stale
		assert.ErrorIs(t, drv.Complete(ctx, claimed.ID, *claimed.LockToken), queue.ErrStaleClaim)
	})
}

func TestMemoryDriver_CrashRecovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	drv := newTestDriver(t)
	workerID := uuid.New()

	t.Run("expired lease reclaimed with attempt charged", func(t *testing.T) {
		t.Parallel()

		_, err := drv.Enqueue(ctx, makeJob("crash"), queue.ReplaceAlways)
		require.NoError(t, err)

		// Tiny lease stands in for a crashed worker
		first, err := drv.Claim(ctx, "crash", workerID, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Attempts)
		time.Sleep(5 * time.Millisecond)

		second, err := drv.Claim(ctx, "crash", uuid.New(), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 2, second.Attempts)
		assert.NotEqual(t, *first.LockToken, *second.LockToken)

		// The crashed worker's late completion is fenced out
		assert.ErrorIs(t, drv.Complete(ctx, first.ID, *first.LockToken), queue.ErrStaleClaim)
	})

	t.Run("exhausted expired job fails instead of reclaiming", func(t *testing.T) {
		t.Parallel()

		_, err := drv.Enqueue(ctx, makeJob("exhausted", withAttemptsMax(1)), queue.ReplaceAlways)
		require.NoError(t, err)

		claimed, err := drv.Claim(ctx, "exhausted", workerID, time.Millisecond)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		_, err = drv.Claim(ctx, "exhausted", workerID, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJobToClaim)

		job, err := drv.GetJob(ctx, claimed.ID.String())
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, job.Status)
		require.NotNil(t, job.ErrorMessage)
	})
}

func TestMemoryDriver_RetryAndRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("retry transitions to retry_pending", func(t *testing.T) {
		t.Parallel()
		drv := newTestDriver(t)

		_, err := drv.Enqueue(ctx, makeJob("retries"), queue.ReplaceAlways)
		require.NoError(t, err)
		claimed, err := drv.Claim(ctx, "retries", uuid.New(), time.Minute)
		require.NoError(t, err)

		retryAt := time.Now().Add(time.Hour)
		require.NoError(t, drv.Retry(ctx, claimed.ID, *claimed.LockToken, "boom", retryAt))

		job, err := drv.GetJob(ctx, claimed.ID.String())
		require.NoError(t, err)
		assert.Equal(t, queue.StatusRetryPending, job.Status)
		assert.Equal(t, 1, job.Attempts)
		require.NotNil(t, job.NextRetryAt)
		assert.Nil(t, job.LockToken)

		// Not eligible until nextRetryAt
		_, err = drv.Claim(ctx, "retries", uuid.New(), time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoJobToClaim)
	})

	t.Run("retry_pending becomes eligible at its retry time", func(t *testing.T) {
		t.Parallel()
		drv := newTestDriver(t)

		_, err := drv.Enqueue(ctx, makeJob("retries"), queue.ReplaceAlways)
		require.NoError(t, err)
		claimed, err := drv.Claim(ctx, "retries", uuid.New(), time.Minute)
		require.NoError(t, err)
		require.NoError(t, drv.Retry(ctx, claimed.ID, *claimed.LockToken, "boom", time.Now().Add(-time.Second)))

		again, err := drv.Claim(ctx, "retries", uuid.New(), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, claimed.ID, again.ID)
		assert.Equal(t, 2, again.Attempts)
	})

	t.Run("release refunds the attempt", func(t *testing.T) {
		t.Parallel()
		drv := newTestDriver(t)

		_, err := drv.Enqueue(ctx, makeJob("limited"), queue.ReplaceAlways)
		require.NoError(t, err)
		claimed, err := drv.Claim(ctx, "limited", uuid.New(), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, claimed.Attempts)

		require.NoError(t, drv.Release(ctx, claimed.ID, *claimed.LockToken, time.Millisecond))
		time.Sleep(5 * time.Millisecond)

		again, err := drv.Claim(ctx, "limited", uuid.New(), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, claimed.ID, again.ID)
		// Released claim refunded, this is attempt one again
		assert.Equal(t, 1, again.Attempts)
	})

	t.Run("fail records error details", func(t *testing.T) {
		t.Parallel()
		drv := newTestDriver(t)

		_, err := drv.Enqueue(ctx, makeJob("failures"), queue.ReplaceAlways)
		require.NoError(t, err)
		claimed, err := drv.Claim(ctx, "failures", uuid.New(), time.Minute)
		require.NoError(t, err)

		details := json.RawMessage(`{"error":"boom"}`)
		require.NoError(t, drv.Fail(ctx, claimed.ID, *claimed.LockToken, "boom", details))

		job, err := drv.GetJob(ctx, claimed.ID.String())
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, job.Status)
		require.NotNil(t, job.ErrorMessage)
		assert.Equal(t, "boom", *job.ErrorMessage)
		assert.JSONEq(t, `{"error":"boom"}`, string(job.ErrorDetails))
	})
}

func TestMemoryDriver_NextScheduledAt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	drv := newTestDriver(t)

	t.Run("empty queue has no next time", func(t *testing.T) {
		next, err := drv.NextScheduledAt(ctx, "empty")
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("earliest future source wins", func(t *testing.T) {
		near := makeJob("sched")
		near.ScheduledFor = time.Now().Add(10 * time.Minute)
		_, err := drv.Enqueue(ctx, near, queue.ReplaceAlways)
		require.NoError(t, err)

		far := makeJob("sched")
		far.ScheduledFor = time.Now().Add(2 * time.Hour)
		_, err = drv.Enqueue(ctx, far, queue.ReplaceAlways)
		require.NoError(t, err)

		next, err := drv.NextScheduledAt(ctx, "sched")
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.WithinDuration(t, near.ScheduledFor, *next, time.Second)
	})
}

func TestMemoryDriver_Schedules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	drv := newTestDriver(t)

	nextRun := time.Now().Add(time.Hour)
	sched := &queue.Schedule{
		Key:       "report:daily",
		Queue:     "reports",
		Cron:      "0 6 * * *",
		Data:      json.RawMessage(`{"kind":"daily"}`),
		Enabled:   true,
		NextRunAt: &nextRun,
	}

	t.Run("upsert and get", func(t *testing.T) {
		require.NoError(t, drv.UpsertSchedule(ctx, sched))

		got, err := drv.GetSchedule(ctx, "report:daily")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "reports", got.Queue)
		assert.Equal(t, "0 6 * * *", got.Cron)
		assert.True(t, got.Enabled)
	})

	t.Run("list filters by queue", func(t *testing.T) {
		other := &queue.Schedule{Key: "cleanup", Queue: "maintenance", Cron: "@hourly", Enabled: true}
		require.NoError(t, drv.UpsertSchedule(ctx, other))

		all, err := drv.ListSchedules(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		reports, err := drv.ListSchedules(ctx, "reports")
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, "report:daily", reports[0].Key)
	})

	t.Run("due schedules honor enabled and next run", func(t *testing.T) {
		due, err := drv.DueSchedules(ctx, time.Now())
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = drv.DueSchedules(ctx, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "report:daily", due[0].Key)
	})

	t.Run("update run advances bookkeeping", func(t *testing.T) {
		next := time.Now().Add(24 * time.Hour)
		require.NoError(t, drv.UpdateScheduleRun(ctx, "report:daily", time.Now(), &next, false))

		got, err := drv.GetSchedule(ctx, "report:daily")
		require.NoError(t, err)
		assert.Equal(t, 1, got.RunCount)
		require.NotNil(t, got.LastRunAt)
		assert.True(t, got.Enabled)

		require.NoError(t, drv.UpdateScheduleRun(ctx, "report:daily", time.Now(), nil, true))
		got, err = drv.GetSchedule(ctx, "report:daily")
		require.NoError(t, err)
		assert.Equal(t, 2, got.RunCount)
		assert.False(t, got.Enabled)
	})

	t.Run("set enabled unknown key", func(t *testing.T) {
		err := drv.SetScheduleEnabled(ctx, "no-such", true)
		assert.ErrorIs(t, err, queue.ErrScheduleNotFound)
	})

	t.Run("remove reports existence", func(t *testing.T) {
		removed, err := drv.RemoveSchedule(ctx, "cleanup")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = drv.RemoveSchedule(ctx, "cleanup")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}
