package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/queuekit/pkg/queue"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

// Type that cannot be marshaled to JSON
type unmarshalablePayload struct {
	Ch chan int
}

func newTestDriver(t *testing.T) *queue.MemoryDriver {
	t.Helper()
	drv := queue.NewMemoryDriver()
	t.Cleanup(func() { _ = drv.Close() })
	return drv
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	t.Run("successful creation", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)
		require.NotNil(t, client)
	})

	t.Run("nil driver error", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(nil)
		assert.ErrorIs(t, err, queue.ErrDriverNil)
		assert.Nil(t, client)
	})
}

func TestClient_Enqueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("defaults applied", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)

		job, err := client.Enqueue(ctx, "", emailPayload{To: "a@b.c", Subject: "hi"})
		require.NoError(t, err)

		assert.Equal(t, queue.DefaultQueueName, job.Queue)
		assert.Equal(t, queue.StatusPending, job.Status)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Equal(t, int64(30000), job.Backoff)
		assert.Equal(t, queue.BackoffExponential, job.BackoffType)
		assert.Equal(t, 0, job.Attempts)
		assert.False(t, job.ScheduledFor.After(time.Now()))
	})

	t.Run("client defaults overridable", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t),
			queue.WithDefaultQueue("emails"),
			queue.WithDefaultMaxAttempts(5),
			queue.WithDefaultBackoff(time.Second, queue.BackoffLinear),
		)
		require.NoError(t, err)

		job, err := client.Enqueue(ctx, "", emailPayload{To: "a@b.c"})
		require.NoError(t, err)

		assert.Equal(t, "emails", job.Queue)
		assert.Equal(t, 5, job.MaxAttempts)
		assert.Equal(t, int64(1000), job.Backoff)
		assert.Equal(t, queue.BackoffLinear, job.BackoffType)
	})

	t.Run("payload marshaled", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)

		job, err := client.Enqueue(ctx, "emails", emailPayload{To: "a@b.c", Subject: "hi"})
		require.NoError(t, err)

		var decoded emailPayload
		require.NoError(t, json.Unmarshal(job.Data, &decoded))
		assert.Equal(t, "a@b.c", decoded.To)
		assert.Equal(t, "hi", decoded.Subject)
	})

	t.Run("nil payload rejected", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)

		job, err := client.Enqueue(ctx, "emails", nil)
		assert.ErrorIs(t, err, queue.ErrPayloadNil)
		assert.Nil(t, job)
	})

	t.Run("unmarshalable payload rejected", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)

		job, err := client.Enqueue(ctx, "emails", unmarshalablePayload{})
		assert.ErrorIs(t, err, queue.ErrPayloadMarshal)
		assert.Nil(t, job)
	})

	t.Run("enqueue options applied", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)

		at := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		job, err := client.Enqueue(ctx, "emails", emailPayload{To: "a@b.c"},
			queue.WithKey("welcome:42"),
			queue.WithPriority(7),
			queue.WithScheduledAt(at),
			queue.WithMaxAttempts(1),
			queue.WithBackoff(2*time.Second, queue.BackoffFixed),
			queue.WithStages("render", "send"),
			queue.WithMetadata(json.RawMessage(`{"source":"test"}`)),
		)
		require.NoError(t, err)

		assert.Equal(t, "welcome:42", job.Key)
		assert.Equal(t, 7, job.Priority)
		assert.Equal(t, at, job.ScheduledFor)
		assert.Equal(t, 1, job.MaxAttempts)
		assert.Equal(t, int64(2000), job.Backoff)
		assert.Equal(t, queue.BackoffFixed, job.BackoffType)
		assert.Equal(t, []string{"render", "send"}, job.Stages)
		assert.JSONEq(t, `{"source":"test"}`, string(job.Metadata))
	})

	t.Run("delay computes scheduled time", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)

		before := time.Now()
		job, err := client.Enqueue(ctx, "emails", emailPayload{To: "a@b.c"},
			queue.WithDelay(time.Minute))
		require.NoError(t, err)

		assert.WithinDuration(t, before.Add(time.Minute), job.ScheduledFor, time.Second)
	})
}

func TestClient_GetJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("by id", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)

		job, err := client.Enqueue(ctx, "emails", emailPayload{To: "a@b.c"})
		require.NoError(t, err)

		found, err := client.GetJob(ctx, job.ID.String())
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, job.ID, found.ID)
	})

	t.Run("by key", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)

		job, err := client.Enqueue(ctx, "emails", emailPayload{To: "a@b.c"},
			queue.WithKey("welcome:1"))
		require.NoError(t, err)

		found, err := client.GetJob(ctx, "welcome:1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, job.ID, found.ID)
	})

	t.Run("unknown returns nil", func(t *testing.T) {
		t.Parallel()

		client, err := queue.NewClient(newTestDriver(t))
		require.NoError(t, err)

		found, err := client.GetJob(ctx, "no-such-key")
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestClient_Stats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, err := queue.NewClient(newTestDriver(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := client.Enqueue(ctx, "emails", emailPayload{To: "a@b.c"})
		require.NoError(t, err)
	}

	stats, err := client.Stats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Pending)
	assert.Equal(t, int64(3), stats.Total())
}
