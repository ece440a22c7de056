package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/queuekit/pkg/queue"
)

func TestParseCron(t *testing.T) {
	t.Parallel()

	t.Run("accepts five-field expressions", func(t *testing.T) {
		t.Parallel()

		for _, expr := range []string{"* * * * *", "0 9 * * 1-5", "*/15 0 1,15 * *"} {
			sched, err := queue.ParseCron(expr)
			require.NoError(t, err, expr)
			assert.NotNil(t, sched)
		}
	})

	t.Run("accepts descriptors", func(t *testing.T) {
		t.Parallel()

		for _, expr := range []string{"@hourly", "@daily", "@every 5m"} {
			sched, err := queue.ParseCron(expr)
			require.NoError(t, err, expr)
			assert.NotNil(t, sched)
		}
	})

	t.Run("rejects invalid expressions", func(t *testing.T) {
		t.Parallel()

		for _, expr := range []string{"", "not a cron", "* * *", "99 * * * *"} {
			_, err := queue.ParseCron(expr)
			assert.ErrorIs(t, err, queue.ErrInvalidCron, expr)
		}
	})
}

func TestNextCronTime(t *testing.T) {
	t.Parallel()

	t.Run("next activation strictly after from", func(t *testing.T) {
		t.Parallel()

		from := time.Date(2025, 6, 15, 8, 30, 0, 0, time.UTC)
		next, err := queue.NextCronTime("0 9 * * *", from)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("rolls over to the next day", func(t *testing.T) {
		t.Parallel()

		from := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
		next, err := queue.NextCronTime("0 9 * * *", from)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC), next)
	})

	t.Run("invalid expression error", func(t *testing.T) {
		t.Parallel()

		_, err := queue.NextCronTime("nope", time.Now())
		assert.ErrorIs(t, err, queue.ErrInvalidCron)
	})
}
