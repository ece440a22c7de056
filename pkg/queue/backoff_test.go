package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/queuekit/pkg/queue"
)

func TestNextRetryDelay(t *testing.T) {
	t.Parallel()

	full := queue.Capabilities{LinearBackoff: true}
	noLinear := queue.Capabilities{LinearBackoff: false}

	t.Run("fixed stays constant", func(t *testing.T) {
		t.Parallel()

		for _, attempts := range []int{1, 2, 5, 100} {
			got := queue.NextRetryDelay(queue.BackoffFixed, time.Second, attempts, full)
			assert.Equal(t, time.Second, got)
		}
	})

	t.Run("exponential doubles per attempt", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Second, queue.NextRetryDelay(queue.BackoffExponential, time.Second, 1, full))
		assert.Equal(t, 2*time.Second, queue.NextRetryDelay(queue.BackoffExponential, time.Second, 2, full))
		assert.Equal(t, 4*time.Second, queue.NextRetryDelay(queue.BackoffExponential, time.Second, 3, full))
		assert.Equal(t, 8*time.Second, queue.NextRetryDelay(queue.BackoffExponential, time.Second, 4, full))
	})

	t.Run("exponential caps instead of overflowing", func(t *testing.T) {
		t.Parallel()

		capped := queue.NextRetryDelay(queue.BackoffExponential, time.Second, 21, full)
		huge := queue.NextRetryDelay(queue.BackoffExponential, time.Second, 1000, full)
		assert.Equal(t, capped, huge)
		assert.Positive(t, huge)
	})

	t.Run("linear scales with attempt", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Second, queue.NextRetryDelay(queue.BackoffLinear, time.Second, 1, full))
		assert.Equal(t, 3*time.Second, queue.NextRetryDelay(queue.BackoffLinear, time.Second, 3, full))
	})

	t.Run("linear degrades to fixed without capability", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Second, queue.NextRetryDelay(queue.BackoffLinear, time.Second, 5, noLinear))
	})

	t.Run("unknown type behaves as fixed", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Second, queue.NextRetryDelay(queue.BackoffType("bogus"), time.Second, 7, full))
	})

	t.Run("non-positive delay yields zero", func(t *testing.T) {
		t.Parallel()

		assert.Zero(t, queue.NextRetryDelay(queue.BackoffExponential, 0, 3, full))
		assert.Zero(t, queue.NextRetryDelay(queue.BackoffFixed, -time.Second, 1, full))
	})

	t.Run("attempt below one treated as first", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Second, queue.NextRetryDelay(queue.BackoffExponential, time.Second, 0, full))
	})
}
