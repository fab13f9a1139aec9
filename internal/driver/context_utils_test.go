// internal/driver/context_utils_test.go
package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineContext(t *testing.T) {
	type ctxKey string
	const key ctxKey = "testKey"
	const value = "testValue"

	// 1. Values come from the session context only
	t.Run("InheritsValuesFromPrimary", func(t *testing.T) {
		ctx1 := context.WithValue(context.Background(), key, value)
		ctx2 := context.WithValue(context.Background(), key, "other")

		combinedCtx, cancel := CombineContext(ctx1, ctx2)
		defer cancel()

		assert.Equal(t, value, combinedCtx.Value(key))
		assert.NoError(t, combinedCtx.Err())
	})

	// 2. Session teardown cancels the combined context
	t.Run("CancelledByPrimary", func(t *testing.T) {
		ctx1, cancel1 := context.WithCancel(context.Background())
		combinedCtx, cancelCombined := CombineContext(ctx1, context.Background())
		defer cancelCombined()

		cancel1()
		assert.ErrorIs(t, combinedCtx.Err(), context.Canceled)
	})

	// 3. The caller's cancellation propagates too
	t.Run("CancelledBySecondary", func(t *testing.T) {
		ctx2, cancel2 := context.WithCancel(context.Background())
		combinedCtx, cancelCombined := CombineContext(context.Background(), ctx2)
		defer cancelCombined()

		cancel2()
		assert.Eventually(t, func() bool {
			return combinedCtx.Err() != nil
		}, 100*time.Millisecond, 5*time.Millisecond)
		assert.ErrorIs(t, combinedCtx.Err(), context.Canceled)
	})

	// 4. A caller deadline surfaces as cancellation; the caller's own context tells why
	t.Run("DeadlineFromSecondary", func(t *testing.T) {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel2()
		combinedCtx, cancelCombined := CombineContext(context.Background(), ctx2)
		defer cancelCombined()

		<-combinedCtx.Done()
		assert.ErrorIs(t, ctx2.Err(), context.DeadlineExceeded)
	})

	// 5. Releasing the combined context does not cancel either parent
	t.Run("CancelReleasesOnly", func(t *testing.T) {
		ctx1, cancel1 := context.WithCancel(context.Background())
		defer cancel1()
		ctx2, cancel2 := context.WithCancel(context.Background())
		defer cancel2()

		combinedCtx, cancelCombined := CombineContext(ctx1, ctx2)
		cancelCombined()

		require.ErrorIs(t, combinedCtx.Err(), context.Canceled)
		assert.NoError(t, ctx1.Err())
		assert.NoError(t, ctx2.Err())
	})
}

func TestWithTimeout(t *testing.T) {
	t.Run("ZeroMeansNoDeadline", func(t *testing.T) {
		ctx, cancel := withTimeout(context.Background(), 0)
		defer cancel()
		_, ok := ctx.Deadline()
		assert.False(t, ok)
	})

	t.Run("PositiveSetsDeadline", func(t *testing.T) {
		ctx, cancel := withTimeout(context.Background(), time.Minute)
		defer cancel()
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
	})
}
