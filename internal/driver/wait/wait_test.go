// internal/driver/wait/wait_test.go
package wait_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/driver"
	"github.com/xkilldash9x/scalpel-driver/internal/driver/memory"
	"github.com/xkilldash9x/scalpel-driver/internal/driver/wait"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const home = "http://wait.test/index.html"

var pages = map[string]string{
	home: `<html><head><title>Loading</title></head><body>
		<div id="spinner">working</div>
		<div id="result" style="display: none">done</div>
	</body></html>`,
	"http://wait.test/frame.html": `<html><body><p id="inside">inside</p></body></html>`,
	"http://wait.test/popup.html": `<html><head><title>Popup</title></head><body></body></html>`,
}

func setup(t *testing.T) (*memory.Browser, *driver.Session) {
	t.Helper()
	ctx := context.Background()
	b := memory.New(memory.WithPages(pages))
	s, err := driver.New(ctx, b, driver.DefaultOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Quit(ctx) })
	require.NoError(t, s.Get(ctx, home))
	return b, s
}

// later runs fn after d on its own goroutine and returns a channel closed
// once fn has returned.
func later(d time.Duration, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(d)
		fn()
	}()
	return done
}

func counting[T any](calls *atomic.Int32, v T, err error) wait.Condition[T] {
	return func(context.Context, *driver.Session) (T, error) {
		calls.Add(1)
		return v, err
	}
}

func TestUntil(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the first truthy value without sleeping", func(t *testing.T) {
		_, s := setup(t)
		start := time.Now()
		ok, err := wait.Until(ctx, s, wait.TitleIs("Loading"), wait.WithPollInterval(time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("should time out within one interval of the deadline", func(t *testing.T) {
		_, s := setup(t)
		start := time.Now()
		_, err := wait.Until(ctx, s, wait.ElementLocated(driver.ByID("never")),
			wait.WithTimeout(500*time.Millisecond), wait.WithPollInterval(100*time.Millisecond))
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.Equal(t, driver.Timeout, driver.KindOf(err))
		assert.ErrorIs(t, err, driver.ErrNotFound, "the last ignored error stays in the chain")
		assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
		assert.Less(t, elapsed, 900*time.Millisecond)
	})

	t.Run("should evaluate exactly once with a zero timeout", func(t *testing.T) {
		_, s := setup(t)
		var calls atomic.Int32
		_, err := wait.Until(ctx, s, counting(&calls, false, nil), wait.WithTimeout(0))
		assert.ErrorIs(t, err, driver.ErrTimeout)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("should treat empty values as not yet", func(t *testing.T) {
		_, s := setup(t)
		var calls atomic.Int32
		_, err := wait.Until(ctx, s, counting(&calls, []string{}, nil),
			wait.WithTimeout(50*time.Millisecond), wait.WithPollInterval(10*time.Millisecond))
		assert.ErrorIs(t, err, driver.ErrTimeout)
		assert.Greater(t, calls.Load(), int32(1))
	})

	t.Run("should stop on errors that are not ignored", func(t *testing.T) {
		_, s := setup(t)
		var calls atomic.Int32
		boom := &driver.Error{Kind: driver.InvalidSelector, Op: "findElement"}
		_, err := wait.Until(ctx, s, counting(&calls, false, error(boom)))
		assert.Same(t, boom, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("should replace the ignored set", func(t *testing.T) {
		_, s := setup(t)
		_, err := wait.Until(ctx, s, wait.ElementLocated(driver.ByID("never")),
			wait.WithIgnored(driver.StaleElementReference))
		assert.Equal(t, driver.NotFound, driver.KindOf(err), "NotFound is no longer ignored")
	})

	t.Run("should carry the message and last value", func(t *testing.T) {
		_, s := setup(t)
		var calls atomic.Int32
		_, err := wait.Until(ctx, s, counting(&calls, 0, nil),
			wait.WithTimeout(30*time.Millisecond), wait.WithPollInterval(10*time.Millisecond), wait.WithMessage("counter never moved"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "counter never moved")

		var de *driver.Error
		require.ErrorAs(t, err, &de)
		assert.Equal(t, 0, de.Last)
	})

	t.Run("should unblock with SessionEnded when the session quits", func(t *testing.T) {
		_, s := setup(t)
		done := later(50*time.Millisecond, func() { _ = s.Quit(ctx) })
		defer func() { <-done }()

		start := time.Now()
		_, err := wait.Until(ctx, s, wait.ElementLocated(driver.ByID("never")),
			wait.WithTimeout(10*time.Second), wait.WithPollInterval(time.Second))
		assert.ErrorIs(t, err, driver.ErrSessionEnded)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("should honor context cancellation", func(t *testing.T) {
		_, s := setup(t)
		cctx, cancel := context.WithCancel(ctx)
		done := later(30*time.Millisecond, cancel)
		defer func() { <-done }()

		_, err := wait.Until(cctx, s, wait.ElementLocated(driver.ByID("never")), wait.WithPollInterval(time.Second))
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	})

	t.Run("should record metrics", func(t *testing.T) {
		_, s := setup(t)
		m := observability.NewMetrics(nil)

		_, err := wait.Until(ctx, s, wait.TitleIs("Loading"), wait.WithMetrics(m))
		require.NoError(t, err)
		_, err = wait.Until(ctx, s, wait.TitleIs("Done"), wait.WithMetrics(m), wait.WithTimeout(0))
		require.Error(t, err)

		assert.Equal(t, 1.0, testutil.ToFloat64(m.Waits.WithLabelValues("success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Waits.WithLabelValues("timeout")))
	})
}

func TestFromConfig(t *testing.T) {
	_, s := setup(t)
	var calls atomic.Int32
	opts := wait.FromConfig(config.WaitConfig{Timeout: 60 * time.Millisecond, PollInterval: 20 * time.Millisecond})

	start := time.Now()
	_, err := wait.Until(context.Background(), s, counting(&calls, false, nil), opts...)
	assert.ErrorIs(t, err, driver.ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
