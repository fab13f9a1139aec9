// internal/driver/wait/wait.go
package wait

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/driver"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Condition is evaluated against a session until it yields a non-zero value.
// The zero value of T (false, nil, "", an empty slice) means "not yet".
type Condition[T any] func(ctx context.Context, s *driver.Session) (T, error)

type options struct {
	timeout  time.Duration
	interval time.Duration
	ignored  map[driver.ErrorKind]bool
	message  string
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option tunes a single wait.
type Option func(*options)

// WithTimeout bounds the wait. Zero evaluates the condition exactly once.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d < 0 {
			d = 0
		}
		o.timeout = d
	}
}

// WithPollInterval sets the pause between evaluations.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithIgnored replaces the set of error kinds treated as "not yet". The
// default set is {NotFound}.
func WithIgnored(kinds ...driver.ErrorKind) Option {
	return func(o *options) {
		o.ignored = make(map[driver.ErrorKind]bool, len(kinds))
		for _, k := range kinds {
			o.ignored[k] = true
		}
	}
}

// WithMessage is prefixed to the timeout error.
func WithMessage(msg string) Option {
	return func(o *options) { o.message = msg }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// FromConfig turns the wait section of the configuration into options.
func FromConfig(cfg config.WaitConfig) []Option {
	return []Option{WithTimeout(cfg.Timeout), WithPollInterval(cfg.PollInterval)}
}

// Until evaluates cond until it yields a non-zero value, fails with an error
// kind that is not ignored, or the timeout elapses.
//
// Evaluations never overlap and none starts after the deadline; one already
// running when the deadline passes is allowed to finish. Quitting the session
// unblocks the wait with SessionEnded.
func Until[T any](ctx context.Context, s *driver.Session, cond Condition[T], opts ...Option) (T, error) {
	o := options{
		timeout:  DefaultTimeout,
		interval: DefaultPollInterval,
		ignored:  map[driver.ErrorKind]bool{driver.NotFound: true},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	deadline := start.Add(o.timeout)
	logger := o.logger.Named("wait").With(zap.String("session_id", s.ID()))

	var (
		zero    T
		last    T
		lastErr error
	)

	finish := func(outcome string) {
		if o.metrics != nil {
			o.metrics.Waits.WithLabelValues(outcome).Inc()
			o.metrics.WaitDuration.Observe(time.Since(start).Seconds())
		}
	}

	for attempt := 1; ; attempt++ {
		if s.Ended() {
			finish("session_ended")
			return zero, &driver.Error{Kind: driver.SessionEnded, Op: "wait", Last: last}
		}
		if err := ctx.Err(); err != nil {
			finish("canceled")
			return zero, fmt.Errorf("wait canceled after %d attempts: %w", attempt-1, err)
		}

		v, err := cond(ctx, s)
		switch {
		case err == nil && truthy(v):
			logger.Debug("Condition met.", zap.Int("attempts", attempt), zap.Duration("elapsed", time.Since(start)))
			finish("success")
			return v, nil
		case err != nil && (s.Ended() || driver.IsKind(err, driver.SessionEnded)):
			finish("session_ended")
			return zero, &driver.Error{Kind: driver.SessionEnded, Op: "wait", Last: last, Err: err}
		case err != nil && !o.ignored[driver.KindOf(err)]:
			logger.Debug("Condition failed.", zap.Int("attempts", attempt), zap.Error(err))
			finish("error")
			return zero, err
		case err != nil:
			lastErr = err
		default:
			last, lastErr = v, nil
		}

		if !time.Now().Before(deadline) {
			break
		}
		pause := min(o.interval, time.Until(deadline))
		if err := sleep(ctx, s, pause); err != nil {
			if s.Ended() {
				finish("session_ended")
				return zero, &driver.Error{Kind: driver.SessionEnded, Op: "wait", Last: last}
			}
			finish("canceled")
			return zero, fmt.Errorf("wait canceled after %d attempts: %w", attempt, err)
		}
		if !time.Now().Before(deadline) {
			break
		}
	}

	elapsed := time.Since(start)
	logger.Debug("Condition timed out.", zap.Duration("elapsed", elapsed), zap.Error(lastErr))
	finish("timeout")
	return zero, timeoutError(o.message, elapsed, last, lastErr)
}

func timeoutError(message string, elapsed time.Duration, last any, lastErr error) error {
	prefix := "condition not met"
	if message != "" {
		prefix = message
	}
	var cause error
	if lastErr != nil {
		cause = fmt.Errorf("%s after %s: %w", prefix, elapsed.Round(time.Millisecond), lastErr)
	} else {
		cause = fmt.Errorf("%s after %s (last value %v)", prefix, elapsed.Round(time.Millisecond), last)
	}
	return &driver.Error{Kind: driver.Timeout, Op: "wait", Last: last, Err: cause}
}

var errSessionEnded = errors.New("session ended")

// sleep pauses for d unless the session ends or ctx is canceled first.
func sleep(ctx context.Context, s *driver.Session, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.Done():
		return errSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// truthy reports whether v counts as a result rather than "not yet".
func truthy[T any](v T) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return false
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array:
		if rv.Len() == 0 {
			return false
		}
	}
	return !rv.IsZero()
}
