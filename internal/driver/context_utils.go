// internal/driver/context_utils.go
package driver

import (
	"context"
	"time"
)

// CombineContext derives a context from ctx1 (the session lifetime) that is
// also canceled when ctx2 (the caller's operation) is done. Values come from
// ctx1 only, and ctx2's deadline surfaces as a plain cancellation, so callers
// inspect ctx2.Err() to tell the two apart.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	stop := context.AfterFunc(ctx2, cancel)
	return combinedCtx, func() {
		stop()
		cancel()
	}
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
