package middleware

import (
	"context"
	"time"

	"github.com/khaacho/backstop/retry"
)

// Timeout returns middleware that enforces a per-attempt execution deadline.
// A non-positive duration disables the deadline. When the deadline is
// exceeded the context is cancelled and the handler should return
// context.DeadlineExceeded, which counts as a failed attempt.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *retry.Job, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
