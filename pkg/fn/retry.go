package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures Retry. Waits double after every failed attempt and
// are capped at MaxWait when it is set.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	// Jitter scales each wait by a random factor in [0.5, 1.5).
	Jitter bool
	// Retryable reports whether a failed attempt may be repeated. Nil retries every error.
	Retryable func(error) bool
}

func (o RetryOpts) capped(d time.Duration) time.Duration {
	if o.MaxWait > 0 && d > o.MaxWait {
		return o.MaxWait
	}
	return d
}

// backoff returns the wait before attempt n+1, n counting from zero.
func (o RetryOpts) backoff(n int) time.Duration {
	d := o.InitialWait
	for i := 0; i < n && (o.MaxWait == 0 || d < o.MaxWait); i++ {
		d *= 2
	}
	d = o.capped(d)
	if o.Jitter {
		d = o.capped(time.Duration(float64(d) * (0.5 + rand.Float64())))
	}
	return d
}

// Retry runs f until it succeeds, MaxAttempts is reached, Retryable rejects
// the error, or ctx is done. Cancellation between attempts returns ctx.Err().
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)

	var last Result[T]
	for n := 0; n < attempts; n++ {
		if n > 0 && ctx.Err() != nil {
			return Err[T](ctx.Err())
		}
		if last = f(ctx); last.IsOk() {
			return last
		}
		if n == attempts-1 || (opts.Retryable != nil && !opts.Retryable(last.err)) {
			break
		}

		t := time.NewTimer(opts.backoff(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
	}
	return last
}

// RetryStage retries stage with the same input.
func RetryStage[In, Out any](opts RetryOpts, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		return Retry(ctx, opts, func(ctx context.Context) Result[Out] {
			return stage(ctx, in)
		})
	}
}
