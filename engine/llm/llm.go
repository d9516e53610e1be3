// Package llm defines the embedding and generation boundaries of the pipeline
// and wraps concrete providers with timeouts, pacing, and a circuit breaker.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/pkg/fn"
	"github.com/WessleyAI/rulesrag/pkg/metrics"
	"github.com/WessleyAI/rulesrag/pkg/resilience"
	"golang.org/x/time/rate"
)

// Embedder maps text to fixed-width vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float32) (string, error)
}

// GuardOptions configures a guarded client.
type GuardOptions struct {
	// Timeout bounds a single call. Zero disables the bound.
	Timeout time.Duration
	// RatePerSec paces calls. Zero disables pacing.
	RatePerSec float64
	Burst      int
	Breaker    resilience.BreakerOpts
	Retry      fn.RetryOpts
	// Name labels the latency and error metrics.
	Name string
}

// DefaultGuardOptions returns conservative defaults for a local model server.
func DefaultGuardOptions(name string, timeout time.Duration) GuardOptions {
	return GuardOptions{
		Timeout: timeout,
		Burst:   1,
		Breaker: resilience.DefaultBreakerOpts,
		Retry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Jitter:      true,
			Retryable:   Retryable,
		},
		Name: name,
	}
}

// Retryable reports whether a failed model call is worth repeating.
// Timeouts, cancellations, an open breaker, and dimension errors are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.IsTimeout(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, domain.ErrDimensionMismatch):
		return false
	}
	return true
}

// breakerFailure reports whether err says the model server is unhealthy.
// Caller cancellation and dimension errors do not.
func breakerFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrDimensionMismatch)
}

type guard struct {
	opts       GuardOptions
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	timeoutErr error
	latency    *metrics.Histogram
	failures   *metrics.Counter
}

func newGuard(opts GuardOptions, timeoutErr error, reg *metrics.Registry) *guard {
	if reg == nil {
		reg = metrics.Default
	}
	state := reg.Gauge(metrics.WithLabels("rulesrag_llm_breaker_state", "client", opts.Name),
		"Circuit breaker state (0 closed, 1 open, 2 half-open).")
	bopts := opts.Breaker
	if bopts.IsFailure == nil {
		bopts.IsFailure = breakerFailure
	}
	bopts.OnStateChange = func(_, to resilience.State) { state.Set(int64(to)) }
	g := &guard{
		opts:       opts,
		breaker:    resilience.NewBreaker(bopts),
		timeoutErr: timeoutErr,
		latency:    reg.Histogram(metrics.WithLabels("rulesrag_llm_call_seconds", "client", opts.Name), "Model call latency.", nil),
		failures:   reg.Counter(metrics.WithLabels("rulesrag_llm_call_errors_total", "client", opts.Name), "Failed model calls."),
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return g
}

// call runs f under the guard. A deadline hit by the guard's own timeout is
// reported as g.timeoutErr; cancellation by the caller is passed through.
func call[T any](ctx context.Context, g *guard, f func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	defer g.latency.Since(start)

	res := fn.Retry(ctx, g.opts.Retry, func(ctx context.Context) fn.Result[T] {
		return resilience.CallResult(g.breaker, ctx, func(ctx context.Context) fn.Result[T] {
			if g.limiter != nil {
				if err := g.limiter.Wait(ctx); err != nil {
					return fn.Err[T](fmt.Errorf("llm: %s: rate limit wait: %w", g.opts.Name, err))
				}
			}
			cctx := ctx
			if g.opts.Timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
				defer cancel()
			}
			v, err := f(cctx)
			if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %s after %s: %v", g.timeoutErr, g.opts.Name, g.opts.Timeout, err)
			}
			return fn.FromPair(v, err)
		})
	})
	v, err := res.Unwrap()
	if err != nil {
		g.failures.Inc()
	}
	return v, err
}

// GuardedEmbedder wraps an Embedder. Its timeouts surface as domain.ErrEmbeddingTimeout.
type GuardedEmbedder struct {
	next Embedder
	g    *guard
}

// GuardEmbedder wraps e. reg may be nil to use metrics.Default.
func GuardEmbedder(e Embedder, opts GuardOptions, reg *metrics.Registry) *GuardedEmbedder {
	return &GuardedEmbedder{next: e, g: newGuard(opts, domain.ErrEmbeddingTimeout, reg)}
}

// Embed implements Embedder.
func (e *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return call(ctx, e.g, func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
}

// EmbedBatch implements Embedder.
func (e *GuardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return call(ctx, e.g, func(ctx context.Context) ([][]float32, error) {
		return e.next.EmbedBatch(ctx, texts)
	})
}

// GuardedGenerator wraps a Generator. Its timeouts surface as domain.ErrGenerationTimeout.
type GuardedGenerator struct {
	next Generator
	g    *guard
}

// GuardGenerator wraps gen. reg may be nil to use metrics.Default.
func GuardGenerator(gen Generator, opts GuardOptions, reg *metrics.Registry) *GuardedGenerator {
	return &GuardedGenerator{next: gen, g: newGuard(opts, domain.ErrGenerationTimeout, reg)}
}

// Generate implements Generator.
func (g *GuardedGenerator) Generate(ctx context.Context, prompt string, temperature float32) (string, error) {
	return call(ctx, g.g, func(ctx context.Context) (string, error) {
		return g.next.Generate(ctx, prompt, temperature)
	})
}
