package fn

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Stage is one step of a pipeline: it turns In into Out or fails.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Then runs first and feeds its value to second. An error from first is
// returned without calling second. Wrap either side in TracedStage to get
// a span for it.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, a A) Result[C] {
		b, err := first(ctx, a).Unwrap()
		if err != nil {
			return Err[C](err)
		}
		return second(ctx, b)
	}
}

// BatchStage runs a stage over a slice with bounded concurrency, keeping
// input order. The first item to fail cancels the context of the items still
// running, and its error is the one returned.
func BatchStage[T, U any](workers int, stage Stage[T, U]) Stage[[]T, []U] {
	return func(ctx context.Context, items []T) Result[[]U] {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var (
			once  sync.Once
			first error
		)
		results := ParMapResult(items, workers, func(item T) Result[U] {
			if err := ctx.Err(); err != nil {
				return Err[U](err)
			}
			r := stage(ctx, item)
			if !r.IsOk() {
				once.Do(func() { first = r.err; cancel() })
			}
			return r
		})
		if first != nil {
			return Err[[]U](first)
		}
		return Collect(results)
	}
}

// TracedStage runs stage inside a span called name and marks the span
// failed when the stage errors.
func TracedStage[In, Out any](name string, stage Stage[In, Out]) Stage[In, Out] {
	tracer := otel.Tracer("rulesrag/fn")
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := tracer.Start(ctx, name)
		defer span.End()
		result := stage(ctx, in)
		if _, err := result.Unwrap(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result
	}
}
