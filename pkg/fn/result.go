package fn

// Result carries either a value or the error that prevented it. Stages
// return Results so a pipeline can stop at the first failure.
type Result[T any] struct {
	val T
	err error
	ok  bool
}

// Ok wraps a value.
func Ok[T any](v T) Result[T] { return Result[T]{val: v, ok: true} }

// Err wraps a failure.
func Err[T any](err error) Result[T] { return Result[T]{err: err} }

// FromPair turns a conventional (value, error) return into a Result.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

func (r Result[T]) IsOk() bool { return r.ok }

// Unwrap returns the value and the error; exactly one is meaningful.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Collect gathers the values of results, or returns the first error in
// input order.
func Collect[T any](results []Result[T]) Result[[]T] {
	vals := make([]T, 0, len(results))
	for _, r := range results {
		if !r.ok {
			return Err[[]T](r.err)
		}
		vals = append(vals, r.val)
	}
	return Ok(vals)
}
