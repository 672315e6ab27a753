// Package result carries the outcome of a call to an external backend.
//
// A Result always holds a usable Value: on failure it is the documented
// default for that call, and Err records why the default was substituted.
// Callers decide visibly whether to use the default or to act on Err.
package result

import "context"

type Result[T any] struct {
	Value T
	Err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fallback records a failure together with the default value to use instead.
func Fallback[T any](def T, err error) Result[T] {
	return Result[T]{Value: def, Err: err}
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Or returns Value when the call succeeded and def otherwise.
func (r Result[T]) Or(def T) T {
	if r.Err != nil {
		return def
	}
	return r.Value
}

// RetryOnce runs fn and, when it fails and ctx is still live, runs it one more time.
// Only use it for idempotent reads.
func RetryOnce[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err == nil || ctx.Err() != nil {
		return v, err
	}
	return fn(ctx)
}
