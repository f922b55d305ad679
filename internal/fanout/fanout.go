// Package fanout runs independent units of work under a fixed concurrency limit.
package fanout

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Result holds the outcome of one input; exactly one of Value or Err is meaningful.
type Result[Out any] struct {
	Value Out
	Err   error
}

// PanicError is stored in a Result when fn panicked for that input.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// RunBounded calls fn once for every input with at most limit calls in flight and blocks
// until all of them have returned. Results are indexed like inputs. A failing call does not
// stop or cancel any other call; its error is recorded in its own slot.
// A limit below 1 is treated as 1.
func RunBounded[In, Out any](ctx context.Context, fn func(context.Context, In) (Out, error), inputs []In, limit int) []Result[Out] {
	if limit < 1 {
		limit = 1
	}
	results := make([]Result[Out], len(inputs))

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, in := range inputs {
		g.Go(func() error {
			results[i] = call(ctx, fn, in)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func call[In, Out any](ctx context.Context, fn func(context.Context, In) (Out, error), in In) (res Result[Out]) {
	defer func() {
		if r := recover(); r != nil {
			res = Result[Out]{Err: &PanicError{Value: r}}
		}
	}()
	v, err := fn(ctx, in)
	if err != nil {
		return Result[Out]{Err: err}
	}
	return Result[Out]{Value: v}
}

// Errors returns the non-nil errors of results in input order.
func Errors[Out any](results []Result[Out]) []error {
	errs := make([]error, 0)
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}
