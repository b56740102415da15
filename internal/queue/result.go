package queue

import (
	"context"
	"sync"
)

// Result settles exactly once with the outcome of one operation.
type Result struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Failed returns a Result already settled with err.
func Failed(err error) *Result {
	r := newResult()
	r.settle(err)
	return r
}

// Succeeded returns a Result already settled without error.
func Succeeded() *Result {
	r := newResult()
	r.settle(nil)
	return r
}

func (r *Result) settle(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the result settles.
func (r *Result) Done() <-chan struct{} { return r.done }

// Err returns the settled error, or nil while unsettled.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the result settles or ctx ends.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
