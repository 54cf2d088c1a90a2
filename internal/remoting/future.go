package remoting

import (
	"context"
	"sync/atomic"
)

// Future holds the single terminal outcome of an asynchronous operation.
// The first Complete or CompleteExceptionally wins; later calls are no-ops.
type Future[T any] struct {
	completed atomic.Bool
	done      chan struct{}
	value     T
	err       error
}

// NewFuture creates an incomplete future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// CompletedFuture returns a future that already holds v.
func CompletedFuture[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Complete(v)
	return f
}

// FailedFuture returns a future that already failed with err.
func FailedFuture[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.CompleteExceptionally(err)
	return f
}

// Complete resolves the future with v. It reports whether this call was the
// one that resolved it.
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(v, nil)
}

// CompleteExceptionally resolves the future with err.
func (f *Future[T]) CompleteExceptionally(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

func (f *Future[T]) resolve(v T, err error) bool {
	if !f.completed.CompareAndSwap(false, true) {
		return false
	}
	f.value = v
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the outcome is available.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future is resolved or ctx is done. A ctx error only
// abandons this wait; the future itself is not affected.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrNotDone while the
// future is still pending.
func (f *Future[T]) Result() (T, error) {
	if !f.IsDone() {
		var zero T
		return zero, ErrNotDone
	}
	return f.value, f.err
}
