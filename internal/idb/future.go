package idb

import (
	"context"
	"sync"
)

// Future is the deferred result of one engine operation. It settles exactly
// once, either with a value or with an error.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.settle(v, nil)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.settle(zero, err)
	return f
}

func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx is done. A cancelled context
// only stops the wait; the underlying operation keeps running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Map returns a future holding fn applied to f's value. Errors pass through.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := newFuture[U]()
	go func() {
		<-f.done
		if f.err != nil {
			var zero U
			out.settle(zero, f.err)
			return
		}
		out.settle(fn(f.val))
	}()
	return out
}

// All settles with every value in order, or with the first error observed.
func All[T any](fs ...*Future[T]) *Future[[]T] {
	out := newFuture[[]T]()
	go func() {
		vals := make([]T, len(fs))
		for i, f := range fs {
			<-f.done
			if f.err != nil {
				out.settle(nil, f.err)
				return
			}
			vals[i] = f.val
		}
		out.settle(vals, nil)
	}()
	return out
}
