package scheduler

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous lifecycle operation. It resolves
// exactly once; later Resolve calls are ignored.
//
// All methods are safe for concurrent use.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	err       error
	callbacks []func(error)
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future already resolved with err.
func Resolved(err error) *Future {
	f := NewFuture()
	f.Resolve(err)
	return f
}

// Resolve completes the future with err. It returns false if the future was
// already resolved. Callbacks registered with Then run synchronously, in
// registration order, after the lock is released.
func (f *Future) Resolve(err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
	return true
}

// Then registers fn to be called with the resolution error. If the future is
// already resolved, fn is called immediately.
func (f *Future) Then(fn func(error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	err := f.err
	f.mu.Unlock()
	fn(err)
}

// Done returns a channel that is closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has resolved.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the resolution error, or nil while unresolved.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future resolves or ctx is done. It must not be called
// from the scheduler's own goroutine while the future depends on a task that
// has not run yet.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
