// Package scheduler provides the single cooperative scheduling domain that all
// sub-document lifecycle work runs on.
//
// Callbacks posted to a Scheduler run one at a time, in order, on the
// scheduler's own turn. Delayed callbacks are the only way the host waits:
// the ready delay, broadcast deferral and the close-confirmation race are all
// expressed as Delay calls so tests can drive them with a Manual scheduler.
package scheduler

import (
	"errors"
	"time"
)

// ErrTimeout is the default error a Race resolves with when its bound expires.
var ErrTimeout = errors.New("scheduler: timeout")

// Scheduler schedules callbacks on a single logical thread of control.
type Scheduler interface {
	// Post schedules fn to run on the next turn.
	Post(fn func())

	// Delay schedules fn to run once d has elapsed. A non-positive d behaves
	// like Post.
	Delay(fn func(), d time.Duration) Timer

	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

// Timer is a cancelable delayed callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or was already stopped.
	Stop() bool
}

// Race returns a Future that resolves with nil when start calls its resolve
// function, or with timeoutErr once timeout elapses, whichever comes first.
// A nil timeoutErr defaults to ErrTimeout.
func Race(s Scheduler, timeout time.Duration, timeoutErr error, start func(resolve func())) *Future {
	if timeoutErr == nil {
		timeoutErr = ErrTimeout
	}
	f := NewFuture()
	timer := s.Delay(func() {
		f.Resolve(timeoutErr)
	}, timeout)
	start(func() {
		if f.Resolve(nil) {
			timer.Stop()
		}
	})
	return f
}
