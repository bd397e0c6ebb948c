package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	mderrors "github.com/go-drift/multidoc/pkg/errors"
)

// ErrStopped is returned by Loop.Run when the loop is not running.
var ErrStopped = errors.New("scheduler: loop stopped")

// Loop is a Scheduler backed by a single goroutine. Tasks are queued without
// bounds, so Post never blocks the caller.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
	running bool
}

// NewLoop creates a loop. Call Start to begin processing tasks.
func NewLoop() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the loop goroutine. It is a no-op if already running.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	go l.run()
}

// Stop terminates the loop after the task currently executing, dropping any
// queued tasks. It blocks until the goroutine exits.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()
	close(l.quit)
	<-l.stopped
}

// Post schedules fn on the loop.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Delay schedules fn on the loop after d.
func (l *Loop) Delay(fn func(), d time.Duration) Timer {
	if d <= 0 {
		t := &loopTimer{}
		l.Post(func() {
			if t.fire() {
				fn()
			}
		})
		return t
	}
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fire() {
				fn()
			}
		})
	})
	return t
}

// Now returns the wall-clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Run posts fn and waits until it has executed on the loop or ctx is done.
// Calling Run from inside a loop task deadlocks.
func (l *Loop) Run(ctx context.Context, fn func()) error {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		return ErrStopped
	}
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			task := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			runTask(task)

			select {
			case <-l.quit:
				return
			default:
			}
		}
	}
}

func runTask(task func()) {
	defer mderrors.Recover("scheduler.task")
	task()
}

type loopTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

// fire marks the timer as run. It returns false if it was stopped first.
func (t *loopTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (t *loopTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}
