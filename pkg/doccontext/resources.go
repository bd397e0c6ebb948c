package doccontext

import (
	"sync"
	"time"

	"github.com/go-drift/multidoc/pkg/scheduler"
)

// DefaultPassDelay is how long after a visibility change the resources pass
// runs.
const DefaultPassDelay = 10 * time.Millisecond

// Resources schedules layout passes for a document. A pass is queued whenever
// the document's visibility changes; callbacks registered with OnNextPass run
// when the next pass completes.
type Resources struct {
	sched     scheduler.Scheduler
	passDelay time.Duration

	mu        sync.Mutex
	scheduled bool
	passes    int
	pending   []func()
	paused    bool
	disposed  bool
}

// NewResources creates the resources service for ctx and subscribes it to
// visibility changes.
func NewResources(ctx *Context, sched scheduler.Scheduler, passDelay time.Duration) *Resources {
	r := &Resources{sched: sched, passDelay: passDelay}
	ctx.OnVisibilityChanged(func(VisibilityState) {
		r.SchedulePass()
	})
	return r
}

// SchedulePass queues a pass unless one is already queued.
func (r *Resources) SchedulePass() {
	r.mu.Lock()
	if r.scheduled {
		r.mu.Unlock()
		return
	}
	r.scheduled = true
	r.mu.Unlock()
	r.sched.Delay(r.pass, r.passDelay)
}

// OnNextPass registers fn to run after the next pass completes.
func (r *Resources) OnNextPass(fn func()) {
	r.mu.Lock()
	r.pending = append(r.pending, fn)
	r.mu.Unlock()
}

// Passes returns how many passes have run.
func (r *Resources) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

// SetRuntimeOn pauses or resumes passes. A paused service still completes
// queued passes but does no work in them.
func (r *Resources) SetRuntimeOn(on bool) {
	r.mu.Lock()
	r.paused = !on
	r.mu.Unlock()
	if on {
		r.SchedulePass()
	}
}

func (r *Resources) pass() {
	r.mu.Lock()
	r.scheduled = false
	if !r.paused && !r.disposed {
		r.passes++
	}
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// Dispose stops counting passes. Queued passes still complete so that
// OnNextPass callbacks registered during teardown are honored.
func (r *Resources) Dispose() {
	r.mu.Lock()
	r.disposed = true
	r.mu.Unlock()
}
