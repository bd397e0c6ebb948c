// Package registry tracks the live sub-documents of a page.
//
// The registry is the single source of truth for broadcast targets. It holds
// documents in insertion order, unique by identity, and reaps documents whose
// host element left the page without being closed.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	mderrors "github.com/go-drift/multidoc/pkg/errors"
	"github.com/go-drift/multidoc/pkg/scheduler"
)

// Member is a registered document.
type Member interface {
	comparable
	// Connected reports whether the document's host is still in the page.
	Connected() bool
}

// Registry is an insertion-ordered set of live documents. It is safe for
// concurrent use; the closer is always called without the lock held.
type Registry[T Member] struct {
	mu      sync.Mutex
	members []T

	sched   scheduler.Scheduler
	closer  func(T)
	onPurge func(T)
	logger  *slog.Logger
}

// New creates a registry. Purged members are passed to closer on sched,
// never inline with PurgeDisconnected.
func New[T Member](sched scheduler.Scheduler, closer func(T), logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[T]{sched: sched, closer: closer, logger: logger}
}

// OnPurge sets a hook called synchronously for each member removed by
// PurgeDisconnected, before its close is scheduled.
func (r *Registry[T]) OnPurge(fn func(T)) {
	r.mu.Lock()
	r.onPurge = fn
	r.mu.Unlock()
}

// Register adds doc. Registering a member twice is a no-op.
func (r *Registry[T]) Register(doc T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(doc) >= 0 {
		return
	}
	r.members = append(r.members, doc)
}

// Unregister removes doc. It reports whether doc was registered.
func (r *Registry[T]) Unregister(doc T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(doc)
	if i < 0 {
		return false
	}
	r.members = append(r.members[:i], r.members[i+1:]...)
	return true
}

// Contains reports whether doc is registered.
func (r *Registry[T]) Contains(doc T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked(doc) >= 0
}

// Len returns the number of registered members.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Members returns a snapshot of the registered members in insertion order.
func (r *Registry[T]) Members() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.members))
	copy(out, r.members)
	return out
}

// BroadcastTargets returns every member other than sender, in order.
func (r *Registry[T]) BroadcastTargets(sender T) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.members))
	for _, m := range r.members {
		if m != sender {
			out = append(out, m)
		}
	}
	return out
}

// PurgeDisconnected removes every member whose host left the page and
// schedules its close. It returns the purged members.
func (r *Registry[T]) PurgeDisconnected() []T {
	snapshot := r.Members()
	r.mu.Lock()
	onPurge := r.onPurge
	r.mu.Unlock()
	var purged []T
	for _, m := range snapshot {
		if m.Connected() {
			continue
		}
		if !r.Unregister(m) {
			continue
		}
		purged = append(purged, m)
		if onPurge != nil {
			onPurge(m)
		}
		mderrors.Report(&mderrors.DocError{
			Op:   "registry.purge",
			Kind: mderrors.KindInvariant,
			Err:  fmt.Errorf("shadow doc was not previously closed: %v", m),
		})
		if r.closer != nil {
			r.sched.Post(func() { r.closer(m) })
		}
	}
	if len(purged) > 0 {
		r.logger.Debug("registry: purged disconnected documents", "count", len(purged), "remaining", r.Len())
	}
	return purged
}

func (r *Registry[T]) indexLocked(doc T) int {
	for i, m := range r.members {
		if m == doc {
			return i
		}
	}
	return -1
}
