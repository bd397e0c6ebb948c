package doccontext

import (
	"sync"
	"time"
)

// Common signal names.
const (
	// SignalRenderStart marks that the document content is ready to be shown.
	SignalRenderStart = "render-start"
	// SignalReady marks that population of the document finished.
	SignalReady = "ready"
	// SignalBodyAvailable marks that the document body exists in the boundary.
	SignalBodyAvailable = "body-available"
	// SignalStubbingComplete may be raised by the embedder once custom
	// elements in the boundary are upgraded. It short-circuits the ready delay.
	SignalStubbingComplete = "stubbing-complete"
)

// Signals is a set of one-shot, named signals. A signal fires at most once;
// listeners registered after it fired are called immediately.
type Signals struct {
	mu        sync.Mutex
	fired     map[string]time.Time
	listeners map[string][]func()
	now       func() time.Time
}

// NewSignals returns an empty signal set.
func NewSignals() *Signals {
	return &Signals{
		fired:     make(map[string]time.Time),
		listeners: make(map[string][]func()),
		now:       time.Now,
	}
}

// Signal fires name. It reports false if name had already fired.
func (s *Signals) Signal(name string) bool {
	s.mu.Lock()
	if _, ok := s.fired[name]; ok {
		s.mu.Unlock()
		return false
	}
	s.fired[name] = s.now()
	listeners := s.listeners[name]
	delete(s.listeners, name)
	s.mu.Unlock()

	for _, l := range listeners {
		l()
	}
	return true
}

// Get returns when name fired, and whether it has.
func (s *Signals) Get(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.fired[name]
	return t, ok
}

// WhenSignal calls fn once name fires.
func (s *Signals) WhenSignal(name string, fn func()) {
	s.mu.Lock()
	if _, ok := s.fired[name]; ok {
		s.mu.Unlock()
		fn()
		return
	}
	s.listeners[name] = append(s.listeners[name], fn)
	s.mu.Unlock()
}
