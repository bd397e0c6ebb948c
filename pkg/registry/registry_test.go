package registry

import (
	"testing"

	mderrors "github.com/go-drift/multidoc/pkg/errors"
	"github.com/go-drift/multidoc/pkg/scheduler"
)

type doc struct {
	name      string
	connected bool
}

func (d *doc) Connected() bool { return d.connected }
func (d *doc) String() string  { return d.name }

type warnCounter struct {
	n int
}

func (w *warnCounter) HandleError(err *mderrors.DocError) {
	if err.Kind == mderrors.KindInvariant {
		w.n++
	}
}
func (w *warnCounter) HandlePanic(*mderrors.PanicError) {}

func TestRegistry_RegisterIdempotentAndOrdered(t *testing.T) {
	r := New[*doc](scheduler.NewManual(), nil, nil)
	a, b := &doc{name: "a", connected: true}, &doc{name: "b", connected: true}
	r.Register(a)
	r.Register(b)
	r.Register(a)

	got := r.Members()
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("Members() = %v, want [a b]", got)
	}
	if !r.Unregister(a) {
		t.Error("Unregister(a) = false, want true")
	}
	if r.Unregister(a) {
		t.Error("second Unregister(a) = true, want false")
	}
	if r.Contains(a) || !r.Contains(b) || r.Len() != 1 {
		t.Errorf("after unregister: Contains(a)=%v Contains(b)=%v Len=%d", r.Contains(a), r.Contains(b), r.Len())
	}
}

func TestRegistry_BroadcastTargetsExcludeSender(t *testing.T) {
	r := New[*doc](scheduler.NewManual(), nil, nil)
	a := &doc{name: "a", connected: true}
	b := &doc{name: "b", connected: true}
	c := &doc{name: "c", connected: true}
	r.Register(a)
	r.Register(b)
	r.Register(c)

	got := r.BroadcastTargets(a)
	if len(got) != 2 || got[0] != b || got[1] != c {
		t.Errorf("BroadcastTargets(a) = %v, want [b c]", got)
	}
}

func TestRegistry_PurgeClosesAsynchronously(t *testing.T) {
	warns := &warnCounter{}
	prev := mderrors.SetHandler(warns)
	defer mderrors.SetHandler(prev)

	sched := scheduler.NewManual()
	var closed []*doc
	r := New(sched, func(d *doc) { closed = append(closed, d) }, nil)
	a := &doc{name: "a", connected: true}
	b := &doc{name: "b", connected: true}
	r.Register(a)
	r.Register(b)

	b.connected = false
	purged := r.PurgeDisconnected()

	if len(purged) != 1 || purged[0] != b {
		t.Fatalf("purged = %v, want [b]", purged)
	}
	if r.Contains(b) {
		t.Error("purged member still registered")
	}
	if len(closed) != 0 {
		t.Error("closer ran inline")
	}
	if warns.n != 1 {
		t.Errorf("warnings = %d, want 1", warns.n)
	}

	sched.Flush()
	if len(closed) != 1 || closed[0] != b {
		t.Errorf("closed = %v, want [b]", closed)
	}

	if again := r.PurgeDisconnected(); len(again) != 0 {
		t.Errorf("second purge = %v, want none", again)
	}
	if warns.n != 1 {
		t.Errorf("warnings after second purge = %d, want 1", warns.n)
	}
}

func TestRegistry_PurgeToleratesCloserUnregistering(t *testing.T) {
	sched := scheduler.NewManual()
	var r *Registry[*doc]
	r = New(sched, func(d *doc) { r.Unregister(d) }, nil)
	prev := mderrors.SetHandler(&warnCounter{})
	defer mderrors.SetHandler(prev)

	for _, name := range []string{"a", "b", "c"} {
		r.Register(&doc{name: name})
	}
	if got := len(r.PurgeDisconnected()); got != 3 {
		t.Errorf("purged = %d, want 3", got)
	}
	sched.Flush()
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_OnPurgeRunsInline(t *testing.T) {
	prev := mderrors.SetHandler(&warnCounter{})
	defer mderrors.SetHandler(prev)

	sched := scheduler.NewManual()
	var closed, hooked []*doc
	r := New(sched, func(d *doc) { closed = append(closed, d) }, nil)
	r.OnPurge(func(d *doc) { hooked = append(hooked, d) })
	a := &doc{name: "a", connected: true}
	b := &doc{name: "b"}
	r.Register(a)
	r.Register(b)

	r.PurgeDisconnected()
	if len(hooked) != 1 || hooked[0] != b {
		t.Errorf("hooked = %v, want [b]", hooked)
	}
	if len(closed) != 0 {
		t.Error("closer ran inline")
	}
	sched.Flush()
	if len(closed) != 1 {
		t.Errorf("closed = %v, want [b]", closed)
	}
}
