package messaging

import (
	"errors"
	"testing"

	"github.com/go-drift/multidoc/pkg/registry"
	"github.com/go-drift/multidoc/pkg/scheduler"
	"github.com/go-drift/multidoc/pkg/viewer"
)

type doc struct {
	name      string
	connected bool
	v         *viewer.Viewer
	ch        *Channel
	got       []any
}

func (d *doc) Connected() bool             { return d.connected }
func (d *doc) Transport() viewer.Transport { return d.v }
func (d *doc) String() string              { return d.name }

type world struct {
	sched *scheduler.Manual
	reg   *registry.Registry[*doc]
	bc    *Broadcaster[*doc]
}

func newWorld() *world {
	sched := scheduler.NewManual()
	reg := registry.New[*doc](sched, nil, nil)
	return &world{sched: sched, reg: reg, bc: NewBroadcaster(reg, sched)}
}

func (w *world) add(name string) *doc {
	d := &doc{name: name, connected: true, v: viewer.New("https://" + name + ".example/")}
	d.v.RegisterHandler(viewer.MessageBroadcast, func(data any, _ bool) (any, error) {
		d.got = append(d.got, data)
		return nil, nil
	})
	d.ch = NewChannel(d.v, "https://"+name+".example", func(data any) {
		w.bc.Broadcast(d, data)
	})
	w.reg.Register(d)
	return d
}

func TestBroadcast_ExactlyOncePerSibling(t *testing.T) {
	w := newWorld()
	a, b, c := w.add("a"), w.add("b"), w.add("c")

	a.v.Broadcast(map[string]any{"n": 1})
	if len(b.got) != 0 || len(c.got) != 0 {
		t.Fatal("broadcast delivered synchronously")
	}
	w.sched.Flush()

	if len(a.got) != 0 {
		t.Errorf("sender received %d broadcasts, want 0", len(a.got))
	}
	for _, d := range []*doc{b, c} {
		if len(d.got) != 1 {
			t.Errorf("%s received %d broadcasts, want 1", d.name, len(d.got))
			continue
		}
		if m, ok := d.got[0].(map[string]any); !ok || m["n"] != float64(1) {
			t.Errorf("%s payload = %#v", d.name, d.got[0])
		}
	}
}

func TestBroadcast_PayloadIsolated(t *testing.T) {
	w := newWorld()
	a, b, c := w.add("a"), w.add("b"), w.add("c")
	a.v.Broadcast(map[string]any{"k": "v"})
	w.sched.Flush()

	b.got[0].(map[string]any)["k"] = "changed"
	if c.got[0].(map[string]any)["k"] != "v" {
		t.Error("targets share one payload")
	}
}

func TestBroadcast_PurgesDetachedTargets(t *testing.T) {
	w := newWorld()
	a, b := w.add("a"), w.add("b")
	b.connected = false

	if n := w.bc.Broadcast(a, "x"); n != 0 {
		t.Errorf("scheduled = %d, want 0", n)
	}
	w.sched.Flush()
	if len(b.got) != 0 {
		t.Error("detached document received broadcast")
	}
	if w.reg.Contains(b) {
		t.Error("detached document still registered")
	}
}

func TestBroadcast_ClosedTargetIgnored(t *testing.T) {
	w := newWorld()
	a, b := w.add("a"), w.add("b")
	var errs []error
	w.bc.OnDeliver = func(_ *doc, err error) { errs = append(errs, err) }

	w.bc.Broadcast(a, "x")
	b.v.Close()
	w.sched.Flush()

	if len(errs) != 1 || !errors.Is(errs[0], viewer.ErrClosed) {
		t.Errorf("delivery errs = %v, want [ErrClosed]", errs)
	}
}

func TestChannel_PostMessage(t *testing.T) {
	w := newWorld()
	a := w.add("a")
	a.v.RegisterHandler("ping", func(data any, _ bool) (any, error) { return "pong", nil })

	resp, err := a.ch.PostMessage("ping", nil, true)
	if err != nil || resp != "pong" {
		t.Errorf("PostMessage await = (%v, %v), want (pong, nil)", resp, err)
	}
	resp, err = a.ch.PostMessage("ping", nil, false)
	if err != nil || resp != nil {
		t.Errorf("PostMessage no-await = (%v, %v), want (nil, nil)", resp, err)
	}

	a.ch.Close()
	if _, err := a.ch.PostMessage("ping", nil, true); !errors.Is(err, ErrClosed) {
		t.Errorf("PostMessage after close err = %v, want ErrClosed", err)
	}
}

func TestChannel_OnMessageLastWins(t *testing.T) {
	w := newWorld()
	a := w.add("a")
	var first, second int
	a.ch.OnMessage(func(string, any, bool) (any, error) { first++; return nil, nil })
	a.ch.OnMessage(func(msgType string, _ any, await bool) (any, error) {
		second++
		if await {
			return msgType + "-ack", nil
		}
		return nil, nil
	})

	a.v.SendMessage("documentLoaded", nil)
	resp, err := a.v.SendMessageAwaitResponse("q", nil)
	if err != nil || resp != "q-ack" {
		t.Errorf("await = (%v, %v)", resp, err)
	}
	if first != 0 || second != 2 {
		t.Errorf("calls = (%d, %d), want (0, 2)", first, second)
	}
}

func TestChannel_BroadcastNotForwardedToHandler(t *testing.T) {
	w := newWorld()
	a := w.add("a")
	w.add("b")
	handled := 0
	a.ch.OnMessage(func(string, any, bool) (any, error) { handled++; return nil, nil })

	resp, err := a.v.SendMessageAwaitResponse(viewer.MessageBroadcast, "x")
	if err != nil || resp != nil {
		t.Errorf("awaited broadcast = (%v, %v), want (nil, nil)", resp, err)
	}
	if handled != 0 {
		t.Errorf("handler saw %d broadcasts, want 0", handled)
	}
}

func TestChannel_DropsWithoutHandler(t *testing.T) {
	w := newWorld()
	a := w.add("a")
	resp, err := a.v.SendMessageAwaitResponse("anything", nil)
	if err != nil || resp != nil {
		t.Errorf("unhandled = (%v, %v), want (nil, nil)", resp, err)
	}
}
