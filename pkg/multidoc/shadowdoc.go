package multidoc

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/go-drift/multidoc/pkg/doccontext"
	"github.com/go-drift/multidoc/pkg/dom"
	"github.com/go-drift/multidoc/pkg/messaging"
	"github.com/go-drift/multidoc/pkg/scheduler"
	"github.com/go-drift/multidoc/pkg/viewer"
	"github.com/go-drift/multidoc/pkg/writer"
	"golang.org/x/net/html"
)

// ShadowDoc is the embedder's handle on one hosted document.
//
// All methods are safe for concurrent use.
type ShadowDoc struct {
	m *Manager

	id         string
	url        string
	origin     string
	host       *html.Node
	root       *dom.ShadowRoot
	ctx        *doccontext.Context
	viewer     *viewer.Viewer
	channel    *messaging.Channel
	strategy   string
	attachedAt time.Time

	ready *scheduler.Future

	mu              sync.Mutex
	phase           Phase
	title           string
	canonicalURL    string
	head            *html.Node
	writer          *writer.Writer
	renderScheduled bool
	renderStarted   bool
	closed          *scheduler.Future
}

// ID returns the document identifier.
func (d *ShadowDoc) ID() string { return d.id }

// URL returns the document URL.
func (d *ShadowDoc) URL() string { return d.url }

// Origin returns the origin of the document URL.
func (d *ShadowDoc) Origin() string { return d.origin }

// Host returns the element hosting the document.
func (d *ShadowDoc) Host() *html.Node { return d.host }

// Root returns the document's boundary.
func (d *ShadowDoc) Root() *dom.ShadowRoot { return d.root }

// Connected reports whether the host is still in the page.
func (d *ShadowDoc) Connected() bool { return d.root.Connected() }

// Transport returns the document's viewer.
func (d *ShadowDoc) Transport() viewer.Transport { return d.viewer }

func (d *ShadowDoc) String() string {
	return fmt.Sprintf("%s(%s)", d.id, d.url)
}

// Phase returns the current lifecycle phase.
func (d *ShadowDoc) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Title returns the title merged from the document head.
func (d *ShadowDoc) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title
}

// CanonicalURL returns the canonical URL merged from the document head.
func (d *ShadowDoc) CanonicalURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canonicalURL
}

// Head returns the merged head element, or nil before the head arrived.
func (d *ShadowDoc) Head() *html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.head
}

// Writer returns the streaming writer of a document attached with
// AttachDocAsStream. It is nil once the stream ended.
func (d *ShadowDoc) Writer() *writer.Writer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writer
}

// Context returns the document's service context in development mode and nil
// otherwise.
func (d *ShadowDoc) Context() *doccontext.Context {
	if !d.m.opts.Development {
		return nil
	}
	return d.ctx
}

// ToggleRuntime flips the document runtime on or off. It is only available in
// development mode.
func (d *ShadowDoc) ToggleRuntime() error {
	if !d.m.opts.Development {
		return ErrNotDevelopment
	}
	d.viewer.ToggleRuntime()
	return nil
}

// SetVisibilityState overrides the document's visibility.
func (d *ShadowDoc) SetVisibilityState(state doccontext.VisibilityState) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidVisibility, state)
	}
	if !d.Phase().Live() {
		return ErrClosed
	}
	d.ctx.OverrideVisibilityState(state)
	return nil
}

// VisibilityState returns the document's visibility.
func (d *ShadowDoc) VisibilityState() doccontext.VisibilityState {
	return d.ctx.VisibilityState()
}

// PostMessage delivers an embedder message into the document.
func (d *ShadowDoc) PostMessage(msgType string, data any, awaitResponse bool) (any, error) {
	resp, err := d.channel.PostMessage(msgType, data, awaitResponse)
	if errors.Is(err, messaging.ErrClosed) || errors.Is(err, viewer.ErrClosed) {
		return nil, ErrClosed
	}
	return resp, err
}

// OnMessage sets the handler of document-originated messages. The last
// registration wins.
func (d *ShadowDoc) OnMessage(h messaging.Handler) {
	d.channel.OnMessage(h)
}

// Ready returns a future resolved once the document is ready, or with
// ErrClosed if it closed first.
func (d *ShadowDoc) Ready() *scheduler.Future { return d.ready }

// Close closes the document. The returned future resolves once the close is
// confirmed by a resources pass or the close timeout elapsed. Repeated calls
// return the same future.
func (d *ShadowDoc) Close() *scheduler.Future {
	return d.m.closeDoc(d, closeExplicit)
}

// GetState returns a copy of the bound state at a dotted path.
func (d *ShadowDoc) GetState(name string) (any, error) {
	bind, err := d.bind()
	if err != nil {
		return nil, err
	}
	return bind.GetState(name)
}

// SetState merges state into the bound state. A string is evaluated as an
// expression; maps, slices and structs are merged as objects.
func (d *ShadowDoc) SetState(state any) error {
	bind, err := d.bind()
	if err != nil {
		return err
	}
	if s, ok := state.(string); ok {
		return bind.SetStateWithExpression(s, map[string]any{})
	}
	if !isObject(state) {
		return ErrInvalidState
	}
	return bind.SetStateWithObject(state)
}

func (d *ShadowDoc) bind() (*doccontext.Bind, error) {
	if !d.Phase().Live() {
		return nil, ErrClosed
	}
	bind := doccontext.BindOf(d.ctx)
	if bind == nil {
		return nil, ErrBindUnavailable
	}
	return bind, nil
}

func isObject(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	}
	return false
}

// advance moves the phase forward. It reports false if the document is
// already at or past p.
func (d *ShadowDoc) advance(p Phase) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase >= p {
		return false
	}
	d.phase = p
	return true
}
