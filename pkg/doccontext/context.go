// Package doccontext provides the per-document service container: the bundle
// of stateful services (visibility, signals, metadata, resources, viewer)
// created when a document is attached and torn down when it is closed.
package doccontext

import (
	"sync"

	"github.com/go-drift/multidoc/pkg/dom"
	"golang.org/x/net/html"
)

// VisibilityState represents the visibility of a hosted document.
type VisibilityState string

const (
	// VisibilityPrerender indicates the document is being prepared but not shown.
	VisibilityPrerender VisibilityState = "prerender"

	// VisibilityVisible indicates the document is shown.
	VisibilityVisible VisibilityState = "visible"

	// VisibilityHidden indicates the document is temporarily not shown.
	VisibilityHidden VisibilityState = "hidden"

	// VisibilityPaused indicates the document is shown but its media and
	// animations are paused.
	VisibilityPaused VisibilityState = "paused"

	// VisibilityInactive indicates the document is no longer shown and should
	// release resources.
	VisibilityInactive VisibilityState = "inactive"
)

// Valid reports whether s is a known state.
func (s VisibilityState) Valid() bool {
	switch s {
	case VisibilityPrerender, VisibilityVisible, VisibilityHidden, VisibilityPaused, VisibilityInactive:
		return true
	}
	return false
}

// VisibilityHandler is called when the visibility state changes.
type VisibilityHandler func(state VisibilityState)

// Well-known service names.
const (
	ServiceViewer    = "viewer"
	ServiceResources = "resources"
	ServiceBind      = "bind"
)

// Disposable is implemented by services that hold resources.
type Disposable interface {
	Dispose()
}

type namedService struct {
	name string
	svc  any
}

// Context is the service container of one hosted document.
//
// All methods are safe for concurrent use. Handlers run without the lock held.
type Context struct {
	url    string
	root   *dom.ShadowRoot
	params map[string]string

	mu         sync.RWMutex
	visibility VisibilityState
	visHandler []VisibilityHandler
	meta       map[string]string
	body       *html.Node
	services   []namedService
	disposed   bool

	signals *Signals
}

// New creates a context for the document at url hosted in root. The initial
// visibility is taken from the "visibilityState" param, defaulting to visible.
func New(url string, root *dom.ShadowRoot, params map[string]string) *Context {
	p := make(map[string]string, len(params))
	for k, v := range params {
		p[k] = v
	}
	vis := VisibilityState(p["visibilityState"])
	if !vis.Valid() {
		vis = VisibilityVisible
	}
	return &Context{
		url:        url,
		root:       root,
		params:     p,
		visibility: vis,
		meta:       make(map[string]string),
		signals:    NewSignals(),
	}
}

// URL returns the document URL.
func (c *Context) URL() string { return c.url }

// Root returns the document's boundary.
func (c *Context) Root() *dom.ShadowRoot { return c.root }

// Param returns an init parameter.
func (c *Context) Param(name string) (string, bool) {
	v, ok := c.params[name]
	return v, ok
}

// Signals returns the document's signal set.
func (c *Context) Signals() *Signals { return c.signals }

// VisibilityState returns the current visibility state.
func (c *Context) VisibilityState() VisibilityState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visibility
}

// OverrideVisibilityState sets the visibility state and notifies handlers if
// it changed.
func (c *Context) OverrideVisibilityState(state VisibilityState) {
	c.mu.Lock()
	if c.visibility == state {
		c.mu.Unlock()
		return
	}
	c.visibility = state
	handlers := make([]VisibilityHandler, len(c.visHandler))
	copy(handlers, c.visHandler)
	c.mu.Unlock()

	for _, h := range handlers {
		h(state)
	}
}

// OnVisibilityChanged registers a handler for visibility changes.
func (c *Context) OnVisibilityChanged(h VisibilityHandler) {
	c.mu.Lock()
	c.visHandler = append(c.visHandler, h)
	c.mu.Unlock()
}

// SetMetaByName records a name/content pair from the document head.
func (c *Context) SetMetaByName(name, content string) {
	c.mu.Lock()
	c.meta[name] = content
	c.mu.Unlock()
}

// MetaByName returns a recorded meta content.
func (c *Context) MetaByName(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.meta[name]
	return v, ok
}

// Meta returns a copy of every recorded meta pair.
func (c *Context) Meta() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.meta))
	for k, v := range c.meta {
		out[k] = v
	}
	return out
}

// SetBody records the document body inside the boundary and signals
// SignalBodyAvailable.
func (c *Context) SetBody(body *html.Node) {
	c.mu.Lock()
	c.body = body
	c.mu.Unlock()
	c.signals.Signal(SignalBodyAvailable)
}

// Body returns the document body, or nil.
func (c *Context) Body() *html.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.body
}

// SetReady marks the document ready.
func (c *Context) SetReady() {
	c.signals.Signal(SignalReady)
}

// IsReady reports whether SetReady was called.
func (c *Context) IsReady() bool {
	_, ok := c.signals.Get(SignalReady)
	return ok
}

// RegisterService adds a named service. A second registration under the same
// name replaces the first.
func (c *Context) RegisterService(name string, svc any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.services {
		if s.name == name {
			c.services[i].svc = svc
			return
		}
	}
	c.services = append(c.services, namedService{name: name, svc: svc})
}

// Service returns the named service, or nil.
func (c *Context) Service(name string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.services {
		if s.name == name {
			return s.svc
		}
	}
	return nil
}

// Disposed reports whether Dispose ran.
func (c *Context) Disposed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposed
}

// Dispose releases every Disposable service in reverse registration order.
// It reports false if the context was already disposed.
func (c *Context) Dispose() bool {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return false
	}
	c.disposed = true
	services := make([]namedService, len(c.services))
	copy(services, c.services)
	c.visHandler = nil
	c.mu.Unlock()

	for i := len(services) - 1; i >= 0; i-- {
		if d, ok := services[i].svc.(Disposable); ok {
			d.Dispose()
		}
	}
	return true
}
