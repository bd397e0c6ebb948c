// Package viewer provides the per-document message transport between a hosted
// document and its embedder.
//
// Messages from the embedder enter the document through ReceiveMessage and are
// routed to handlers the document registered by message type. Messages from
// the document leave through SendMessage and are handed to the Deliverer the
// host installed with SetMessageDeliverer. Messages sent before a deliverer is
// installed are queued and flushed when it arrives.
package viewer

import (
	"errors"
	"fmt"
	"sync"
)

// Standard errors for viewer operations.
var (
	// ErrUnknownMessage indicates no handler is registered for a message type.
	ErrUnknownMessage = errors.New("viewer: unknown message")

	// ErrNoDeliverer indicates a response was awaited before a deliverer was
	// installed.
	ErrNoDeliverer = errors.New("viewer: no message deliverer")

	// ErrClosed indicates the viewer was closed.
	ErrClosed = errors.New("viewer: closed")
)

// Deliverer carries document-originated messages toward the embedder.
type Deliverer func(msgType string, data any, awaitResponse bool) (any, error)

// RequestHandler handles an embedder message inside the document.
type RequestHandler func(data any, awaitResponse bool) (any, error)

// Transport is the contract the host uses to talk to a document's viewer.
type Transport interface {
	// ReceiveMessage delivers an embedder message into the document.
	ReceiveMessage(msgType string, data any, awaitResponse bool) (any, error)

	// SetMessageDeliverer installs the outbound path for document messages.
	// origin is the document origin the deliverer accepts messages from.
	SetMessageDeliverer(d Deliverer, origin string)
}

type queuedMessage struct {
	msgType string
	data    any
}

// Viewer is the default Transport. All methods are safe for concurrent use;
// handlers and deliverers are always called without the lock held.
type Viewer struct {
	mu        sync.Mutex
	url       string
	handlers  map[string]RequestHandler
	deliverer Deliverer
	origin    string
	queue     []queuedMessage
	closed    bool

	runtimeOn        bool
	runtimeListeners []func(on bool)
}

// New creates a viewer for the document at url.
func New(url string) *Viewer {
	return &Viewer{
		url:       url,
		handlers:  make(map[string]RequestHandler),
		runtimeOn: true,
	}
}

// URL returns the document URL this viewer serves.
func (v *Viewer) URL() string {
	return v.url
}

// RegisterHandler routes embedder messages of msgType to h. The returned
// function removes the handler.
func (v *Viewer) RegisterHandler(msgType string, h RequestHandler) (unregister func()) {
	v.mu.Lock()
	v.handlers[msgType] = h
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.handlers, msgType)
		v.mu.Unlock()
	}
}

// ReceiveMessage delivers an embedder message into the document. Without a
// handler for msgType it returns ErrUnknownMessage when a response is awaited
// and silently drops the message otherwise.
func (v *Viewer) ReceiveMessage(msgType string, data any, awaitResponse bool) (any, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrClosed
	}
	h := v.handlers[msgType]
	v.mu.Unlock()

	if h == nil {
		if awaitResponse {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, msgType)
		}
		return nil, nil
	}
	resp, err := h(data, awaitResponse)
	if !awaitResponse {
		return nil, err
	}
	return resp, err
}

// SetMessageDeliverer installs the outbound path and flushes messages queued
// while none was set.
func (v *Viewer) SetMessageDeliverer(d Deliverer, origin string) {
	v.mu.Lock()
	v.deliverer = d
	v.origin = origin
	queued := v.queue
	v.queue = nil
	v.mu.Unlock()

	if d == nil {
		return
	}
	for _, m := range queued {
		d(m.msgType, m.data, false)
	}
}

// Origin returns the origin the current deliverer was installed for.
func (v *Viewer) Origin() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.origin
}

// SendMessage sends a document message to the embedder without waiting for a
// response. It is queued if no deliverer is installed yet.
func (v *Viewer) SendMessage(msgType string, data any) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	d := v.deliverer
	if d == nil {
		v.queue = append(v.queue, queuedMessage{msgType: msgType, data: data})
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	d(msgType, data, false)
}

// SendMessageAwaitResponse sends a document message and returns the
// embedder's response.
func (v *Viewer) SendMessageAwaitResponse(msgType string, data any) (any, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrClosed
	}
	d := v.deliverer
	v.mu.Unlock()
	if d == nil {
		return nil, ErrNoDeliverer
	}
	return d(msgType, data, true)
}

// Broadcast sends data to every sibling document through the host.
func (v *Viewer) Broadcast(data any) {
	v.SendMessage(MessageBroadcast, data)
}

// ToggleRuntime flips the runtime on/off flag and notifies listeners.
func (v *Viewer) ToggleRuntime() {
	v.mu.Lock()
	v.runtimeOn = !v.runtimeOn
	on := v.runtimeOn
	listeners := make([]func(bool), len(v.runtimeListeners))
	copy(listeners, v.runtimeListeners)
	v.mu.Unlock()

	for _, l := range listeners {
		l(on)
	}
}

// RuntimeOn reports whether the runtime is on.
func (v *Viewer) RuntimeOn() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.runtimeOn
}

// OnRuntimeToggle registers a listener for ToggleRuntime.
func (v *Viewer) OnRuntimeToggle(fn func(on bool)) {
	v.mu.Lock()
	v.runtimeListeners = append(v.runtimeListeners, fn)
	v.mu.Unlock()
}

// Close detaches the deliverer and drops handlers and queued messages.
func (v *Viewer) Close() {
	v.mu.Lock()
	v.closed = true
	v.deliverer = nil
	v.handlers = make(map[string]RequestHandler)
	v.queue = nil
	v.runtimeListeners = nil
	v.mu.Unlock()
}

// Dispose implements the service disposal hook.
func (v *Viewer) Dispose() {
	v.Close()
}

// MessageBroadcast is the reserved message type for cross-document broadcast.
const MessageBroadcast = "broadcast"
