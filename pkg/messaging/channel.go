// Package messaging connects a sub-document's viewer to its embedder and fans
// broadcasts out to sibling documents.
package messaging

import (
	"errors"
	"sync"

	"github.com/go-drift/multidoc/pkg/viewer"
)

// ErrClosed is returned by a closed Channel.
var ErrClosed = errors.New("messaging: channel closed")

// Handler receives document-originated messages on the embedder side.
type Handler func(msgType string, data any, awaitResponse bool) (any, error)

// Channel is the bidirectional message pipe of one document.
//
// Embedder messages go in through PostMessage. Document messages come out
// through the deliverer the channel installs on the transport: broadcasts are
// handed to the broadcast function and everything else goes to the Handler
// registered with OnMessage, or is dropped when there is none.
type Channel struct {
	transport viewer.Transport
	broadcast func(data any)

	mu      sync.Mutex
	handler Handler
	closed  bool
}

// NewChannel wires a channel onto t. broadcast is called for every document
// broadcast; it may be nil.
func NewChannel(t viewer.Transport, origin string, broadcast func(data any)) *Channel {
	c := &Channel{transport: t, broadcast: broadcast}
	t.SetMessageDeliverer(c.deliver, origin)
	return c
}

// PostMessage delivers an embedder message into the document. Without
// awaitResponse the response is discarded.
func (c *Channel) PostMessage(msgType string, data any, awaitResponse bool) (any, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	resp, err := c.transport.ReceiveMessage(msgType, data, awaitResponse)
	if !awaitResponse {
		return nil, err
	}
	return resp, err
}

// OnMessage sets the embedder handler. The last registration wins; nil
// removes it.
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Close detaches the handler. Later document messages are dropped and
// PostMessage fails with ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.handler = nil
	c.mu.Unlock()
}

func (c *Channel) deliver(msgType string, data any, awaitResponse bool) (any, error) {
	c.mu.Lock()
	closed := c.closed
	h := c.handler
	c.mu.Unlock()
	if closed {
		return nil, nil
	}

	if msgType == viewer.MessageBroadcast {
		if c.broadcast != nil {
			c.broadcast(data)
		}
		return nil, nil
	}
	if h == nil {
		return nil, nil
	}
	return h(msgType, data, awaitResponse)
}
