// Package bridge exposes hosted documents to an out-of-process embedder over a
// watermill pub/sub.
//
// Embedder requests arrive on the inbound topic as Envelopes addressed to a
// document id and are delivered with ShadowDoc.PostMessage. Messages a
// document sends to its embedder, and responses to awaited requests, are
// published on the outbound topic. Responses carry the request's correlation
// id.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	mderrors "github.com/go-drift/multidoc/pkg/errors"
	"github.com/go-drift/multidoc/pkg/multidoc"
	"github.com/go-drift/multidoc/pkg/viewer"
)

// Default topics.
const (
	TopicInbound  = "multidoc.inbound"
	TopicOutbound = "multidoc.outbound"
)

// Envelope kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindMessage  = "message"
)

// ErrUnknownDocument indicates an envelope addressed to no live document.
var ErrUnknownDocument = errors.New("bridge: unknown document")

// Envelope is the wire form of one bridged message.
type Envelope struct {
	Kind  string `json:"kind"`
	DocID string `json:"docId"`
	Type  string `json:"type,omitempty"`
	Data  any    `json:"data,omitempty"`
	Await bool   `json:"await,omitempty"`
	Error string `json:"error,omitempty"`
}

// Resolver looks up live documents by id.
type Resolver interface {
	Doc(id string) *multidoc.ShadowDoc
}

// ExecFunc runs fn in the documents' scheduling domain and waits for it.
type ExecFunc func(ctx context.Context, fn func()) error

// Config configures a Bridge.
type Config struct {
	InboundTopic  string
	OutboundTopic string
	// Exec runs deliveries into documents. Nil runs them on the bridge's
	// goroutine.
	Exec ExecFunc
}

// Bridge relays envelopes between the pub/sub and hosted documents.
type Bridge struct {
	pub      message.Publisher
	sub      message.Subscriber
	docs     Resolver
	cfg      Config
	logger   watermill.LoggerAdapter
	codec    viewer.JSONCodec
	wg       sync.WaitGroup
	mu       sync.Mutex
	received int
}

// New creates a bridge over pub and sub.
func New(pub message.Publisher, sub message.Subscriber, docs Resolver, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.InboundTopic == "" {
		cfg.InboundTopic = TopicInbound
	}
	if cfg.OutboundTopic == "" {
		cfg.OutboundTopic = TopicOutbound
	}
	if cfg.Exec == nil {
		cfg.Exec = func(_ context.Context, fn func()) error {
			fn()
			return nil
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		pub:    pub,
		sub:    sub,
		docs:   docs,
		cfg:    cfg,
		logger: NewLogger(logger),
	}
}

var levelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelDebug,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewLogger adapts logger for watermill. Watermill's info chatter is demoted
// to debug.
func NewLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLoggerWithLevelMapping(logger, levelMapping)
}

// NewGoChannel returns an in-process pub/sub suitable for a Bridge.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, NewLogger(logger))
}

// Expose forwards messages d sends to its embedder onto the outbound topic.
// It replaces any handler previously set with d.OnMessage.
func (b *Bridge) Expose(d *multidoc.ShadowDoc) {
	id := d.ID()
	d.OnMessage(func(msgType string, data any, _ bool) (any, error) {
		err := b.publish(Envelope{Kind: KindMessage, DocID: id, Type: msgType, Data: data}, "")
		return nil, err
	})
}

// Start subscribes to the inbound topic and processes envelopes until ctx is
// done. It returns once the subscription exists.
func (b *Bridge) Start(ctx context.Context) error {
	msgs, err := b.sub.Subscribe(ctx, b.cfg.InboundTopic)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", b.cfg.InboundTopic, err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer mderrors.Recover("bridge.run")
		for msg := range msgs {
			b.handle(ctx, msg)
		}
	}()
	return nil
}

// Wait blocks until the processing goroutine started by Start returns.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Received returns the number of inbound envelopes processed.
func (b *Bridge) Received() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.received
}

func (b *Bridge) handle(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	b.mu.Lock()
	b.received++
	b.mu.Unlock()

	var env Envelope
	if err := b.codec.DecodeInto(msg.Payload, &env); err != nil {
		b.report(env.DocID, fmt.Errorf("decode %s: %w", msg.UUID, err))
		return
	}
	if env.Kind != "" && env.Kind != KindRequest {
		b.logger.Debug("bridge: ignoring envelope", watermill.LogFields{"kind": env.Kind, "uuid": msg.UUID})
		return
	}

	correlationID := middleware.MessageCorrelationID(msg)
	if correlationID == "" {
		correlationID = msg.UUID
	}

	var resp any
	var deliverErr error
	err := b.cfg.Exec(ctx, func() {
		d := b.docs.Doc(env.DocID)
		if d == nil {
			deliverErr = fmt.Errorf("%w: %q", ErrUnknownDocument, env.DocID)
			return
		}
		resp, deliverErr = d.PostMessage(env.Type, env.Data, env.Await)
	})
	if err != nil {
		deliverErr = err
	}
	if deliverErr != nil {
		b.report(env.DocID, deliverErr)
	}
	if !env.Await {
		return
	}

	out := Envelope{Kind: KindResponse, DocID: env.DocID, Type: env.Type, Data: resp}
	if deliverErr != nil {
		out.Error = deliverErr.Error()
	}
	if err := b.publish(out, correlationID); err != nil {
		b.report(env.DocID, err)
	}
}

func (b *Bridge) publish(env Envelope, correlationID string) error {
	payload, err := b.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("bridge: encode: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if correlationID != "" {
		middleware.SetCorrelationID(correlationID, msg)
	}
	if err := b.pub.Publish(b.cfg.OutboundTopic, msg); err != nil {
		return fmt.Errorf("bridge: publish %s: %w", b.cfg.OutboundTopic, err)
	}
	return nil
}

func (b *Bridge) report(docID string, err error) {
	url := ""
	if d := b.docs.Doc(docID); d != nil {
		url = d.URL()
	}
	mderrors.Report(&mderrors.DocError{
		Op:   "bridge.handle",
		Kind: mderrors.KindTransport,
		Err:  err,
		URL:  url,
	})
}

// Request builds an inbound request message. The message UUID doubles as the
// correlation id of the response.
func Request(docID, msgType string, data any, await bool) (*message.Message, error) {
	payload, err := viewer.JSONCodec{}.Encode(Envelope{
		Kind:  KindRequest,
		DocID: docID,
		Type:  msgType,
		Data:  data,
		Await: await,
	})
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	msg := message.NewMessage(id, payload)
	middleware.SetCorrelationID(id, msg)
	return msg, nil
}

// Decode decodes an outbound message.
func Decode(msg *message.Message) (Envelope, error) {
	var env Envelope
	err := viewer.JSONCodec{}.DecodeInto(msg.Payload, &env)
	return env, err
}
