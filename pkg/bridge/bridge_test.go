package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-drift/multidoc/pkg/doccontext"
	"github.com/go-drift/multidoc/pkg/dom"
	mderrors "github.com/go-drift/multidoc/pkg/errors"
	"github.com/go-drift/multidoc/pkg/multidoc"
	"github.com/go-drift/multidoc/pkg/scheduler"
)

type nopHandler struct{}

func (nopHandler) HandleError(*mderrors.DocError)   {}
func (nopHandler) HandlePanic(*mderrors.PanicError) {}

type fixture struct {
	pubsub *gochannel.GoChannel
	m      *multidoc.Manager
	doc    *multidoc.ShadowDoc
	bridge *Bridge
	out    <-chan *message.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prev := mderrors.SetHandler(nopHandler{})
	t.Cleanup(func() { mderrors.SetHandler(prev) })

	page, err := dom.ParseString(`<html><head></head><body><div id="a"></div></body></html>`)
	require.NoError(t, err)
	doc, err := dom.ParseDocument(`<html><head><title>A</title></head><body></body></html>`)
	require.NoError(t, err)

	m := multidoc.New(page, multidoc.Options{Scheduler: scheduler.NewManual(), Development: true})
	d, err := m.AttachDoc(page.ElementByID("a"), doc, "https://a.example/", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() {
		cancel()
		_ = pubsub.Close()
	})

	out, err := pubsub.Subscribe(ctx, TopicOutbound)
	require.NoError(t, err)

	b := New(pubsub, pubsub, m, Config{}, nil)
	b.Expose(d)
	require.NoError(t, b.Start(ctx))
	return &fixture{pubsub: pubsub, m: m, doc: d, bridge: b, out: out}
}

func (f *fixture) next(t *testing.T) (*message.Message, Envelope) {
	t.Helper()
	select {
	case msg := <-f.out:
		msg.Ack()
		env, err := Decode(msg)
		require.NoError(t, err)
		return msg, env
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound message")
	}
	return nil, Envelope{}
}

func TestBridge_AwaitedRequestGetsCorrelatedResponse(t *testing.T) {
	f := newFixture(t)
	doccontext.ViewerOf(f.doc.Context()).RegisterHandler("echo", func(data any, await bool) (any, error) {
		return map[string]any{"echo": data, "await": await}, nil
	})

	req, err := Request(f.doc.ID(), "echo", "hi", true)
	require.NoError(t, err)
	require.NoError(t, f.pubsub.Publish(TopicInbound, req))

	msg, env := f.next(t)
	assert.Equal(t, req.UUID, middleware.MessageCorrelationID(msg))
	assert.Equal(t, KindResponse, env.Kind)
	assert.Equal(t, f.doc.ID(), env.DocID)
	assert.Empty(t, env.Error)
	assert.Equal(t, map[string]any{"echo": "hi", "await": true}, env.Data)
}

func TestBridge_UnknownDocumentRespondsWithError(t *testing.T) {
	f := newFixture(t)

	req, err := Request("doc_missing", "echo", nil, true)
	require.NoError(t, err)
	require.NoError(t, f.pubsub.Publish(TopicInbound, req))

	_, env := f.next(t)
	assert.Equal(t, KindResponse, env.Kind)
	assert.Contains(t, env.Error, "unknown document")
}

func TestBridge_ClosedDocumentRespondsWithError(t *testing.T) {
	f := newFixture(t)
	id := f.doc.ID()
	f.doc.Close()

	req, err := Request(id, "echo", nil, true)
	require.NoError(t, err)
	require.NoError(t, f.pubsub.Publish(TopicInbound, req))

	_, env := f.next(t)
	assert.NotEmpty(t, env.Error)
}

func TestBridge_ExposeForwardsDocumentMessages(t *testing.T) {
	f := newFixture(t)

	doccontext.ViewerOf(f.doc.Context()).SendMessage("documentHeight", map[string]any{"height": 240})

	_, env := f.next(t)
	assert.Equal(t, KindMessage, env.Kind)
	assert.Equal(t, "documentHeight", env.Type)
	assert.Equal(t, map[string]any{"height": float64(240)}, env.Data)
}

func TestBridge_UnawaitedRequestHasNoResponse(t *testing.T) {
	f := newFixture(t)
	var got []any
	doccontext.ViewerOf(f.doc.Context()).RegisterHandler("notify", func(data any, _ bool) (any, error) {
		got = append(got, data)
		return "ignored", nil
	})

	req, err := Request(f.doc.ID(), "notify", "x", false)
	require.NoError(t, err)
	require.NoError(t, f.pubsub.Publish(TopicInbound, req))

	require.Eventually(t, func() bool { return f.bridge.Received() == 1 }, 2*time.Second, 5*time.Millisecond)
	select {
	case msg := <-f.out:
		t.Fatalf("unexpected outbound message %s", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBridge_MalformedEnvelopeIsDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pubsub.Publish(TopicInbound, message.NewMessage(watermill.NewUUID(), []byte("{"))))
	require.Eventually(t, func() bool { return f.bridge.Received() == 1 }, 2*time.Second, 5*time.Millisecond)
}
