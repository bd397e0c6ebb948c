package multidoc

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-drift/multidoc/pkg/doccontext"
	"github.com/go-drift/multidoc/pkg/dom"
	mderrors "github.com/go-drift/multidoc/pkg/errors"
	"github.com/go-drift/multidoc/pkg/metrics"
	"github.com/go-drift/multidoc/pkg/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const parentPage = `<!doctype html><html><head>
<link rel="stylesheet" href="https://fonts.example/icons.css">
</head><body><div id="a"></div><div id="b"></div><div id="c"></div></body></html>`

const articleDoc = `<!doctype html><html><head>
<title>Article A</title>
<link rel="canonical" href="https://a.example/canonical">
<script async custom-element="amp-bind" src="https://cdn.ampproject.org/v0/amp-bind-0.1.js"></script>
</head><body class="article"><p>hello</p></body></html>`

type reports struct {
	mu   sync.Mutex
	errs []*mderrors.DocError
}

func (r *reports) HandleError(err *mderrors.DocError) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}
func (r *reports) HandlePanic(*mderrors.PanicError) {}

func (r *reports) count(kind mderrors.ErrorKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.errs {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func captureReports(t *testing.T) *reports {
	t.Helper()
	r := &reports{}
	prev := mderrors.SetHandler(r)
	t.Cleanup(func() { mderrors.SetHandler(prev) })
	return r
}

type countingFactory struct {
	doccontext.DefaultFactory
	disposed int
}

func (f *countingFactory) Dispose(ctx *doccontext.Context) {
	f.disposed++
	f.DefaultFactory.Dispose(ctx)
}

type harness struct {
	m       *Manager
	sched   *scheduler.Manual
	page    *dom.Page
	metrics *metrics.Metrics
	factory *countingFactory
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	page, err := dom.ParseString(parentPage)
	require.NoError(t, err)
	sched, ok := opts.Scheduler.(*scheduler.Manual)
	if !ok {
		sched = scheduler.NewManual()
	}
	h := &harness{
		sched:   sched,
		page:    page,
		metrics: metrics.New(prometheus.NewRegistry()),
		factory: &countingFactory{DefaultFactory: doccontext.DefaultFactory{Scheduler: sched}},
	}
	opts.Scheduler = sched
	opts.Metrics = h.metrics
	if opts.Factory == nil {
		opts.Factory = h.factory
	}
	h.m = New(page, opts)
	return h
}

func (h *harness) host(t *testing.T, id string) *html.Node {
	t.Helper()
	n := h.page.ElementByID(id)
	require.NotNil(t, n, "host %s", id)
	return n
}

func (h *harness) attach(t *testing.T, hostID, src string) *ShadowDoc {
	t.Helper()
	doc, err := dom.ParseDocument(src)
	require.NoError(t, err)
	d, err := h.m.AttachDoc(h.host(t, hostID), doc, "https://"+hostID+".example/doc", nil)
	require.NoError(t, err)
	return d
}

func TestAttachDoc_RevealsAfterReadyDelay(t *testing.T) {
	h := newHarness(t, Options{Development: true})
	d := h.attach(t, "a", articleDoc)

	assert.Equal(t, PhaseRendering, d.Phase())
	assert.Equal(t, "hidden", dom.Style(d.Host(), "visibility"))
	assert.Equal(t, "Article A", d.Title())
	assert.Equal(t, "https://a.example/canonical", d.CanonicalURL())
	assert.Equal(t, "https://a.example", d.Origin())
	assert.True(t, strings.HasPrefix(d.ID(), "doc_"))

	body := d.Context().Body()
	require.NotNil(t, body)
	assert.Equal(t, "amp-body", body.Data)
	assert.True(t, dom.HasClass(body, ClassShadowBody))
	assert.True(t, dom.HasClass(body, "article"))
	assert.Equal(t, "hello", strings.TrimSpace(dom.TextContent(body)))

	h.sched.Advance(49 * time.Millisecond)
	assert.Equal(t, "hidden", dom.Style(d.Host(), "visibility"))
	assert.False(t, d.Ready().IsDone())
	_, started := d.Context().Signals().Get(doccontext.SignalRenderStart)
	assert.False(t, started)

	h.sched.Advance(time.Millisecond)
	assert.Equal(t, "visible", dom.Style(d.Host(), "visibility"))
	assert.Equal(t, PhaseReady, d.Phase())
	require.True(t, d.Ready().IsDone())
	assert.NoError(t, d.Ready().Err())
	_, started = d.Context().Signals().Get(doccontext.SignalRenderStart)
	assert.True(t, started)
	assert.True(t, d.Context().IsReady())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Attached.WithLabelValues(metrics.StrategyMaterialized)))
}

func TestAttachDoc_InstallsRuntimeStylesFirst(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.attach(t, "a", articleDoc)

	children := d.Root().Children()
	require.NotEmpty(t, children)
	assert.Equal(t, "style", children[0].Data)
	assert.True(t, dom.HasAttr(children[0], "amp-runtime"))
}

func TestAttachDoc_StubbingCompleteRevealsEarly(t *testing.T) {
	h := newHarness(t, Options{Development: true})
	d := h.attach(t, "a", articleDoc)

	d.Context().Signals().Signal(doccontext.SignalStubbingComplete)
	h.sched.Flush()

	assert.Equal(t, "visible", dom.Style(d.Host(), "visibility"))
	assert.Equal(t, PhaseReady, d.Phase())

	// The ready-delay timer firing later must not repeat the reveal.
	h.sched.Advance(DefaultReadyDelay)
	assert.Equal(t, PhaseReady, d.Phase())
	assert.Equal(t, uint64(1), readyObservations(t, h))
}

func readyObservations(t *testing.T, h *harness) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.metrics.ReadyDuration.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestAttachDoc_InvalidInput(t *testing.T) {
	h := newHarness(t, Options{})
	doc, err := dom.ParseDocument(articleDoc)
	require.NoError(t, err)

	_, err = h.m.AttachDoc(nil, doc, "https://a.example/", nil)
	assert.ErrorIs(t, err, ErrNoHost)
	_, err = h.m.AttachDoc(h.host(t, "a"), nil, "https://a.example/", nil)
	assert.ErrorIs(t, err, ErrNoDocument)
	_, err = h.m.AttachDoc(h.host(t, "a"), doc, "not a url", nil)
	assert.ErrorIs(t, err, ErrInvalidURL)
	assert.Empty(t, h.m.Docs())
}

func TestAttachDocAsStream_RenderStartOnce(t *testing.T) {
	h := newHarness(t, Options{Development: true})
	d, err := h.m.AttachDocAsStream(h.host(t, "b"), "https://b.example/stream", nil)
	require.NoError(t, err)
	w := d.Writer()
	require.NotNil(t, w)

	_, err = w.WriteString(`<!doctype html><html><head><title>Streamed</title></head><body class="s">`)
	require.NoError(t, err)
	assert.Equal(t, "Streamed", d.Title())
	require.NotNil(t, d.Head())
	body := d.Context().Body()
	require.NotNil(t, body)
	assert.True(t, dom.HasClass(body, ClassShadowBody))
	assert.Nil(t, body.FirstChild, "streamed body starts empty")

	for _, chunk := range []string{"<p>one</p>", "<p>two</p>", "<p>three</p>"} {
		_, err := w.WriteString(chunk)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, w.Chunks())
	assert.Equal(t, 1, h.sched.Pending(), "only the first chunk schedules a reveal")
	assert.Equal(t, "hidden", dom.Style(d.Host(), "visibility"))

	h.sched.Advance(DefaultReadyDelay)
	assert.Equal(t, "visible", dom.Style(d.Host(), "visibility"))
	assert.Equal(t, PhaseRendering, d.Phase())
	assert.Equal(t, "onetwothree", dom.TextContent(body))

	require.NoError(t, w.Close())
	assert.Equal(t, PhaseReady, d.Phase())
	assert.Nil(t, d.Writer())
	require.True(t, d.Ready().IsDone())
	assert.NoError(t, d.Ready().Err())
	assert.Equal(t, 0, h.sched.Pending())
}

func TestAttachDocAsStream_EndWithoutChunksStillReveals(t *testing.T) {
	h := newHarness(t, Options{})
	d, err := h.m.AttachDocAsStream(h.host(t, "b"), "https://b.example/stream", nil)
	require.NoError(t, err)

	_, err = d.Writer().WriteString(`<html><head></head><body>`)
	require.NoError(t, err)
	require.NoError(t, d.Writer().Close())
	assert.Equal(t, PhaseReady, d.Phase())

	h.sched.Advance(DefaultReadyDelay)
	assert.Equal(t, "visible", dom.Style(d.Host(), "visibility"))
}

func TestAttach_DoubleAttachClosesPrevious(t *testing.T) {
	rep := captureReports(t)
	h := newHarness(t, Options{})
	first := h.attach(t, "a", articleDoc)
	second := h.attach(t, "a", articleDoc)

	assert.Equal(t, 1, rep.count(mderrors.KindInvariant))
	assert.Equal(t, PhaseClosing, first.Phase())
	assert.Same(t, second, h.m.DocForHost(h.host(t, "a")))
	assert.Equal(t, []*ShadowDoc{second}, h.m.Docs())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Closed.WithLabelValues(metrics.ReasonReplaced)))

	h.sched.Advance(doccontext.DefaultPassDelay)
	assert.Equal(t, PhaseClosed, first.Phase())
	assert.ErrorIs(t, first.Ready().Err(), ErrClosed)
}

func TestAttach_PurgesDetachedHosts(t *testing.T) {
	rep := captureReports(t)
	h := newHarness(t, Options{})
	a := h.attach(t, "a", articleDoc)
	b := h.attach(t, "b", articleDoc)

	dom.Detach(h.host(t, "b"))
	assert.False(t, b.Connected())

	c := h.attach(t, "c", articleDoc)
	assert.Equal(t, 1, rep.count(mderrors.KindInvariant))
	assert.Equal(t, []*ShadowDoc{a, c}, h.m.Docs())

	h.sched.Flush()
	assert.Equal(t, PhaseClosing, b.Phase())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Purged))
	assert.Equal(t, 0, h.m.Purge())
}

func TestAttach_ReattachToPurgedHostWarnsOnce(t *testing.T) {
	tests := []struct {
		name          string
		explicitPurge bool
	}{
		{"purged before attach", true},
		{"purged by attach", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := captureReports(t)
			h := newHarness(t, Options{})
			a := h.attach(t, "a", articleDoc)
			b := h.attach(t, "b", articleDoc)
			host := h.host(t, "b")

			dom.Detach(host)
			if tt.explicitPurge {
				assert.Equal(t, 1, h.m.Purge())
				assert.Nil(t, h.m.DocForHost(host))
				assert.Nil(t, h.m.Doc(b.ID()))
			}

			doc, err := dom.ParseDocument(articleDoc)
			require.NoError(t, err)
			again, err := h.m.AttachDoc(host, doc, "https://b.example/doc", nil)
			require.NoError(t, err)

			assert.Equal(t, 1, rep.count(mderrors.KindInvariant))
			assert.Same(t, again, h.m.DocForHost(host))
			assert.Nil(t, h.m.Doc(b.ID()))
			assert.Equal(t, []*ShadowDoc{a, again}, h.m.Docs())

			h.sched.Advance(doccontext.DefaultPassDelay)
			assert.Equal(t, PhaseClosed, b.Phase())
			assert.Same(t, again, h.m.DocForHost(host))
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Purged))
			assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Closed.WithLabelValues(metrics.ReasonReplaced)))
		})
	}
}

func TestClose_IdempotentAndConfirmedByPass(t *testing.T) {
	h := newHarness(t, Options{Development: true})
	d := h.attach(t, "a", articleDoc)
	h.sched.Advance(DefaultReadyDelay)

	f1 := d.Close()
	f2 := d.Close()
	assert.Same(t, f1, f2)
	assert.Equal(t, 1, h.factory.disposed)
	assert.Equal(t, PhaseClosing, d.Phase())
	assert.Equal(t, doccontext.VisibilityInactive, d.VisibilityState())
	assert.Empty(t, h.m.Docs())
	assert.Nil(t, h.m.Doc(d.ID()))

	h.sched.Advance(doccontext.DefaultPassDelay - time.Millisecond)
	assert.False(t, f1.IsDone())
	h.sched.Advance(time.Millisecond)
	require.True(t, f1.IsDone())
	assert.NoError(t, f1.Err())
	assert.Equal(t, PhaseClosed, d.Phase())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Closed.WithLabelValues(metrics.ReasonExplicit)))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Live))

	_, err := d.PostMessage("ping", nil, true)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.SetVisibilityState(doccontext.VisibilityVisible), ErrClosed)
	assert.Equal(t, 1, h.factory.disposed)
}

func TestClose_TimesOutWithoutPass(t *testing.T) {
	rep := captureReports(t)
	sched := scheduler.NewManual()
	h := newHarness(t, Options{
		Scheduler: sched,
		Factory:   &doccontext.DefaultFactory{Scheduler: sched, PassDelay: time.Hour},
	})
	d := h.attach(t, "a", articleDoc)

	f := d.Close()
	h.sched.Advance(DefaultCloseTimeout - time.Millisecond)
	assert.False(t, f.IsDone())
	h.sched.Advance(time.Millisecond)
	require.True(t, f.IsDone())
	assert.NoError(t, f.Err())
	assert.Equal(t, PhaseClosed, d.Phase())
	assert.Equal(t, 1, rep.count(mderrors.KindTimeout))
}

func TestClose_BeforeReadySkipsReady(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.attach(t, "a", articleDoc)
	d.Close()

	h.sched.Advance(time.Second)
	assert.Equal(t, PhaseClosed, d.Phase())
	assert.ErrorIs(t, d.Ready().Err(), ErrClosed)
	assert.Equal(t, "hidden", dom.Style(d.Host(), "visibility"))
}

func TestCloseAll(t *testing.T) {
	h := newHarness(t, Options{})
	h.attach(t, "a", articleDoc)
	h.attach(t, "b", articleDoc)

	futures := h.m.CloseAll()
	assert.Len(t, futures, 2)
	h.sched.Advance(DefaultCloseTimeout)
	for _, f := range futures {
		assert.True(t, f.IsDone())
	}
	assert.Empty(t, h.m.Docs())
}

func TestState_GetAndSet(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.attach(t, "a", articleDoc)

	require.NoError(t, d.SetState(`{"user":{"name":"ada"}}`))
	require.NoError(t, d.SetState(map[string]any{"user": map[string]any{"id": 7}}))

	name, err := d.GetState("user.name")
	require.NoError(t, err)
	assert.Equal(t, "ada", name)
	id, err := d.GetState("user.id")
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)

	assert.ErrorIs(t, d.SetState(42), ErrInvalidState)
	assert.ErrorIs(t, d.SetState(nil), ErrInvalidState)
	assert.Error(t, d.SetState(`not json`))

	d.Close()
	_, err = d.GetState("user")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestState_WithoutBind(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.attach(t, "a", `<html><head></head><body></body></html>`)

	_, err := d.GetState("x")
	assert.ErrorIs(t, err, ErrBindUnavailable)
	assert.ErrorIs(t, d.SetState(map[string]any{}), ErrBindUnavailable)
}

func TestDevelopmentOnlyAccessors(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.attach(t, "a", articleDoc)
	assert.Nil(t, d.Context())
	assert.ErrorIs(t, d.ToggleRuntime(), ErrNotDevelopment)

	dev := newHarness(t, Options{Development: true})
	dd := dev.attach(t, "a", articleDoc)
	require.NotNil(t, dd.Context())
	require.NoError(t, dd.ToggleRuntime())
	assert.False(t, doccontext.ViewerOf(dd.Context()).RuntimeOn())
}

func TestSetVisibilityState(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.attach(t, "a", articleDoc)

	assert.ErrorIs(t, d.SetVisibilityState("sideways"), ErrInvalidVisibility)
	require.NoError(t, d.SetVisibilityState(doccontext.VisibilityHidden))
	assert.Equal(t, doccontext.VisibilityHidden, d.VisibilityState())
}

func TestMessaging_PostAndOnMessage(t *testing.T) {
	h := newHarness(t, Options{Development: true})
	d := h.attach(t, "a", articleDoc)
	v := doccontext.ViewerOf(d.Context())

	v.RegisterHandler("ping", func(data any, await bool) (any, error) {
		return "pong", nil
	})
	resp, err := d.PostMessage("ping", nil, true)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp)

	var got []string
	d.OnMessage(func(msgType string, data any, await bool) (any, error) {
		got = append(got, "first:"+msgType)
		return nil, nil
	})
	d.OnMessage(func(msgType string, data any, await bool) (any, error) {
		got = append(got, "second:"+msgType)
		return nil, nil
	})
	v.SendMessage("documentHeight", 120)
	assert.Equal(t, []string{"second:documentHeight"}, got)
}

func TestBroadcast_DeliversToSiblingsOnce(t *testing.T) {
	h := newHarness(t, Options{Development: true})
	docs := []*ShadowDoc{
		h.attach(t, "a", articleDoc),
		h.attach(t, "b", articleDoc),
		h.attach(t, "c", articleDoc),
	}
	received := make(map[string]int)
	for _, d := range docs {
		doccontext.ViewerOf(d.Context()).RegisterHandler("broadcast", func(data any, _ bool) (any, error) {
			received[d.ID()]++
			return nil, nil
		})
	}

	var embedder int
	docs[0].OnMessage(func(string, any, bool) (any, error) {
		embedder++
		return nil, nil
	})
	doccontext.ViewerOf(docs[0].Context()).Broadcast(map[string]any{"type": "sync"})
	assert.Empty(t, received, "delivery is deferred")

	h.sched.Flush()
	assert.Equal(t, 0, received[docs[0].ID()])
	assert.Equal(t, 1, received[docs[1].ID()])
	assert.Equal(t, 1, received[docs[2].ID()])
	assert.Equal(t, 0, embedder, "broadcasts are not forwarded to the embedder")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BroadcastsSent))
}

func TestLookup(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.attach(t, "a", articleDoc)

	assert.Same(t, d, h.m.Doc(d.ID()))
	assert.Same(t, d, h.m.DocForHost(h.host(t, "a")))
	assert.Nil(t, h.m.DocForHost(h.host(t, "b")))
	assert.Same(t, h.page, h.m.Page())
}
