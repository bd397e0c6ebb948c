// Package multidoc hosts many independently rendered documents inside one
// parent page.
//
// Each document lives in its own boundary attached to a host element of the
// page and owns its own service context, visibility and message channel. The
// Manager attaches documents, merges their heads into the page, relays their
// broadcasts to siblings and tears them down, including documents whose host
// element was removed from the page without a close.
//
// All timing runs on one scheduler.Scheduler. Page mutation is not
// synchronized: call Manager and ShadowDoc methods that touch the DOM from the
// scheduling domain (scheduler.Loop.Run) when more than one goroutine is
// involved.
package multidoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/go-drift/multidoc/pkg/doccontext"
	"github.com/go-drift/multidoc/pkg/dom"
	mderrors "github.com/go-drift/multidoc/pkg/errors"
	"github.com/go-drift/multidoc/pkg/headmerge"
	"github.com/go-drift/multidoc/pkg/messaging"
	"github.com/go-drift/multidoc/pkg/metrics"
	"github.com/go-drift/multidoc/pkg/registry"
	"github.com/go-drift/multidoc/pkg/scheduler"
	"github.com/go-drift/multidoc/pkg/styles"
	"github.com/go-drift/multidoc/pkg/viewer"
	"github.com/go-drift/multidoc/pkg/writer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

// Errors returned by the Manager and ShadowDoc.
var (
	// ErrClosed indicates an operation on a closed document.
	ErrClosed = errors.New("multidoc: document closed")

	// ErrBindUnavailable indicates a state request on a document without the
	// amp-bind extension.
	ErrBindUnavailable = errors.New("amp-bind is not available in this document")

	// ErrInvalidState indicates a state value that is neither an expression
	// nor an object.
	ErrInvalidState = errors.New("multidoc: invalid state")

	// ErrNotDevelopment indicates a development-only operation.
	ErrNotDevelopment = errors.New("multidoc: only available in development mode")

	// ErrInvalidVisibility indicates an unknown visibility state.
	ErrInvalidVisibility = errors.New("multidoc: invalid visibility state")

	// ErrNoHost indicates an attach without a host element.
	ErrNoHost = errors.New("multidoc: nil host element")

	// ErrNoDocument indicates a materialized attach without a document.
	ErrNoDocument = errors.New("multidoc: nil document")

	// ErrInvalidURL indicates a document URL without scheme or host.
	ErrInvalidURL = errors.New("multidoc: invalid document url")
)

const (
	closeExplicit = metrics.ReasonExplicit
	closeReplaced = metrics.ReasonReplaced
	closePurged   = metrics.ReasonPurged
)

// ClassShadowBody is added to the body imported into every boundary.
const ClassShadowBody = "amp-shadow"

// StreamSource produces a document incrementally.
type StreamSource interface {
	// OnHead registers the callback receiving the completed head.
	OnHead(fn func(head *html.Node))
	// OnBody registers the callback receiving the document once its body
	// started. It returns the element later chunks are appended to.
	OnBody(fn func(doc *html.Node) *html.Node)
	// OnBodyChunk registers the callback run after each appended chunk.
	OnBodyChunk(fn func())
	// OnEnd registers the callback run when the stream ends.
	OnEnd(fn func())
}

// Manager attaches and tracks the documents hosted in one page.
type Manager struct {
	page   *dom.Page
	opts   Options
	sched  scheduler.Scheduler
	logger *slog.Logger

	reg         *registry.Registry[*ShadowDoc]
	broadcaster *messaging.Broadcaster[*ShadowDoc]
	merger      *headmerge.Merger

	mu     sync.Mutex
	byHost map[*html.Node]*ShadowDoc
	byID   map[string]*ShadowDoc
}

// New creates a manager for page.
func New(page *dom.Page, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		page:   page,
		opts:   opts,
		sched:  opts.Scheduler,
		logger: opts.Logger,
		byHost: make(map[*html.Node]*ShadowDoc),
		byID:   make(map[string]*ShadowDoc),
	}
	m.reg = registry.New(opts.Scheduler, func(d *ShadowDoc) {
		m.closeDoc(d, closePurged)
	}, opts.Logger)
	m.reg.OnPurge(m.unmap)
	m.broadcaster = messaging.NewBroadcaster(m.reg, opts.Scheduler)
	m.merger = &headmerge.Merger{
		Page:       page,
		Styles:     opts.Styles,
		Extensions: opts.Extensions,
		OnKind: func(k headmerge.Kind) {
			opts.Metrics.IncHeadElement(k.String())
		},
	}
	return m
}

// Page returns the parent page.
func (m *Manager) Page() *dom.Page { return m.page }

// Scheduler returns the manager's scheduler.
func (m *Manager) Scheduler() scheduler.Scheduler { return m.sched }

// Metrics returns the manager's metrics.
func (m *Manager) Metrics() *metrics.Metrics { return m.opts.Metrics }

// Docs returns the registered documents in attach order.
func (m *Manager) Docs() []*ShadowDoc { return m.reg.Members() }

// Doc returns the live document with the given id, or nil.
func (m *Manager) Doc(id string) *ShadowDoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// DocForHost returns the live document hosted by host, or nil.
func (m *Manager) DocForHost(host *html.Node) *ShadowDoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byHost[host]
}

// Purge closes every document whose host left the page.
func (m *Manager) Purge() int {
	return len(m.reg.PurgeDisconnected())
}

// CloseAll closes every registered document and returns their close
// futures.
func (m *Manager) CloseAll() []*scheduler.Future {
	docs := m.reg.Members()
	futures := make([]*scheduler.Future, 0, len(docs))
	for _, d := range docs {
		futures = append(futures, d.Close())
	}
	return futures
}

// AttachDoc attaches an already-parsed document to host.
func (m *Manager) AttachDoc(host *html.Node, doc *html.Node, docURL string, params map[string]string) (*ShadowDoc, error) {
	if doc == nil {
		return nil, ErrNoDocument
	}
	d, span, err := m.attach(host, docURL, params, metrics.StrategyMaterialized)
	if err != nil {
		return nil, err
	}
	defer span.End()

	res := m.merger.Merge(d.ctx, doc)
	m.applyHead(d, res)

	if body := dom.BodyOf(doc); body != nil {
		imported := d.root.ImportBody(body, true)
		dom.AddClass(imported, ClassShadowBody)
		d.ctx.SetBody(imported)
	}

	m.scheduleRenderStart(d, func() { m.enterReady(d) })
	return d, nil
}

// AttachDocAsStream attaches a document whose content is written later
// through the returned handle's Writer.
func (m *Manager) AttachDocAsStream(host *html.Node, docURL string, params map[string]string) (*ShadowDoc, error) {
	w := writer.New()
	d, err := m.AttachStream(host, docURL, params, w)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.phase.Live() && d.phase != PhaseReady {
		d.writer = w
	}
	d.mu.Unlock()
	return d, nil
}

// AttachStream attaches a document populated from src.
func (m *Manager) AttachStream(host *html.Node, docURL string, params map[string]string, src StreamSource) (*ShadowDoc, error) {
	d, span, err := m.attach(host, docURL, params, metrics.StrategyStreaming)
	if err != nil {
		return nil, err
	}
	defer span.End()

	src.OnHead(func(head *html.Node) {
		d.mu.Lock()
		d.head = head
		d.mu.Unlock()
	})
	src.OnBody(func(doc *html.Node) *html.Node {
		return m.streamBody(d, doc)
	})
	src.OnBodyChunk(func() {
		m.scheduleStreamRenderStart(d)
	})
	src.OnEnd(func() {
		m.scheduleStreamRenderStart(d)
		m.enterReady(d)
		d.mu.Lock()
		d.writer = nil
		d.mu.Unlock()
	})
	return d, nil
}

func (m *Manager) streamBody(d *ShadowDoc, doc *html.Node) *html.Node {
	if !d.Phase().Live() {
		return nil
	}
	res := m.merger.Merge(d.ctx, doc)
	m.applyHead(d, res)

	body := dom.BodyOf(doc)
	if body == nil {
		body = dom.CreateElement("body")
	}
	imported := d.root.ImportBody(body, false)
	dom.AddClass(imported, ClassShadowBody)
	d.ctx.SetBody(imported)
	return imported
}

func (m *Manager) applyHead(d *ShadowDoc, res headmerge.Result) {
	d.mu.Lock()
	d.title = res.Title
	d.canonicalURL = res.CanonicalURL
	if res.Head != nil {
		d.head = res.Head
	}
	d.mu.Unlock()

	if err := m.opts.Extensions.InstallAll(d.ctx, res.ExtensionIDs); err != nil {
		mderrors.Report(&mderrors.DocError{
			Op:   "multidoc.installExtensions",
			Kind: mderrors.KindExtension,
			Err:  err,
			URL:  d.url,
		})
	}
}

// attach runs the steps shared by every population strategy and leaves the
// document in PhaseRendering.
func (m *Manager) attach(host *html.Node, docURL string, params map[string]string, strategy string) (*ShadowDoc, trace.Span, error) {
	if host == nil {
		return nil, nil, ErrNoHost
	}
	origin, err := originOf(docURL)
	if err != nil {
		return nil, nil, err
	}

	_, span := m.opts.Tracer.Start(context.Background(), "multidoc.attach",
		trace.WithAttributes(
			attribute.String("multidoc.url", docURL),
			attribute.String("multidoc.strategy", strategy),
		))

	m.reg.PurgeDisconnected()

	if prev := m.DocForHost(host); prev != nil {
		mderrors.Report(&mderrors.DocError{
			Op:   "multidoc.attach",
			Kind: mderrors.KindInvariant,
			Err:  errors.New("shadow doc wasn't previously closed"),
			URL:  prev.url,
			Node: dom.Describe(host),
		})
		m.closeDoc(prev, closeReplaced)
	}

	dom.SetStyle(host, "visibility", "hidden")
	root := m.page.AttachShadow(host)

	ctx, err := m.opts.Factory.Install(docURL, root, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, nil, fmt.Errorf("multidoc: install context: %w", err)
	}
	m.opts.Styles.InstallStyle(ctx, m.opts.RuntimeCSS, styles.MarkerRuntime, true)

	v := doccontext.ViewerOf(ctx)
	if v == nil {
		v = viewer.New(docURL)
		ctx.RegisterService(doccontext.ServiceViewer, v)
	}

	d := &ShadowDoc{
		m:          m,
		id:         m.opts.IDs(),
		url:        docURL,
		origin:     origin,
		host:       host,
		root:       root,
		ctx:        ctx,
		viewer:     v,
		strategy:   strategy,
		attachedAt: m.sched.Now(),
		ready:      scheduler.NewFuture(),
	}
	d.channel = messaging.NewChannel(v, origin, func(data any) {
		m.broadcast(d, data)
	})
	span.SetAttributes(attribute.String("multidoc.id", d.id))

	m.mu.Lock()
	m.byHost[host] = d
	m.byID[d.id] = d
	m.mu.Unlock()
	m.reg.Register(d)
	m.opts.Metrics.IncAttached(strategy)

	d.advance(PhaseRendering)
	m.logger.Debug("multidoc: attached", "id", d.id, "url", docURL, "strategy", strategy)
	return d, span, nil
}

// scheduleRenderStart reveals d after the ready delay, or as soon as the
// context signals stubbing completion. then runs right after the reveal.
func (m *Manager) scheduleRenderStart(d *ShadowDoc, then func()) {
	var once sync.Once
	fire := func() {
		once.Do(func() {
			m.renderStart(d)
			if then != nil {
				then()
			}
		})
	}
	m.sched.Delay(fire, m.opts.ReadyDelay)
	d.ctx.Signals().WhenSignal(doccontext.SignalStubbingComplete, func() {
		m.sched.Post(fire)
	})
}

// scheduleStreamRenderStart schedules the reveal of a streamed document on
// its first chunk. Later chunks are ignored.
func (m *Manager) scheduleStreamRenderStart(d *ShadowDoc) {
	d.mu.Lock()
	first := !d.renderScheduled && d.phase.Live()
	d.renderScheduled = true
	d.mu.Unlock()
	if first {
		m.scheduleRenderStart(d, nil)
	}
}

// renderStart signals render start and reveals the host, at most once.
func (m *Manager) renderStart(d *ShadowDoc) {
	d.mu.Lock()
	if d.renderStarted || !d.phase.Live() {
		d.mu.Unlock()
		return
	}
	d.renderStarted = true
	d.mu.Unlock()

	d.ctx.Signals().Signal(doccontext.SignalRenderStart)
	dom.SetStyle(d.host, "visibility", "visible")
}

// enterReady completes population of d.
func (m *Manager) enterReady(d *ShadowDoc) {
	if !d.Phase().Live() {
		return
	}
	d.ctx.SetReady()
	if !d.advance(PhaseReady) {
		return
	}
	m.opts.Metrics.ObserveReady(m.sched.Now().Sub(d.attachedAt))
	d.ready.Resolve(nil)
	m.logger.Debug("multidoc: ready", "id", d.id, "url", d.url)
}

func (m *Manager) broadcast(sender *ShadowDoc, data any) {
	if !sender.Phase().Live() {
		return
	}
	n := m.broadcaster.Broadcast(sender, data)
	m.opts.Metrics.ObserveBroadcast(n)
}

// closeDoc runs the close protocol of d once and returns its close future.
func (m *Manager) closeDoc(d *ShadowDoc, reason string) *scheduler.Future {
	d.mu.Lock()
	if d.closed != nil {
		f := d.closed
		d.mu.Unlock()
		return f
	}
	d.closed = scheduler.NewFuture()
	d.phase = PhaseClosing
	d.writer = nil
	closed := d.closed
	d.mu.Unlock()

	_, span := m.opts.Tracer.Start(context.Background(), "multidoc.close",
		trace.WithAttributes(
			attribute.String("multidoc.id", d.id),
			attribute.String("multidoc.reason", reason),
		))

	m.reg.Unregister(d)
	m.unmap(d)

	d.ready.Resolve(ErrClosed)
	d.channel.Close()
	d.ctx.OverrideVisibilityState(doccontext.VisibilityInactive)
	m.opts.Factory.Dispose(d.ctx)
	m.opts.Metrics.IncClosed(reason)

	start := m.sched.Now()
	confirm := scheduler.Resolved(nil)
	if res := doccontext.ResourcesOf(d.ctx); res != nil {
		confirm = scheduler.Race(m.sched, m.opts.CloseTimeout, nil, func(resolve func()) {
			res.OnNextPass(resolve)
		})
	}
	confirm.Then(func(err error) {
		outcome := metrics.OutcomeConfirmed
		if err != nil {
			outcome = metrics.OutcomeTimeout
			mderrors.Report(&mderrors.DocError{
				Op:   "multidoc.close",
				Kind: mderrors.KindTimeout,
				Err:  fmt.Errorf("close confirmation: %w", err),
				URL:  d.url,
			})
		}
		elapsed := m.sched.Now().Sub(start)
		m.opts.Metrics.ObserveCloseConfirmation(outcome, elapsed)
		span.SetAttributes(attribute.String("multidoc.outcome", outcome))
		span.End()

		d.advance(PhaseClosed)
		closed.Resolve(nil)
		m.logger.Debug("multidoc: closed", "id", d.id, "reason", reason, "outcome", outcome, "elapsed", elapsed)
	})
	return closed
}

// unmap removes d from the host and id lookups.
func (m *Manager) unmap(d *ShadowDoc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byHost[d.host] == d {
		delete(m.byHost, d.host)
	}
	if m.byID[d.id] == d {
		delete(m.byID, d.id)
	}
}

func originOf(docURL string) (string, error) {
	u, err := url.Parse(docURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, docURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
