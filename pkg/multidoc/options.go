package multidoc

import (
	"log/slog"
	"time"

	"github.com/go-drift/multidoc/pkg/doccontext"
	"github.com/go-drift/multidoc/pkg/extensions"
	"github.com/go-drift/multidoc/pkg/idgen"
	"github.com/go-drift/multidoc/pkg/metrics"
	"github.com/go-drift/multidoc/pkg/scheduler"
	"github.com/go-drift/multidoc/pkg/styles"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Default timings.
const (
	// DefaultReadyDelay is how long after population the document is revealed
	// unless the context signals stubbing completion first.
	DefaultReadyDelay = 50 * time.Millisecond

	// DefaultCloseTimeout bounds the wait for the resources pass that confirms
	// a close. The pass itself is queued 10ms after the visibility change.
	DefaultCloseTimeout = 15 * time.Millisecond
)

// TracerName is the instrumentation name of the manager's spans.
const TracerName = "github.com/go-drift/multidoc"

// Options configures a Manager. Nil collaborators get defaults. A zero
// duration selects its default; a negative one means no wait.
type Options struct {
	Scheduler  scheduler.Scheduler
	Factory    doccontext.Factory
	Extensions extensions.Installer
	Styles     styles.Installer
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	IDs        idgen.Generator

	// RuntimeCSS is installed into every boundary. Empty selects
	// styles.DefaultRuntimeCSS.
	RuntimeCSS string

	ReadyDelay   time.Duration
	CloseTimeout time.Duration

	// Development exposes the document context and runtime toggle on
	// handles.
	Development bool
}

func (o Options) withDefaults() Options {
	if o.Scheduler == nil {
		loop := scheduler.NewLoop()
		loop.Start()
		o.Scheduler = loop
	}
	if o.Factory == nil {
		o.Factory = &doccontext.DefaultFactory{Scheduler: o.Scheduler}
	}
	if o.Extensions == nil {
		o.Extensions = extensions.NewRegistry()
	}
	if o.Styles == nil {
		o.Styles = styles.NewBoundaryInstaller()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(TracerName)
	}
	if o.IDs == nil {
		o.IDs = idgen.Default
	}
	if o.RuntimeCSS == "" {
		o.RuntimeCSS = styles.DefaultRuntimeCSS
	}
	o.ReadyDelay = orDefault(o.ReadyDelay, DefaultReadyDelay)
	o.CloseTimeout = orDefault(o.CloseTimeout, DefaultCloseTimeout)
	return o
}

func orDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	}
	return d
}
