package doccontext

import (
	"time"

	"github.com/go-drift/multidoc/pkg/dom"
	"github.com/go-drift/multidoc/pkg/scheduler"
	"github.com/go-drift/multidoc/pkg/viewer"
)

// Factory creates and disposes document contexts.
type Factory interface {
	// Install creates the context of the document at url hosted in root.
	Install(url string, root *dom.ShadowRoot, params map[string]string) (*Context, error)

	// Dispose tears the context down.
	Dispose(ctx *Context)
}

// DefaultFactory installs a viewer and a resources service in every context.
type DefaultFactory struct {
	Scheduler scheduler.Scheduler
	// PassDelay overrides DefaultPassDelay when positive.
	PassDelay time.Duration
}

// Install implements Factory.
func (f *DefaultFactory) Install(url string, root *dom.ShadowRoot, params map[string]string) (*Context, error) {
	ctx := New(url, root, params)
	v := viewer.New(url)
	ctx.RegisterService(ServiceViewer, v)

	delay := f.PassDelay
	if delay <= 0 {
		delay = DefaultPassDelay
	}
	res := NewResources(ctx, f.Scheduler, delay)
	v.OnRuntimeToggle(res.SetRuntimeOn)
	ctx.RegisterService(ServiceResources, res)
	return ctx, nil
}

// Dispose implements Factory.
func (f *DefaultFactory) Dispose(ctx *Context) {
	ctx.Dispose()
}

// ViewerOf returns the viewer of ctx, or nil.
func ViewerOf(ctx *Context) *viewer.Viewer {
	v, _ := ctx.Service(ServiceViewer).(*viewer.Viewer)
	return v
}

// ResourcesOf returns the resources service of ctx, or nil.
func ResourcesOf(ctx *Context) *Resources {
	r, _ := ctx.Service(ServiceResources).(*Resources)
	return r
}

// BindOf returns the state store of ctx, or nil when no bind extension is
// installed.
func BindOf(ctx *Context) *Bind {
	b, _ := ctx.Service(ServiceBind).(*Bind)
	return b
}
