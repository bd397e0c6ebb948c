// Package styles installs CSS into sub-document boundaries.
package styles

import (
	"github.com/go-drift/multidoc/pkg/doccontext"
	"github.com/go-drift/multidoc/pkg/dom"
	"golang.org/x/net/html"
)

// Style markers. Each installed <style> carries its marker as a boolean
// attribute so later passes can find it.
const (
	MarkerRuntime   = "amp-runtime"
	MarkerCustom    = "amp-custom"
	MarkerKeyframes = "amp-keyframes"
	MarkerExtension = "amp-extension"
)

// Installer injects CSS into a document's boundary.
type Installer interface {
	// InstallStyle installs css into the boundary of ctx. isRuntime styles
	// precede every other style in the boundary.
	InstallStyle(ctx *doccontext.Context, css, marker string, isRuntime bool) *html.Node
}

// BoundaryInstaller is the default Installer. It writes <style> elements into
// the boundary itself.
type BoundaryInstaller struct {
	// RuntimeCSS is installed by InstallRuntime.
	RuntimeCSS string
}

// DefaultRuntimeCSS hides unresolved custom elements until the runtime
// upgrades them.
const DefaultRuntimeCSS = `amp-body{display:block;position:relative}` +
	`.i-amphtml-notbuilt{color:transparent!important}` +
	`[hidden]{display:none!important}`

// NewBoundaryInstaller returns an installer using DefaultRuntimeCSS.
func NewBoundaryInstaller() *BoundaryInstaller {
	return &BoundaryInstaller{RuntimeCSS: DefaultRuntimeCSS}
}

// InstallStyle implements Installer. A runtime style already present is
// replaced rather than duplicated.
func (b *BoundaryInstaller) InstallStyle(ctx *doccontext.Context, css, marker string, isRuntime bool) *html.Node {
	root := ctx.Root()
	style := dom.CreateElement("style")
	if marker != "" {
		dom.SetAttr(style, marker, "")
	}
	style.AppendChild(dom.CreateText(css))

	if isRuntime {
		for _, existing := range root.Find("//style[@" + MarkerRuntime + "]") {
			dom.Detach(existing)
		}
		dom.SetAttr(style, MarkerRuntime, "")
		root.InsertFirst(style)
		return style
	}
	root.AppendChild(style)
	return style
}

// InstallRuntime installs the runtime stylesheet into ctx.
func (b *BoundaryInstaller) InstallRuntime(ctx *doccontext.Context) *html.Node {
	return b.InstallStyle(ctx, b.RuntimeCSS, MarkerRuntime, true)
}
