package headmerge

import (
	"errors"
	"fmt"

	"github.com/go-drift/multidoc/pkg/doccontext"
	"github.com/go-drift/multidoc/pkg/dom"
	mderrors "github.com/go-drift/multidoc/pkg/errors"
	"github.com/go-drift/multidoc/pkg/extensions"
	"github.com/go-drift/multidoc/pkg/styles"
	"golang.org/x/net/html"
)

// Diagnostics reported for dropped head elements.
var (
	ErrUnknownElement = errors.New("unknown head element")
	ErrUnknownScript  = errors.New("unknown script")
	ErrInlineScript   = errors.New("disallowed inline javascript")
)

// Result is what a merge extracted from the head.
type Result struct {
	Title        string
	CanonicalURL string
	// ExtensionIDs lists the custom-element extensions, in head order.
	ExtensionIDs []string
	// Head is the merged head element, or nil if the document had none.
	Head *html.Node
}

// Merger merges sub-document heads. Page is the parent page whose head
// receives global stylesheet links.
type Merger struct {
	Page       *dom.Page
	Styles     styles.Installer
	Extensions extensions.Installer

	// OnKind, if set, is called for every classified head element.
	OnKind func(Kind)
}

// Merge processes the head of doc for the document described by ctx.
func (m *Merger) Merge(ctx *doccontext.Context, doc *html.Node) Result {
	head := dom.HeadOf(doc)
	if head == nil {
		return Result{}
	}
	res := Result{Head: head}
	parentLinks := m.Page.HeadLinkHrefs()

	for _, n := range dom.ChildElements(head) {
		kind := Classify(n)
		if m.OnKind != nil {
			m.OnKind(kind)
		}
		switch kind {
		case KindTitle:
			res.Title = dom.TextContent(n)
		case KindIgnoredMeta, KindUnnamedMeta:
		case KindNamedMeta:
			ctx.SetMetaByName(dom.AttrOr(n, "name", ""), dom.AttrOr(n, "content", ""))
		case KindCanonicalLink:
			res.CanonicalURL = dom.AttrOr(n, "href", "")
		case KindStylesheetLink:
			m.mergeStylesheet(ctx, n, parentLinks)
		case KindOtherLink:
		case KindBoilerplateStyle, KindPlainStyle:
		case KindCustomStyle:
			m.Styles.InstallStyle(ctx, dom.TextContent(n), styles.MarkerCustom, false)
		case KindKeyframesStyle:
			m.Styles.InstallStyle(ctx, dom.TextContent(n), styles.MarkerKeyframes, false)
		case KindExtensionScript:
			if id, ok := m.mergeExtensionScript(ctx, n); ok {
				res.ExtensionIDs = append(res.ExtensionIDs, id)
			}
		case KindInlineScript:
			if !isJavaScript(n) {
				ctx.Root().ImportNode(n, true)
			} else if !dom.HasAttr(n, "amp-onerror") {
				report(ctx, n, mderrors.KindMerge, ErrInlineScript)
			}
		case KindNoScript:
		case KindUnknown:
			report(ctx, n, mderrors.KindMerge, ErrUnknownElement)
		}
	}
	return res
}

// mergeStylesheet links a stylesheet into the parent head once. A stylesheet
// that the parent already has is re-imported inside the boundary so that its
// class rules apply there too.
func (m *Merger) mergeStylesheet(ctx *doccontext.Context, n *html.Node, parentLinks map[string]bool) {
	href := dom.AttrOr(n, "href", "")
	if href == "" {
		return
	}
	if parentLinks[href] {
		m.Styles.InstallStyle(ctx, `@import "`+href+`"`, "", false)
		return
	}
	parentLinks[href] = true
	m.Page.AppendToHead(dom.CreateElement("link",
		"rel", "stylesheet",
		"type", "text/css",
		"href", href,
	))
}

// mergeExtensionScript installs the extension a script declares. It returns
// the custom element id when the script declares one.
func (m *Merger) mergeExtensionScript(ctx *doccontext.Context, n *html.Node) (string, bool) {
	src := dom.AttrOr(n, "src", "")
	customElement := dom.AttrOr(n, "custom-element", "")
	customTemplate := dom.AttrOr(n, "custom-template", "")
	if customElement == "" && customTemplate == "" {
		if !dom.HasAttr(n, "data-amp-report-test") {
			report(ctx, n, mderrors.KindMerge, fmt.Errorf("%w: %s", ErrUnknownScript, src))
		}
		return "", false
	}

	id := customElement
	if id == "" {
		id = customTemplate
	}
	parts, _ := extensions.ParseURL(src)
	if err := m.Extensions.InstallExtension(ctx, id, parts.Version); err != nil {
		report(ctx, n, mderrors.KindExtension, err)
	}
	return customElement, customElement != ""
}

func report(ctx *doccontext.Context, n *html.Node, kind mderrors.ErrorKind, err error) {
	mderrors.Report(&mderrors.DocError{
		Op:   "headmerge.merge",
		Kind: kind,
		Err:  err,
		URL:  ctx.URL(),
		Node: dom.Describe(n),
	})
}
