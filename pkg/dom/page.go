package dom

import (
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page is the parent document that hosts sub-documents. It is not safe for
// concurrent use; mutate it only from the scheduling domain.
type Page struct {
	doc     *html.Node
	head    *html.Node
	body    *html.Node
	shadows map[*html.Node]*ShadowRoot
}

// ParsePage parses a full HTML document.
func ParsePage(r io.Reader) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse page: %w", err)
	}
	return NewPage(doc), nil
}

// ParseString parses a full HTML document from a string.
func ParseString(s string) (*Page, error) {
	return ParsePage(strings.NewReader(s))
}

// ParseDocument parses s and returns the document node, for use as
// materialized sub-document content.
func ParseDocument(s string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return nil, fmt.Errorf("dom: parse document: %w", err)
	}
	return doc, nil
}

// NewPage wraps an already-parsed document node.
func NewPage(doc *html.Node) *Page {
	return &Page{
		doc:     doc,
		head:    htmlquery.FindOne(doc, "//head"),
		body:    htmlquery.FindOne(doc, "//body"),
		shadows: make(map[*html.Node]*ShadowRoot),
	}
}

// Document returns the document node.
func (p *Page) Document() *html.Node { return p.doc }

// Head returns the head element.
func (p *Page) Head() *html.Node { return p.head }

// Body returns the body element.
func (p *Page) Body() *html.Node { return p.body }

// ElementByID returns the element with the given id, or nil.
func (p *Page) ElementByID(id string) *html.Node {
	for _, n := range htmlquery.Find(p.doc, "//*[@id]") {
		if AttrOr(n, "id", "") == id {
			return n
		}
	}
	return nil
}

// Query returns the elements matching an XPath expression.
func (p *Page) Query(expr string) ([]*html.Node, error) {
	nodes, err := htmlquery.QueryAll(p.doc, expr)
	if err != nil {
		return nil, fmt.Errorf("dom: query %q: %w", expr, err)
	}
	return nodes, nil
}

// HeadLinkHrefs returns the href of every <link> that is a direct child of
// the head.
func (p *Page) HeadLinkHrefs() map[string]bool {
	hrefs := make(map[string]bool)
	for _, link := range ChildElementsByTag(p.head, atom.Link) {
		if href := AttrOr(link, "href", ""); href != "" {
			hrefs[href] = true
		}
	}
	return hrefs
}

// AppendToHead appends n to the page head.
func (p *Page) AppendToHead(n *html.Node) {
	p.head.AppendChild(n)
}

// IsConnected reports whether n is attached to this page's tree.
func (p *Page) IsConnected(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == p.doc {
			return true
		}
	}
	return false
}

// Render writes the page, serializing each shadow root as a declarative
// <template shadowrootmode="open"> inside its host.
func (p *Page) Render(w io.Writer) error {
	var templates []*html.Node
	for host, sr := range p.shadows {
		if !p.IsConnected(host) {
			continue
		}
		tpl := CreateElement("template", "shadowrootmode", "open")
		for c := sr.root.FirstChild; c != nil; c = c.NextSibling {
			tpl.AppendChild(Clone(c, true))
		}
		host.InsertBefore(tpl, host.FirstChild)
		templates = append(templates, tpl)
	}
	defer func() {
		for _, tpl := range templates {
			Detach(tpl)
		}
	}()
	return html.Render(w, p.doc)
}

// String renders the page to a string.
func (p *Page) String() string {
	var sb strings.Builder
	if err := p.Render(&sb); err != nil {
		return ""
	}
	return sb.String()
}
