package dom

import (
	"io"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ShadowRoot is an encapsulation boundary attached to a host element of a
// Page. Its children are kept outside the page tree so that page queries do
// not see them.
type ShadowRoot struct {
	host *html.Node
	page *Page
	root *html.Node
}

// AttachShadow returns the boundary of host, creating it if needed. An
// existing boundary is emptied and reused, so a host never carries two.
func (p *Page) AttachShadow(host *html.Node) *ShadowRoot {
	if sr, ok := p.shadows[host]; ok {
		sr.Clear()
		return sr
	}
	sr := &ShadowRoot{
		host: host,
		page: p,
		root: &html.Node{Type: html.DocumentNode},
	}
	p.shadows[host] = sr
	return sr
}

// ShadowOf returns the boundary attached to host, or nil.
func (p *Page) ShadowOf(host *html.Node) *ShadowRoot {
	return p.shadows[host]
}

// Host returns the host element.
func (s *ShadowRoot) Host() *html.Node { return s.host }

// Page returns the page the host belongs to.
func (s *ShadowRoot) Page() *Page { return s.page }

// Root returns the container node holding the boundary's children.
func (s *ShadowRoot) Root() *html.Node { return s.root }

// Connected reports whether the host is still attached to the page.
func (s *ShadowRoot) Connected() bool {
	return s.host != nil && s.page.IsConnected(s.host)
}

// AppendChild appends n to the boundary.
func (s *ShadowRoot) AppendChild(n *html.Node) {
	s.root.AppendChild(n)
}

// InsertFirst inserts n before the boundary's first child.
func (s *ShadowRoot) InsertFirst(n *html.Node) {
	s.root.InsertBefore(n, s.root.FirstChild)
}

// Children returns the boundary's element children.
func (s *ShadowRoot) Children() []*html.Node {
	return ChildElements(s.root)
}

// Find returns the boundary elements matching an XPath expression.
func (s *ShadowRoot) Find(expr string) []*html.Node {
	return htmlquery.Find(s.root, expr)
}

// Clear removes every child of the boundary.
func (s *ShadowRoot) Clear() {
	for c := s.root.FirstChild; c != nil; {
		next := c.NextSibling
		s.root.RemoveChild(c)
		c = next
	}
}

// ImportNode clones n into the boundary. With deep set, descendants are
// cloned too.
func (s *ShadowRoot) ImportNode(n *html.Node, deep bool) *html.Node {
	c := Clone(n, deep)
	s.root.AppendChild(c)
	return c
}

// ImportBody imports a document body as an <amp-body> element, since a
// boundary cannot hold a real <body>. Attributes are always copied; children
// only when deep is set.
func (s *ShadowRoot) ImportBody(body *html.Node, deep bool) *html.Node {
	b := &html.Node{
		Type: html.ElementNode,
		Data: "amp-body",
		Attr: append([]html.Attribute(nil), body.Attr...),
	}
	if deep {
		for c := body.FirstChild; c != nil; c = c.NextSibling {
			b.AppendChild(Clone(c, true))
		}
	}
	s.root.AppendChild(b)
	return b
}

// Render writes the boundary's children.
func (s *ShadowRoot) Render(w io.Writer) error {
	for c := s.root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(w, c); err != nil {
			return err
		}
	}
	return nil
}

// String renders the boundary's children to a string.
func (s *ShadowRoot) String() string {
	var sb strings.Builder
	if err := s.Render(&sb); err != nil {
		return ""
	}
	return sb.String()
}

// HeadOf returns the head element of a parsed document, or nil.
func HeadOf(doc *html.Node) *html.Node {
	return findFirst(doc, atom.Head)
}

// BodyOf returns the body element of a parsed document, or nil.
func BodyOf(doc *html.Node) *html.Node {
	return findFirst(doc, atom.Body)
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}
