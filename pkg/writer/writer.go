// Package writer turns a byte stream of HTML into incremental document events.
//
// A Writer buffers what it is given and parses as far as it can: once the
// <body> start tag has arrived the head is complete, and after that every
// balanced run of top-level body content is parsed and appended to the body
// returned by the OnBody callback. Close flushes whatever is left.
package writer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-drift/multidoc/pkg/dom"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("writer: closed")

// Writer is a streaming HTML document writer. Register callbacks before the
// first Write; they run synchronously on the writing goroutine.
type Writer struct {
	mu sync.Mutex

	buf      bytes.Buffer
	body     *html.Node
	bodySeen bool
	closed   bool
	chunks   int

	onHead  func(head *html.Node)
	onBody  func(doc *html.Node) *html.Node
	onChunk func()
	onEnd   func()
}

var _ io.WriteCloser = (*Writer)(nil)

// New returns an empty Writer.
func New() *Writer {
	return &Writer{}
}

// OnHead registers the callback that receives the completed head.
func (w *Writer) OnHead(fn func(head *html.Node)) {
	w.mu.Lock()
	w.onHead = fn
	w.mu.Unlock()
}

// OnBody registers the callback that receives the document once its body has
// started. The callback returns the element later chunks are appended to.
func (w *Writer) OnBody(fn func(doc *html.Node) *html.Node) {
	w.mu.Lock()
	w.onBody = fn
	w.mu.Unlock()
}

// OnBodyChunk registers the callback run after each batch of body content is
// appended.
func (w *Writer) OnBodyChunk(fn func()) {
	w.mu.Lock()
	w.onChunk = fn
	w.mu.Unlock()
}

// OnEnd registers the callback run once the stream is closed.
func (w *Writer) OnEnd(fn func()) {
	w.mu.Lock()
	w.onEnd = fn
	w.mu.Unlock()
}

// Chunks returns how many body chunks were emitted.
func (w *Writer) Chunks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chunks
}

// Write buffers p and emits every event it completes.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrClosed
	}
	w.buf.Write(p)
	events, err := w.advanceLocked(false)
	w.mu.Unlock()

	for _, ev := range events {
		ev()
	}
	return len(p), err
}

// WriteString is Write for strings.
func (w *Writer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Close flushes the remaining input and emits the end event. Closing twice
// is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	events, err := w.advanceLocked(true)
	if end := w.onEnd; end != nil {
		events = append(events, end)
	}
	w.mu.Unlock()

	for _, ev := range events {
		ev()
	}
	return err
}

// advanceLocked consumes as much buffered input as possible and returns the
// callbacks to run once the lock is released.
func (w *Writer) advanceLocked(final bool) ([]func(), error) {
	var events []func()

	if !w.bodySeen {
		data := w.buf.Bytes()
		cut := bodyStartEnd(data)
		if cut < 0 && !final {
			return nil, nil
		}
		var headPart, rest []byte
		if cut < 0 {
			headPart = append([]byte(nil), data...)
		} else {
			headPart = append([]byte(nil), data[:cut]...)
			rest = append([]byte(nil), data[cut:]...)
		}
		w.buf.Reset()
		w.buf.Write(rest)
		w.bodySeen = true

		doc, err := html.Parse(bytes.NewReader(headPart))
		if err != nil {
			return nil, fmt.Errorf("writer: parse head: %w", err)
		}
		var pre []*html.Node
		if cut < 0 {
			if b := dom.BodyOf(doc); b != nil {
				for c := b.FirstChild; c != nil; {
					next := c.NextSibling
					b.RemoveChild(c)
					pre = append(pre, c)
					c = next
				}
			}
		}
		onHead, onBody, onChunk := w.onHead, w.onBody, w.onChunk
		events = append(events, func() {
			if onHead != nil {
				onHead(dom.HeadOf(doc))
			}
			var target *html.Node
			if onBody != nil {
				target = onBody(doc)
			}
			w.mu.Lock()
			w.body = target
			w.mu.Unlock()
		})
		if len(pre) > 0 {
			w.chunks++
			events = append(events, w.appendEvent(pre, onChunk))
		}
	}

	data := w.buf.Bytes()
	cut := len(data)
	if !final {
		cut = balancedPrefix(data)
	}
	if cut <= 0 {
		return events, nil
	}
	part := append([]byte(nil), data[:cut]...)
	w.buf.Next(cut)

	nodes, err := html.ParseFragment(bytes.NewReader(part), bodyContext())
	if err != nil {
		return events, fmt.Errorf("writer: parse body chunk: %w", err)
	}
	if len(nodes) == 0 {
		return events, nil
	}
	w.chunks++
	events = append(events, w.appendEvent(nodes, w.onChunk))
	return events, nil
}

func (w *Writer) appendEvent(nodes []*html.Node, onChunk func()) func() {
	return func() {
		w.mu.Lock()
		target := w.body
		w.mu.Unlock()
		if target != nil {
			for _, n := range nodes {
				target.AppendChild(n)
			}
		}
		if onChunk != nil {
			onChunk()
		}
	}
}

func bodyContext() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
}

// bodyStartEnd returns the offset just past the <body> start tag, or -1.
func bodyStartEnd(data []byte) int {
	z := html.NewTokenizer(bytes.NewReader(data))
	off := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return -1
		}
		off += len(z.Raw())
		if tt == html.StartTagToken {
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Body {
				return off
			}
		}
	}
}

// balancedPrefix returns the length of the longest prefix of data that ends
// with a tag closing all open top-level elements.
func balancedPrefix(data []byte) int {
	z := html.NewTokenizer(bytes.NewReader(data))
	off, depth, cut := 0, 0, 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return cut
		}
		off += len(z.Raw())
		switch tt {
		case html.StartTagToken:
			name, _ := z.TagName()
			if !voidElements[atom.Lookup(name)] {
				depth++
				continue
			}
		case html.EndTagToken:
			if depth > 0 {
				depth--
			}
		case html.SelfClosingTagToken:
		default:
			continue
		}
		if depth == 0 {
			cut = off
		}
	}
}

var voidElements = map[atom.Atom]bool{
	atom.Area:   true,
	atom.Base:   true,
	atom.Br:     true,
	atom.Col:    true,
	atom.Embed:  true,
	atom.Hr:     true,
	atom.Img:    true,
	atom.Input:  true,
	atom.Link:   true,
	atom.Meta:   true,
	atom.Param:  true,
	atom.Source: true,
	atom.Track:  true,
	atom.Wbr:    true,
}
