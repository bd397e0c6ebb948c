// Package headmerge merges the head of an incoming sub-document into its
// boundary and the parent page.
//
// Every head child is classified into exactly one Kind; Merge then handles
// each Kind in a single exhaustive switch. Elements that cannot be merged are
// reported as diagnostics and dropped: a bad head never fails an attach.
package headmerge

import (
	"strings"

	"github.com/go-drift/multidoc/pkg/dom"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Kind is the classification of one head element.
type Kind int

const (
	// KindUnknown is any element with no merge rule.
	KindUnknown Kind = iota
	// KindTitle is <title>.
	KindTitle
	// KindIgnoredMeta is <meta charset> or <meta name=viewport>.
	KindIgnoredMeta
	// KindNamedMeta is any other <meta name>.
	KindNamedMeta
	// KindUnnamedMeta is <meta> without a name (http-equiv, property).
	KindUnnamedMeta
	// KindCanonicalLink is <link rel=canonical>.
	KindCanonicalLink
	// KindStylesheetLink is <link rel=stylesheet>.
	KindStylesheetLink
	// KindOtherLink is any other <link>.
	KindOtherLink
	// KindBoilerplateStyle is <style amp-boilerplate>.
	KindBoilerplateStyle
	// KindCustomStyle is <style amp-custom>.
	KindCustomStyle
	// KindKeyframesStyle is <style amp-keyframes>.
	KindKeyframesStyle
	// KindPlainStyle is a <style> with no marker.
	KindPlainStyle
	// KindExtensionScript is <script src>.
	KindExtensionScript
	// KindInlineScript is <script> without src.
	KindInlineScript
	// KindNoScript is <noscript>.
	KindNoScript
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindTitle:            "title",
	KindIgnoredMeta:      "ignored-meta",
	KindNamedMeta:        "named-meta",
	KindUnnamedMeta:      "unnamed-meta",
	KindCanonicalLink:    "canonical-link",
	KindStylesheetLink:   "stylesheet-link",
	KindOtherLink:        "other-link",
	KindBoilerplateStyle: "boilerplate-style",
	KindCustomStyle:      "custom-style",
	KindKeyframesStyle:   "keyframes-style",
	KindPlainStyle:       "plain-style",
	KindExtensionScript:  "extension-script",
	KindInlineScript:     "inline-script",
	KindNoScript:         "noscript",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Classify returns the Kind of a head element.
func Classify(n *html.Node) Kind {
	switch n.DataAtom {
	case atom.Title:
		return KindTitle
	case atom.Meta:
		name := dom.AttrOr(n, "name", "")
		switch {
		case dom.HasAttr(n, "charset"), name == "viewport":
			return KindIgnoredMeta
		case name != "":
			return KindNamedMeta
		}
		return KindUnnamedMeta
	case atom.Link:
		switch relOf(n) {
		case "canonical":
			return KindCanonicalLink
		case "stylesheet":
			return KindStylesheetLink
		}
		return KindOtherLink
	case atom.Style:
		switch {
		case dom.HasAttr(n, "amp-boilerplate"):
			return KindBoilerplateStyle
		case dom.HasAttr(n, "amp-custom"):
			return KindCustomStyle
		case dom.HasAttr(n, "amp-keyframes"):
			return KindKeyframesStyle
		}
		return KindPlainStyle
	case atom.Script:
		if dom.HasAttr(n, "src") {
			return KindExtensionScript
		}
		return KindInlineScript
	case atom.Noscript:
		return KindNoScript
	}
	return KindUnknown
}

func relOf(n *html.Node) string {
	return strings.ToLower(strings.TrimSpace(dom.AttrOr(n, "rel", "")))
}

// isJavaScript reports whether an inline script type is executable.
func isJavaScript(n *html.Node) bool {
	t := dom.AttrOr(n, "type", "")
	if t == "" {
		t = "application/javascript"
	}
	return strings.Contains(strings.ToLower(t), "javascript")
}
