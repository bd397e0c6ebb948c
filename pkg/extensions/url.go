package extensions

import (
	"net/url"
	"path"
	"regexp"
)

// VersionLatest is the version token of unversioned extension URLs.
const VersionLatest = "latest"

// URLParts is the result of parsing an extension script URL.
type URLParts struct {
	ID      string
	Version string
	// Module is set for .mjs builds.
	Module bool
}

var extensionFile = regexp.MustCompile(`^(.+)-([0-9.]+|latest)(\.max)?\.(js|mjs)$`)

// ParseURL extracts the extension id and version from a script URL such as
// https://cdn.example/v0/amp-foo-0.1.js. It reports false if the URL does not
// name an extension.
func ParseURL(src string) (URLParts, bool) {
	p := src
	if u, err := url.Parse(src); err == nil {
		p = u.Path
	}
	m := extensionFile.FindStringSubmatch(path.Base(p))
	if m == nil {
		return URLParts{}, false
	}
	return URLParts{ID: m[1], Version: m[2], Module: m[4] == "mjs"}, true
}
