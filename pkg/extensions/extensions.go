// Package extensions resolves and installs document extensions.
//
// An extension is identified by its custom element name (amp-bind, amp-list)
// and a version. The Registry maps ids to install functions; installing an
// extension into a document runs its function against the document's
// context exactly once.
package extensions

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-drift/multidoc/pkg/doccontext"
	"golang.org/x/mod/semver"
)

// Errors returned by the Registry.
var (
	// ErrUnknownExtension indicates an id with no registered install function
	// while the registry is strict.
	ErrUnknownExtension = errors.New("extensions: unknown extension")

	// ErrBadVersion indicates a version that is neither "latest" nor a
	// dotted number.
	ErrBadVersion = errors.New("extensions: bad version")

	// ErrUnknownVersion indicates a version that is not registered for the id.
	ErrUnknownVersion = errors.New("extensions: unknown version")
)

// Installer installs extensions into documents.
type Installer interface {
	// InstallExtension installs id at version into ctx.
	InstallExtension(ctx *doccontext.Context, id, version string) error

	// InstallAll makes sure every id is installed in ctx.
	InstallAll(ctx *doccontext.Context, ids []string) error
}

// InstallFunc installs one extension version into a document.
type InstallFunc func(ctx *doccontext.Context) error

// ServiceName is the context service holding a document's installed set.
const ServiceName = "extensions"

// Installed records which extensions a document has.
type Installed struct {
	mu   sync.Mutex
	byID map[string]string
}

// Version returns the installed version of id.
func (in *Installed) Version(id string) (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	v, ok := in.byID[id]
	return v, ok
}

// IDs returns the installed ids, sorted.
func (in *Installed) IDs() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	ids := make([]string, 0, len(in.byID))
	for id := range in.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// mark records id and reports whether it was new.
func (in *Installed) mark(id, version string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.byID[id]; ok {
		return false
	}
	in.byID[id] = version
	return true
}

// InstalledOf returns the installed set of ctx, creating it on first use.
func InstalledOf(ctx *doccontext.Context) *Installed {
	if in, ok := ctx.Service(ServiceName).(*Installed); ok {
		return in
	}
	in := &Installed{byID: make(map[string]string)}
	ctx.RegisterService(ServiceName, in)
	return in
}

// Registry is the default Installer.
type Registry struct {
	// Strict rejects ids without a registered install function. Otherwise
	// such ids are recorded as installed with no behavior.
	Strict bool

	mu       sync.RWMutex
	versions map[string]map[string]InstallFunc
}

// NewRegistry returns a registry with the built-in extensions.
func NewRegistry() *Registry {
	r := &Registry{versions: make(map[string]map[string]InstallFunc)}
	r.Register("amp-bind", "0.1", installBind)
	return r
}

// Register adds the install function for id at version.
func (r *Registry) Register(id, version string, fn InstallFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions[id] == nil {
		r.versions[id] = make(map[string]InstallFunc)
	}
	r.versions[id][version] = fn
}

// Declare makes version of id available without behavior. A version that
// already has an install function keeps it.
func (r *Registry) Declare(id, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions[id] == nil {
		r.versions[id] = make(map[string]InstallFunc)
	}
	if _, ok := r.versions[id][version]; !ok {
		r.versions[id][version] = nil
	}
}

// Latest returns the highest registered version of id.
func (r *Registry) Latest(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best string
	for v := range r.versions[id] {
		if best == "" || semver.Compare(canonical(v), canonical(best)) > 0 {
			best = v
		}
	}
	return best, best != ""
}

// InstallExtension implements Installer. Installing an id that ctx already
// has is a no-op.
func (r *Registry) InstallExtension(ctx *doccontext.Context, id, version string) error {
	if version == "" {
		version = VersionLatest
	}
	if version != VersionLatest && !semver.IsValid(canonical(version)) {
		return fmt.Errorf("%w: %s %q", ErrBadVersion, id, version)
	}

	fn, resolved, err := r.resolve(id, version)
	if err != nil {
		return err
	}
	if !InstalledOf(ctx).mark(id, resolved) {
		return nil
	}
	if fn == nil {
		return nil
	}
	if err := fn(ctx); err != nil {
		return fmt.Errorf("extensions: install %s@%s: %w", id, resolved, err)
	}
	return nil
}

// InstallAll implements Installer. Ids that are not yet installed are
// installed at their latest version. Every id is attempted; the errors are
// joined.
func (r *Registry) InstallAll(ctx *doccontext.Context, ids []string) error {
	var errs []error
	installed := InstalledOf(ctx)
	for _, id := range ids {
		if _, ok := installed.Version(id); ok {
			continue
		}
		if err := r.InstallExtension(ctx, id, VersionLatest); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) resolve(id, version string) (InstallFunc, string, error) {
	r.mu.RLock()
	versions, known := r.versions[id]
	r.mu.RUnlock()

	if !known {
		if r.Strict {
			return nil, "", fmt.Errorf("%w: %s", ErrUnknownExtension, id)
		}
		return nil, version, nil
	}
	if version == VersionLatest {
		latest, _ := r.Latest(id)
		version = latest
	}
	r.mu.RLock()
	fn, ok := versions[version]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s@%s", ErrUnknownVersion, id, version)
	}
	return fn, version, nil
}

// canonical maps an extension version ("0.1") to semver syntax ("v0.1").
func canonical(version string) string {
	return "v" + version
}

func installBind(ctx *doccontext.Context) error {
	ctx.RegisterService(doccontext.ServiceBind, doccontext.NewBind())
	return nil
}
