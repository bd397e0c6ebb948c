package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/go-drift/multidoc/cmd/multidoc/internal/config"
	"github.com/go-drift/multidoc/pkg/dom"
	mderrors "github.com/go-drift/multidoc/pkg/errors"
	"github.com/go-drift/multidoc/pkg/extensions"
	"github.com/go-drift/multidoc/pkg/metrics"
	"github.com/go-drift/multidoc/pkg/multidoc"
	"github.com/go-drift/multidoc/pkg/scheduler"
)

// DefaultBaseURL prefixes document file names to form document URLs.
const DefaultBaseURL = "https://docs.localhost/"

// readyTimeout bounds how long commands wait for attached documents.
const readyTimeout = 5 * time.Second

// runtime holds what every command needs to host documents.
type runtime struct {
	cfg     *config.Resolved
	logger  *slog.Logger
	prom    *prometheus.Registry
	metrics *metrics.Metrics
	loop    *scheduler.Loop
}

func newRuntime(stderr io.Writer) (*runtime, error) {
	res, err := config.Resolve(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(stderr, res)
	mderrors.SetHandler(&mderrors.LogHandler{Logger: logger, Verbose: res.Development})

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector())
	loop := scheduler.NewLoop()
	loop.Start()
	return &runtime{
		cfg:     res,
		logger:  logger,
		prom:    prom,
		metrics: metrics.New(prom),
		loop:    loop,
	}, nil
}

func newLogger(w io.Writer, res *config.Resolved) *slog.Logger {
	opts := &slog.HandlerOptions{Level: res.LogLevel}
	if res.LogFormat == config.FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// options builds manager options from the resolved configuration.
func (r *runtime) options() multidoc.Options {
	exts := extensions.NewRegistry()
	exts.Strict = r.cfg.StrictExtensions
	for _, ext := range r.cfg.Extensions {
		exts.Declare(ext.ID, ext.Version)
	}
	return multidoc.Options{
		Scheduler:    r.loop,
		Extensions:   exts,
		Logger:       r.logger,
		Metrics:      r.metrics,
		ReadyDelay:   noWait(r.cfg.ReadyDelay),
		CloseTimeout: noWait(r.cfg.CloseTimeout),
		Development:  r.cfg.Development,
	}
}

// noWait maps a configured zero to the manager's "no wait" value; the manager
// reads zero as "use the default".
func noWait(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// target is one HOST=DOC argument.
type target struct {
	HostID string
	Path   string
}

func parseTargets(args []string) ([]target, error) {
	targets := make([]target, 0, len(args))
	for _, arg := range args {
		host, path, ok := strings.Cut(arg, "=")
		if !ok || host == "" || path == "" {
			return nil, fmt.Errorf("invalid document %q (want HOST=FILE)", arg)
		}
		targets = append(targets, target{HostID: host, Path: path})
	}
	return targets, nil
}

func loadPage(path string) (*dom.Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	return dom.ParseString(string(data))
}

// attachAll attaches every target on the loop and waits until each document
// is ready.
func (r *runtime) attachAll(ctx context.Context, m *multidoc.Manager, baseURL string, targets []target) ([]*multidoc.ShadowDoc, error) {
	docs := make([]*multidoc.ShadowDoc, 0, len(targets))
	for _, t := range targets {
		data, err := os.ReadFile(t.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", t.Path, err)
		}
		parsed, err := dom.ParseDocument(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", t.Path, err)
		}
		docURL := strings.TrimSuffix(baseURL, "/") + "/" + filepath.Base(t.Path)

		var d *multidoc.ShadowDoc
		var attachErr error
		err = r.loop.Run(ctx, func() {
			host := m.Page().ElementByID(t.HostID)
			if host == nil {
				attachErr = fmt.Errorf("no element with id %q", t.HostID)
				return
			}
			d, attachErr = m.AttachDoc(host, parsed, docURL, nil)
		})
		if err == nil {
			err = attachErr
		}
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", t.Path, err)
		}
		r.logger.Info("attached document", "id", d.ID(), "host", t.HostID, "url", docURL)
		docs = append(docs, d)
	}

	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	for _, d := range docs {
		if err := d.Ready().Wait(waitCtx); err != nil {
			return nil, fmt.Errorf("document %s not ready: %w", d.ID(), err)
		}
	}
	return docs, nil
}

// closeAll closes every document and waits for the confirmations.
func (r *runtime) closeAll(ctx context.Context, m *multidoc.Manager) {
	var futures []*scheduler.Future
	if err := r.loop.Run(ctx, func() { futures = m.CloseAll() }); err != nil {
		r.logger.Warn("close documents", "error", err)
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	pending := 0
	for _, f := range futures {
		if err := f.Wait(waitCtx); err != nil {
			pending++
		}
	}
	if pending > 0 {
		r.logger.Info("documents not confirmed closed", "pending", pending, "total", len(futures), "error", waitCtx.Err())
	}
}

func (r *runtime) stop() {
	r.loop.Stop()
}
