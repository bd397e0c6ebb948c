package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-drift/multidoc/pkg/bridge"
	"github.com/go-drift/multidoc/pkg/multidoc"
	"github.com/go-drift/multidoc/pkg/scheduler"
	"github.com/go-drift/multidoc/pkg/viewer"
)

func init() {
	RegisterCommand(&Command{
		Name:  "serve",
		Short: "Serve a composed page over HTTP",
		Long: `Attach documents to a page and serve it over HTTP.

Routes:
  GET    /                        the composed page
  GET    /docs                    hosted documents
  POST   /docs/{id}/messages      post {"type","data","await"} into a document
  GET    /docs/{id}/state?path=   read bound state
  POST   /docs/{id}/state         merge a JSON object into bound state
  DELETE /docs/{id}               close a document
  GET    /metrics                 Prometheus metrics

Document messages addressed to the embedder are relayed over an in-process
pub/sub and logged.`,
		Usage: "multidoc serve [--addr ADDR] [--base-url URL] <page> HOST=FILE...",
		Run:   runServe,
	})
}

func runServe(args []string) error {
	opts, err := parseComposeArgs(args)
	if err != nil {
		return err
	}
	addr := opts.addr
	page, err := loadPage(opts.page)
	if err != nil {
		return err
	}

	rt, err := newRuntime(os.Stderr)
	if err != nil {
		return err
	}
	defer rt.stop()
	if addr == "" {
		addr = rt.cfg.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := multidoc.New(page, rt.options())
	docs, err := rt.attachAll(ctx, m, opts.baseURL, opts.targets)
	if err != nil {
		return err
	}

	pubsub := bridge.NewGoChannel(rt.logger)
	defer pubsub.Close()
	b := bridge.New(pubsub, pubsub, m, bridge.Config{Exec: rt.loop.Run}, rt.logger)
	for _, d := range docs {
		b.Expose(d)
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	outbound, err := pubsub.Subscribe(ctx, bridge.TopicOutbound)
	if err != nil {
		return err
	}
	go logOutbound(rt.logger, outbound)

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(m, rt.loop, rt.prom, rt.logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("serving", "addr", addr, "documents", len(docs))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("shutdown", "error", err)
	}
	rt.closeAll(shutdownCtx, m)
	return nil
}

func logOutbound(logger *slog.Logger, msgs <-chan *message.Message) {
	for msg := range msgs {
		env, err := bridge.Decode(msg)
		msg.Ack()
		if err != nil {
			logger.Warn("undecodable outbound message", "uuid", msg.UUID, "error", err)
			continue
		}
		logger.Info("document message", "doc", env.DocID, "kind", env.Kind, "type", env.Type)
	}
}

// server exposes a Manager over HTTP. Every manager call runs on exec.
type server struct {
	m      *multidoc.Manager
	exec   bridge.ExecFunc
	prom   prometheus.Gatherer
	logger *slog.Logger
	codec  viewer.JSONCodec
}

func newServer(m *multidoc.Manager, loop *scheduler.Loop, prom prometheus.Gatherer, logger *slog.Logger) *server {
	return &server{m: m, exec: loop.Run, prom: prom, logger: logger}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/", s.handlePage)
	r.Get("/docs", s.handleListDocs)
	r.Route("/docs/{id}", func(r chi.Router) {
		r.Post("/messages", s.handlePostMessage)
		r.Get("/state", s.handleGetState)
		r.Post("/state", s.handleSetState)
		r.Delete("/", s.handleClose)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	return r
}

type docInfo struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Phase        string `json:"phase"`
	Title        string `json:"title,omitempty"`
	CanonicalURL string `json:"canonicalUrl,omitempty"`
	Visibility   string `json:"visibility"`
}

type messageRequest struct {
	Type  string `json:"type"`
	Data  any    `json:"data"`
	Await bool   `json:"await"`
}

func (s *server) handlePage(w http.ResponseWriter, r *http.Request) {
	var out string
	if err := s.exec(r.Context(), func() { out = s.m.Page().String() }); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, out)
}

func (s *server) handleListDocs(w http.ResponseWriter, r *http.Request) {
	var infos []docInfo
	err := s.exec(r.Context(), func() {
		for _, d := range s.m.Docs() {
			infos = append(infos, docInfo{
				ID:           d.ID(),
				URL:          d.URL(),
				Phase:        d.Phase().String(),
				Title:        d.Title(),
				CanonicalURL: d.CanonicalURL(),
				Visibility:   string(d.VisibilityState()),
			})
		}
	})
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	if infos == nil {
		infos = []docInfo{}
	}
	s.writeJSON(w, r, http.StatusOK, infos)
}

func (s *server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := s.decode(r, &req); err != nil || req.Type == "" {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid message: %v", err))
		return
	}
	var resp any
	err := s.withDoc(w, r, func(d *multidoc.ShadowDoc) error {
		var postErr error
		resp, postErr = d.PostMessage(req.Type, req.Data, req.Await)
		return postErr
	})
	if err != nil {
		return
	}
	if !req.Await {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"response": resp})
}

func (s *server) handleGetState(w http.ResponseWriter, r *http.Request) {
	var value any
	err := s.withDoc(w, r, func(d *multidoc.ShadowDoc) error {
		var getErr error
		value, getErr = d.GetState(r.URL.Query().Get("path"))
		return getErr
	})
	if err != nil {
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"value": value})
}

func (s *server) handleSetState(w http.ResponseWriter, r *http.Request) {
	var obj map[string]any
	if err := s.decode(r, &obj); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid state: %w", err))
		return
	}
	err := s.withDoc(w, r, func(d *multidoc.ShadowDoc) error {
		return d.SetState(obj)
	})
	if err != nil {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleClose(w http.ResponseWriter, r *http.Request) {
	var closed *scheduler.Future
	err := s.withDoc(w, r, func(d *multidoc.ShadowDoc) error {
		closed = d.Close()
		return nil
	})
	if err != nil {
		return
	}
	if err := closed.Wait(r.Context()); err != nil {
		s.writeError(w, r, http.StatusGatewayTimeout, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// withDoc runs fn on the document named by the {id} route parameter and
// writes an error response if the document is unknown or fn fails.
func (s *server) withDoc(w http.ResponseWriter, r *http.Request, fn func(d *multidoc.ShadowDoc) error) error {
	id := chi.URLParam(r, "id")
	var fnErr error
	found := false
	err := s.exec(r.Context(), func() {
		d := s.m.Doc(id)
		if d == nil {
			return
		}
		found = true
		fnErr = fn(d)
	})
	switch {
	case err != nil:
		s.writeError(w, r, http.StatusServiceUnavailable, err)
		return err
	case !found:
		err = fmt.Errorf("unknown document %q", id)
		s.writeError(w, r, http.StatusNotFound, err)
		return err
	case fnErr != nil:
		s.writeError(w, r, statusOf(fnErr), fnErr)
		return fnErr
	}
	return nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, multidoc.ErrClosed):
		return http.StatusGone
	case errors.Is(err, multidoc.ErrBindUnavailable):
		return http.StatusConflict
	case errors.Is(err, multidoc.ErrInvalidState), errors.Is(err, viewer.ErrUnknownMessage):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *server) decode(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return s.codec.DecodeInto(data, v)
}

func (s *server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := s.codec.Encode(v)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.logger.WarnContext(r.Context(), "request failed",
		"request_id", middleware.GetReqID(r.Context()),
		"status", status,
		"error", err.Error(),
	)
	data, _ := s.codec.Encode(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
