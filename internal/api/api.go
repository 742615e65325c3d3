// Package api provides the HTTP surface of Helena.
//
// It exposes the chat endpoint, session inspection and finalization, the
// stateless risk inference and scoring endpoints, health and Prometheus
// metrics. Every JSON answer uses the models.APIResponse envelope except
// /chat, which returns the chat response shape directly.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mapagov/helena/internal/metrics"
	"github.com/mapagov/helena/internal/orchestrator"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// userIDHeader carries the authenticated user when a gateway fronts the API.
const userIDHeader = "X-User-ID"

// Opts configures a Server.
type Opts struct {
	Addr            string
	DevMode         bool
	Metrics         *metrics.Collector
	ShutdownTimeout time.Duration
}

// Option mutates Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithDevMode includes diagnostic detail in error responses.
func WithDevMode(dev bool) Option {
	return func(o *Opts) { o.DevMode = dev }
}

// WithMetrics records HTTP metrics and serves /metrics from c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = c }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server serves the Helena HTTP API.
type Server struct {
	orch     *orchestrator.Orchestrator
	opts     Opts
	validate *validator.Validate
	mux      *http.ServeMux
}

// NewServer creates a Server around orch.
func NewServer(orch *orchestrator.Orchestrator, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, ShutdownTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{
		orch:     orch,
		opts:     o,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("POST /chat", s.chatHandler)
	s.handle("GET /sessions/{id}", s.sessionHandler)
	s.handle("GET /sessions/{id}/messages", s.messagesHandler)
	s.handle("POST /sessions/{id}/finalize", s.finalizeHandler)
	s.handle("POST /risk/infer", s.riskInferHandler)
	s.handle("POST /risk/score", s.riskScoreHandler)
	s.handle("GET /health", s.healthHandler)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
}

// handle registers h under pattern with body limits and request metrics.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			defer r.Body.Close()
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		s.opts.Metrics.RecordHTTPRequest(pattern, rec.status)
		slog.Debug("Server.handle: request served", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr, "devMode", s.opts.DevMode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listen failed", "addr", s.opts.Addr, "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
