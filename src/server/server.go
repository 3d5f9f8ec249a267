// Package server exposes agents over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Protocol-Lattice/go-agent-server/src/config"
	"github.com/Protocol-Lattice/go-agent-server/src/manager"
	"github.com/Protocol-Lattice/go-agent-server/src/models"
	"github.com/Protocol-Lattice/go-agent-server/src/tools"
)

const tracerName = "github.com/Protocol-Lattice/go-agent-server/src/server"

// ModelFactory builds the model client for a new agent.
type ModelFactory func(ctx context.Context, cfg models.Config) (models.Agent, error)

// Config wires a Server.
type Config struct {
	Manager     *manager.Manager
	Toolbox     *tools.Toolbox
	Agent       config.AgentSettings
	Checkpoints config.CheckpointSettings
	// Models defaults to models.NewLLMProvider.
	Models ModelFactory
	// Registry receives the server's collectors and backs /metrics. A fresh registry is
	// used when nil.
	Registry        *prometheus.Registry
	Logger          *slog.Logger
	Tracer          trace.Tracer
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg     Config
	manager *manager.Manager
	toolbox *tools.Toolbox
	models  ModelFactory
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	started time.Time
	handler http.Handler
}

func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("server: manager is required")
	}
	if cfg.Toolbox == nil {
		box, err := tools.FromManifest(nil)
		if err != nil {
			return nil, err
		}
		cfg.Toolbox = box
	}
	if cfg.Models == nil {
		cfg.Models = models.NewLLMProvider
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		manager: cfg.Manager,
		toolbox: cfg.Toolbox,
		models:  cfg.Models,
		metrics: NewMetrics(cfg.Registry, cfg.Manager.Len),
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		started: time.Now(),
	}
	s.handler = s.buildRouter()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.instrument)

	r.Get("/health", s.handleHealth())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))

	r.Post("/agent/create", s.handleCreate())
	r.Post("/send", s.handleSend())
	r.Get("/agents", s.handleList())
	r.Get("/tools", s.handleTools())
	r.Route("/agent/{threadId}", func(r chi.Router) {
		r.Get("/", s.handleGet())
		r.Get("/history", s.handleHistory())
		r.Delete("/", s.handleDelete())
	})
	return r
}

// instrument records a span and a latency observation per request, labelled by route
// pattern so thread ids never become label values.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", status))
		s.metrics.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully and
// closes every live agent.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("server shutting down")
	err := srv.Shutdown(shutdownCtx)
	if cerr := s.manager.CloseAll(shutdownCtx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}
