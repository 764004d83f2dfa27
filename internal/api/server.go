package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rendis/actuator/internal/engine"
	"github.com/rendis/actuator/internal/expressions"
	"github.com/rendis/actuator/internal/scheduler"
	"github.com/rendis/actuator/internal/store"
	"github.com/rendis/actuator/internal/streaming"
	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/internal/validation"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps holds the collaborators the API serves. Engine is required; the rest
// are optional and their routes answer 404 when missing.
type Deps struct {
	Engine    *engine.Engine
	Store     store.Store
	Hub       streaming.EventHub
	Scheduler *scheduler.Scheduler
	Policies  *validation.PolicyChecker
	CEL       *expressions.CELEngine
	Registry  *prometheus.Registry // metrics registry to expose and to record HTTP metrics on
	Logger    *slog.Logger

	// MaxStreamBody caps a stream drained into a JSON response.
	MaxStreamBody int64
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	deps    Deps
	metrics *httpMetrics
	logger  *slog.Logger
	addr    string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	if deps.MaxStreamBody <= 0 {
		deps.MaxStreamBody = transport.DefaultMaxResponseBody
	}
	srv := &Server{
		router:  chi.NewRouter(),
		deps:    deps,
		metrics: newHTTPMetrics(deps.Registry),
		logger:  deps.Logger,
		addr:    addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(traceContext)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.metrics.middleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-Id", "traceparent", "tracestate"},
		ExposedHeaders: []string{"X-Request-Id", "X-Invocation-Id"},
		MaxAge:         300,
	}))

	srv.routes()
	return srv
}

// traceContext continues a caller's trace so invocation spans join it.
func traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", s.metrics.handler(s.deps.Registry))

	s.router.Get("/actions", s.handleListActions)
	s.router.Get("/actions/{name}", s.handleGetAction)
	s.router.Post("/actions/{name}/invoke", s.handleInvoke)
	s.router.Post("/invoke/batch", s.handleInvokeBatch)

	s.router.Get("/invocations", s.handleListInvocations)
	s.router.Get("/invocations/{id}", s.handleGetInvocation)
	s.router.Get("/invocations/{id}/events", s.handleInvocationEvents)

	s.router.Get("/events", s.handleSSE)
	s.router.Get("/schedules", s.handleListSchedules)
	s.router.Get("/breakers", s.handleListBreakers)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
