package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/actuator/internal/actions"
	"github.com/rendis/actuator/internal/engine"
	"github.com/rendis/actuator/internal/expressions"
	"github.com/rendis/actuator/internal/metrics"
	"github.com/rendis/actuator/internal/store"
	"github.com/rendis/actuator/internal/streaming"
	"github.com/rendis/actuator/internal/telemetry"
	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/internal/validation"
)

// app is the wired process: one registry, one engine, and the optional
// history store shared by every surface.
type app struct {
	cfg      Config
	logger   *slog.Logger
	registry *actions.Registry
	cel      *expressions.CELEngine
	policies *validation.PolicyChecker
	hub      *streaming.MemoryHub
	metrics  *prometheus.Registry
	store    *store.LibSQLStore // nil when history is disabled
	engine   *engine.Engine
	maxBody  int64
}

// newApp validates cfg and builds every component. withHistory opens the
// libsql database and records invocations into it.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger, withHistory bool) (*app, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("cel: %w", err)
	}
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("schemas: %w", err)
	}
	checker := validation.NewPolicyChecker(schemas, cel.Compile)
	if err := cfg.validate(checker); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	client := transport.NewClient(cfg.transportConfig())
	endpoints, err := actions.EndpointActions(client, cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("endpoints: %w", err)
	}
	registry, err := actions.Bootstrap(
		actions.Group{Actions: actions.Builtins(actions.Deps{Transport: client, Logger: logger})},
		actions.Group{Prefix: "endpoint", Actions: endpoints},
	)
	if err != nil {
		return nil, fmt.Errorf("action catalog: %w", err)
	}

	global, perAction, err := cfg.policies(cel)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		cel:      cel,
		policies: checker,
		hub:      streaming.NewMemoryHub(),
		metrics:  prometheus.NewRegistry(),
		maxBody:  client.Config().MaxResponseBody,
	}
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.metrics)
	m.Preload(registry.Names())

	engCfg := engine.Config{
		Registry:       registry,
		Validator:      validation.NewParamValidator(cfg.strictness(), schemas),
		DefaultPolicy:  global,
		ActionPolicies: perAction,
		Breakers:       engine.NewCircuitBreakerRegistry(cfg.breakerConfig()),
		Hub:            a.hub,
		Metrics:        m,
		Logger:         logger,
		PoolSize:       cfg.PoolSize,
	}

	if withHistory {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		st, err := store.NewLibSQLStore(cfg.dbURI())
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.store = st
		engCfg.Recorder = st
	}

	a.engine, err = engine.New(engCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	metrics.RegisterRuntime(a.metrics, a.hub, func() (int64, int64, int64) {
		pm := a.engine.PoolMetrics()
		return int64(pm.Size), pm.Active, pm.Waiting
	})
	logger.Debug("actuator ready",
		slog.Int("actions", len(registry.Names())),
		slog.Bool("history", withHistory))
	return a, nil
}

// setupTracing installs span export per cfg.Tracing. The returned func
// flushes pending spans.
func setupTracing(ctx context.Context, cfg Config, logger *slog.Logger) func() {
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "actuator",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		logger.Warn("tracing disabled", slog.String("error", err.Error()))
		return func() {}
	}
	return func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("trace flush failed", slog.String("error", err.Error()))
		}
	}
}

// historyStore returns the store as an interface, nil when history is disabled.
func (a *app) historyStore() store.Store {
	if a.store == nil {
		return nil
	}
	return a.store
}

// journal follows the hub into the event journal until ctx is done.
func (a *app) journal(ctx context.Context) {
	if a.store == nil {
		return
	}
	el := store.NewEventLog(a.store, a.logger)
	go func() {
		if err := el.Follow(ctx, a.hub); err != nil {
			a.logger.Warn("event journal stopped", slog.String("error", err.Error()))
		}
	}()
}

func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	a.hub.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}
