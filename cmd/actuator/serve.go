package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rendis/actuator/internal/api"
	"github.com/rendis/actuator/internal/logging"
	"github.com/rendis/actuator/internal/scheduler"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", settingsPath(), "settings file")
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flushTraces := setupTracing(ctx, cfg, logger)
	defer flushTraces()

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	if err := writePID(); err != nil {
		logger.Warn("cannot write pidfile", slog.String("error", err.Error()))
	}
	defer os.Remove(pidPath())

	a.journal(ctx)

	sched := scheduler.NewScheduler(a.engine, logger, scheduler.WithHub(a.hub))
	jobs, err := cfg.jobs(a.cel)
	if err != nil {
		fatal(err)
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			fatal(fmt.Errorf("schedule %s: %w", job.Name, err))
		}
	}
	if err := sched.Start(ctx); err != nil {
		fatal(err)
	}
	defer sched.Stop()

	go watchReload(ctx, *configPath, cfg, level, logger)

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Engine:    a.engine,
		Store:     a.historyStore(),
		Hub:       a.hub,
		Scheduler: sched,
		Policies:  a.policies,
		CEL:       a.cel,
		Registry:  a.metrics,
		Logger:    logger,

		MaxStreamBody: a.maxBody,
	})
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// watchReload re-reads the settings file on SIGHUP. Only the log level is
// applied live; other changes are reported as needing a restart.
func watchReload(ctx context.Context, path string, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		next, err := loadConfig(path)
		if err != nil {
			logger.Warn("config reload failed", slog.String("error", err.Error()))
			continue
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("config changes require a restart", slog.Any("fields", d.RestartNeeded))
		}
		current.LogLevel = next.LogLevel
	}
}

func writePID() error {
	if err := os.MkdirAll(actuatorDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
