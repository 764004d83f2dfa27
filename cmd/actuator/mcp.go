package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/actuator/internal/logging"
	"github.com/rendis/actuator/pkg/mcp"
)

// runMCP serves the MCP tools over stdio. Logs go to stderr since stdout
// carries the protocol.
func runMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", settingsPath(), "settings file")
	noHistory := fs.Bool("no-history", false, "do not record invocations")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flushTraces := setupTracing(ctx, cfg, logger)
	defer flushTraces()

	a, err := newApp(ctx, cfg, logger, !*noHistory)
	if err != nil {
		fatal(err)
	}
	defer a.Close()
	a.journal(ctx)

	srv := mcp.NewActuatorServer(mcp.ServerDeps{
		Engine:   a.engine,
		Store:    a.historyStore(),
		Hub:      a.hub,
		Policies: a.policies,
		CEL:      a.cel,
		Logger:   logger,

		MaxStreamBody: a.maxBody,
	})
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("mcp server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
