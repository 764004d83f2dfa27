package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/actuator/internal/engine"
	"github.com/rendis/actuator/internal/expressions"
	"github.com/rendis/actuator/internal/store"
	"github.com/rendis/actuator/internal/streaming"
	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/internal/validation"
)

// ServerDeps holds the dependencies for creating an ActuatorServer. Everything
// but Engine is optional.
type ServerDeps struct {
	Engine   *engine.Engine
	Store    store.Store
	Hub      streaming.EventHub
	Policies *validation.PolicyChecker
	CEL      *expressions.CELEngine
	Logger   *slog.Logger

	// MaxStreamBody caps a stream drained into a tool result.
	MaxStreamBody int64
}

// ActuatorServer wraps an MCP server with actuator tool handlers.
type ActuatorServer struct {
	engine    *engine.Engine
	store     store.Store
	hub       streaming.EventHub
	policies  *validation.PolicyChecker
	cel       *expressions.CELEngine
	logger    *slog.Logger
	sessions  *clientSessions
	notifier  ClientNotifier
	mcpServer *server.MCPServer
	maxBody   int64
}

// NewActuatorServer creates a new ActuatorServer with all 3 tools registered.
func NewActuatorServer(deps ServerDeps) *ActuatorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ActuatorServer{
		engine:   deps.Engine,
		store:    deps.Store,
		hub:      deps.Hub,
		policies: deps.Policies,
		cel:      deps.CEL,
		logger:   logger,
		sessions: newClientSessions(),
		maxBody:  deps.MaxStreamBody,
	}
	if s.maxBody <= 0 {
		s.maxBody = transport.DefaultMaxResponseBody
	}

	mcpSrv := server.NewMCPServer(
		"actuator",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.sessions.hooks()),
		server.WithInstructions("Actuator runs registered actions by name with parameter validation and retries. Use actuator.list to discover actions and their parameters, actuator.invoke to run one, and actuator.history to inspect past invocations and their attempts."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = &sessionNotifier{srv: mcpSrv, sessions: s.sessions}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ActuatorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ActuatorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *ActuatorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: invokeTool(), Handler: s.handleInvoke},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
}

// --- Tool definitions ---

func invokeTool() mcp.Tool {
	return mcp.NewTool("actuator.invoke",
		mcp.WithDescription("Invoke a registered action by name"),
		mcp.WithString("action", mcp.Required(), mcp.Description("Name of the action to invoke")),
		mcp.WithObject("params", mcp.Description("Action parameters, validated against the action's parameter list")),
		mcp.WithString("timeout", mcp.Description("Bound on the whole invocation including retries (e.g. 30s)")),
		mcp.WithObject("retry", mcp.Description("Retry policy override (max_attempts, base_delay, multiplier, max_delay, jitter, attempt_timeout, retry_on, retry_if)")),
		mcp.WithString("client_id", mcp.Description("ID of the calling client; enables retry progress notifications")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("actuator.list",
		mcp.WithDescription("List registered actions and their parameters"),
		mcp.WithString("prefix", mcp.Description("Only list actions whose name starts with this prefix")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("actuator.history",
		mcp.WithDescription("Query past invocations and their attempts"),
		mcp.WithString("invocation_id", mcp.Description("Return one invocation with its attempts")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (action, status, source, since, limit)")),
	)
}
