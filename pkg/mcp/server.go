package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/deflow/internal/catalog"
	"github.com/rendis/deflow/internal/scheduler"
	"github.com/rendis/deflow/internal/streaming"
	"github.com/rendis/deflow/internal/webhook"
	"github.com/rendis/deflow/pkg/schema"
)

// WorkflowEngine is the engine surface the tools drive. Satisfied by
// *engine.Engine.
type WorkflowEngine interface {
	ExecuteWorkflow(ctx context.Context, wf *schema.Workflow, trigger json.RawMessage, userID string) *schema.WorkflowExecution
	RetryFromNode(ctx context.Context, wf *schema.Workflow, executionID, nodeID string) (*schema.WorkflowExecution, error)
	ValidateWorkflow(wf *schema.Workflow) *schema.ValidationResult
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	GetExecutionLogs(ctx context.Context, id string) ([]schema.ExecutionLog, error)
	GetAllExecutions(ctx context.Context) ([]*schema.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]*schema.WorkflowExecution, error)
	ClearExecutionHistory(ctx context.Context) error
	Catalog() catalog.Catalog
}

// Schedules is the scheduler surface used by deflow.define. Satisfied by
// *scheduler.Scheduler.
type Schedules interface {
	Register(wf *schema.Workflow, userID string) (int, error)
	Unregister(workflowID string) int
	Jobs() []scheduler.Job
}

// Webhooks is the webhook router surface used by deflow.define. Satisfied
// by *webhook.Router.
type Webhooks interface {
	Register(wf *schema.Workflow, userID string) (int, error)
	Unregister(workflowID string) int
	Routes() []webhook.Route
	RegisterRoutes(mux *http.ServeMux)
}

// ServerDeps holds the dependencies for creating a DeflowServer.
type ServerDeps struct {
	Engine    WorkflowEngine
	Schedules Schedules         // optional
	Webhooks  Webhooks          // optional; mounted on the HTTP transport
	Hub       streaming.Hub     // optional; enables live log notifications
	Notifier  UserNotifier      // optional; defaults to MCP session push
	Workflows *WorkflowRegistry // optional; created when nil
	Logger    *slog.Logger
}

// DeflowServer wraps an MCP server with deflow tool handlers.
type DeflowServer struct {
	engine    WorkflowEngine
	schedules Schedules
	webhooks  Webhooks
	hub       streaming.Hub
	notifier  UserNotifier
	workflows *WorkflowRegistry
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewDeflowServer creates a DeflowServer with every tool registered.
func NewDeflowServer(deps ServerDeps) *DeflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	workflows := deps.Workflows
	if workflows == nil {
		workflows = NewWorkflowRegistry()
	}

	s := &DeflowServer{
		engine:    deps.Engine,
		schedules: deps.Schedules,
		webhooks:  deps.Webhooks,
		hub:       deps.Hub,
		workflows: workflows,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"deflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Deflow executes DeFi automation workflows. Use deflow.define to register a workflow, deflow.execute to run it, deflow.execution and deflow.query to inspect results, deflow.retry to re-run a failed node, and deflow.diagram to visualize a workflow with its execution status."),
	)

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *DeflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP serves the streamable HTTP transport on /mcp at addr until ctx
// is done. Webhook routes, when configured, share the listener.
func (s *DeflowServer) ServeHTTP(ctx context.Context, addr string) error {
	streamable := server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath("/mcp"))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.httpHandler(streamable),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		bg := context.WithoutCancel(ctx)
		_ = streamable.Shutdown(bg)
		return httpSrv.Shutdown(bg)
	}
}

// httpHandler routes /mcp to the MCP transport and mounts the webhooks.
func (s *DeflowServer) httpHandler(mcpHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)
	if s.webhooks != nil {
		s.webhooks.RegisterRoutes(mux)
	}
	return mux
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *DeflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Workflows returns the registry of defined workflows.
func (s *DeflowServer) Workflows() *WorkflowRegistry {
	return s.workflows
}

func (s *DeflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: executionTool(), Handler: s.handleExecution},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: clearTool(), Handler: s.handleClear},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("deflow.define",
		mcp.WithDescription("Register a workflow so it can be executed, retried and scheduled by id"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow object: id, name, nodes, connections")),
		mcp.WithString("user_id", mcp.Description("Owner of scheduled and webhook-triggered runs")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("deflow.execute",
		mcp.WithDescription("Execute a workflow and return its execution record"),
		mcp.WithString("workflow_id", mcp.Description("ID of a workflow registered with deflow.define")),
		mcp.WithObject("workflow", mcp.Description("Inline workflow object (used when workflow_id is not set)")),
		mcp.WithObject("trigger", mcp.Description("Trigger payload handed to every trigger node")),
		mcp.WithString("user_id", mcp.Description("User the execution runs for; selects the subscription tier")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("deflow.validate",
		mcp.WithDescription("Validate a workflow without executing it"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow")),
		mcp.WithObject("workflow", mcp.Description("Inline workflow object")),
	)
}

func executionTool() mcp.Tool {
	return mcp.NewTool("deflow.execution",
		mcp.WithDescription("Get an execution record and optionally its logs"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithBoolean("include_logs", mcp.Description("Include the execution log (default: false)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("deflow.query",
		mcp.WithDescription("Query executions, workflows, schedules, webhooks, or node types"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "workflows", "schedules", "webhooks", "node_types"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, limit, category)")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("deflow.retry",
		mcp.WithDescription("Re-run a failed node of a previous execution in a new execution"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of a registered workflow")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to retry from")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the failed node")),
	)
}

func clearTool() mcp.Tool {
	return mcp.NewTool("deflow.clear",
		mcp.WithDescription("Clear the execution history"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("deflow.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded image"),
		mcp.WithString("workflow_id", mcp.Description("ID of a registered workflow")),
		mcp.WithObject("workflow", mcp.Description("Inline workflow object")),
		mcp.WithString("execution_id", mcp.Description("Execution whose node statuses are overlaid")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image", "svg"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), image (base64 PNG) or svg"),
		),
	)
}
