// Package mcp exposes workflow submission, dry runs and backfills as MCP
// tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"backfill/internal/service"
	"backfill/internal/session"
	"backfill/internal/workflow"
)

// Backend is the part of service.Service the tools call into.
type Backend interface {
	Submit(ctx context.Context, raw []byte) (*workflow.Document, error)
	TestPath(ctx context.Context, name, pathID, targetURL string) (*session.Result, error)
	ValidatePaths(ctx context.Context, name, targetURL string) (*service.PathsReport, error)
	StartBackfill(ctx context.Context, req service.BackfillRequest) (*service.Job, error)
	Job(id string) (*service.Job, error)
	CancelJob(id string) (*service.Job, error)
}

// Server wraps an MCP server with the backfill tool handlers.
type Server struct {
	backend   Backend
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(b Backend, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Server{backend: b, logger: logger}

	mcpSrv := server.NewMCPServer(
		"backfill",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("backfill replays recorded user journeys against a live site with historical timestamps. "+
			"Register a journey document with workflow_submit, check its paths with workflow_test or workflow_validate, "+
			"then start a batch with backfill_start and poll it with backfill_status."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying server for custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: testTool(), Handler: s.handleTest},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

func submitTool() mcp.Tool {
	return mcp.NewTool("workflow_submit",
		mcp.WithDescription("Validate and store a journey document, replacing any document with the same workflow_name"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Journey document with workflow_name, paths and optional accounts/segments")),
	)
}

func testTool() mcp.Tool {
	return mcp.NewTool("workflow_test",
		mcp.WithDescription("Run the opening steps of one path once against a target to check its selectors"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Stored workflow name")),
		mcp.WithString("path_id", mcp.Required(), mcp.Description("Path to test")),
		mcp.WithString("target_url", mcp.Required(), mcp.Description("Base URL of the target site")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("workflow_validate",
		mcp.WithDescription("Dry-run every path of a workflow in test mode and report failing actions"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Stored workflow name")),
		mcp.WithString("target_url", mcp.Required(), mcp.Description("Base URL of the target site")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("backfill_start",
		mcp.WithDescription("Start a backfill batch and return its batch_id for polling"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Stored workflow name")),
		mcp.WithString("target_url", mcp.Required(), mcp.Description("Base URL of the target site")),
		mcp.WithString("start_date", mcp.Required(), mcp.Description("First day of the window, YYYY-MM-DD or RFC 3339")),
		mcp.WithNumber("day_span", mcp.Required(), mcp.Description("Number of days in the window")),
		mcp.WithNumber("total_users", mcp.Required(), mcp.Description("Number of sessions to run")),
		mcp.WithNumber("concurrency_limit", mcp.Description("Maximum sessions in flight")),
		mcp.WithNumber("seed", mcp.Description("Scheduling seed; omitted or 0 draws a fresh one")),
		mcp.WithNumber("rate", mcp.Description("Maximum session starts per second; 0 is unlimited")),
		mcp.WithString("mode", mcp.Enum("full", "test"), mcp.Description("Execution mode (default: full)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("backfill_status",
		mcp.WithDescription("Report the state and running outcome of a backfill batch"),
		mcp.WithString("batch_id", mcp.Required(), mcp.Description("ID returned by backfill_start")),
		mcp.WithBoolean("results", mcp.Description("Include per-session results")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("backfill_cancel",
		mcp.WithDescription("Stop dispatching new sessions for a backfill batch"),
		mcp.WithString("batch_id", mcp.Required(), mcp.Description("ID returned by backfill_start")),
	)
}
