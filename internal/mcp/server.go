package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"dagline/internal/domain"
	"dagline/internal/engine"
	"dagline/internal/repo"
	"dagline/internal/scheduler"
)

// Server exposes workspace inspection and run triggers as MCP tools.
type Server struct {
	repo    repo.Repo
	engine  *engine.Engine
	logger  *slog.Logger
	version string
}

func New(r repo.Repo, e *engine.Engine, logger *slog.Logger, version string) *Server {
	return &Server{repo: r, engine: e, logger: logger, version: version}
}

// Run serves MCP over stdio until the client disconnects.
func (s *Server) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.MCPServer())
}

func (s *Server) MCPServer() *server.MCPServer {
	mcpServer := server.NewMCPServer("dagline", s.version, server.WithToolCapabilities(true))
	s.registerTools(mcpServer)
	return mcpServer
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List the tasks of a workspace with their status and dependencies"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace key")),
		mcp.WithString("status",
			mcp.Description("Only tasks in this status"),
			mcp.Enum("pending", "running", "done", "failed"),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_order",
		mcp.WithDescription("Show the order in which the pending tasks of a workspace would run"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace key")),
	), s.handleTaskOrder)

	mcpServer.AddTool(mcp.NewTool("run_workspace",
		mcp.WithDescription("Execute every pending task of a workspace in dependency order"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace key")),
	), s.handleRunWorkspace)

	mcpServer.AddTool(mcp.NewTool("run_task",
		mcp.WithDescription("Execute one pending task now, ignoring its dependencies"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("workspace_metrics",
		mcp.WithDescription("Task counts, attempt outcomes and durations for a workspace"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Workspace key")),
	), s.handleMetrics)

	s.logger.Info("MCP tools registered", "count", 5)
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := mcp.ParseString(request, "workspace", "")
	if _, err := s.repo.GetWorkspace(ctx, key); err != nil {
		return toolError("list tasks", err), nil
	}
	tasks, err := s.repo.ListTasks(ctx, repo.TaskFilters{
		WorkspaceKey: key,
		Status:       mcp.ParseString(request, "status", ""),
	})
	if err != nil {
		s.logger.Error("list tasks", "workspace", key, "err", err)
		return toolError("list tasks", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	return mcp.NewToolResultText(formatTasks(fmt.Sprintf("Found %d tasks:\n\n", len(tasks)), tasks)), nil
}

func (s *Server) handleTaskOrder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := mcp.ParseString(request, "workspace", "")
	tasks, err := s.engine.Order(ctx, key)
	if err != nil {
		return toolError("order tasks", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No pending tasks"), nil
	}
	return mcp.NewToolResultText(formatTasks("Execution order:\n\n", tasks)), nil
}

func (s *Server) handleRunWorkspace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := mcp.ParseString(request, "workspace", "")
	run, err := s.engine.RunWorkspace(ctx, key)
	if err != nil {
		return toolError("run workspace", err), nil
	}
	s.logger.Info("run triggered via MCP", "workspace", key, "run_id", run.ID)
	return mcp.NewToolResultText(fmt.Sprintf("%s\nRun ID: %s", run.Message(), run.ID)), nil
}

func (s *Server) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "task_id", "")
	run, err := s.engine.RunTask(ctx, id)
	if err != nil {
		return toolError("run task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s enqueued\nRun ID: %s", id, run.ID)), nil
}

func (s *Server) handleMetrics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := mcp.ParseString(request, "workspace", "")
	m, err := s.engine.Metrics(ctx, key)
	if err != nil {
		return toolError("workspace metrics", err), nil
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func toolError(action string, err error) *mcp.CallToolResult {
	var ce *scheduler.CycleError
	switch {
	case errors.As(err, &ce):
		return mcp.NewToolResultError(fmt.Sprintf("%s: dependency cycle among %s", action, strings.Join(ce.Remaining, ", ")))
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, engine.ErrWorkspaceNotFound), errors.Is(err, engine.ErrTaskNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("%s: not found: %v", action, err))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", action, err))
	}
}

func formatTasks(header string, tasks []domain.Task) string {
	var b strings.Builder
	b.WriteString(header)
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d. [%s] %s (%s)\n", i+1, t.Status, t.Title, t.ID)
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(&b, "   depends on: %s\n", strings.Join(t.Dependencies, ", "))
		}
	}
	return b.String()
}
