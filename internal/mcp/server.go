// Package mcp exposes the foreach queue operations as MCP tools over
// stdio. Task-level failures come back as tool errors; per-file failures
// ride inside the result payload.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Driftcell/foreach/embed/instructions"
	"github.com/Driftcell/foreach/internal/queue"
	"github.com/Driftcell/foreach/pkg/models"
)

// NewServer creates a new MCP server over the given registry.
func NewServer(registry *queue.Registry) *server.MCPServer {
	s := server.NewMCPServer("foreach", "0.2.0",
		server.WithInstructions(instructions.Server),
	)

	s.AddTool(mcp.NewTool("foreach_create_task",
		mcp.WithDescription("Create a foreach task by scanning a directory and queuing code files."),
		mcp.WithString("root_path", mcp.Description("Directory to scan"), mcp.Required()),
		mcp.WithString("description", mcp.Description("What to do for each file (e.g. \"Convert all these Python 2 files to Python 3\")"), mcp.Required()),
		mcp.WithArray("include_globs", mcp.Description("Optional whitelist patterns"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("exclude_globs", mcp.Description("Optional extra ignore patterns"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("preview", mcp.Description("Number of files to show in the response (default 10)")),
		mcp.WithNumber("claim_lease_seconds", mcp.Description("If > 0, claimed files not resolved within this many seconds return to pending")),
	), createTaskHandler(registry))

	s.AddTool(mcp.NewTool("foreach_next",
		mcp.WithDescription("Get the next N files to work on and mark them claimed."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
		mcp.WithNumber("n", mcp.Description("How many files to claim (default 1)")),
	), nextHandler(registry))

	s.AddTool(mcp.NewTool("foreach_done",
		mcp.WithDescription("Mark given files as done, then claim and return the next N in the same call."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
		mcp.WithArray("files", mcp.Description("Paths to mark done (relative to the task root, or absolute)"), mcp.Required(), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("next_n", mcp.Description("How many new files to claim after marking (default 1, 0 to disable)")),
	), doneHandler(registry))

	s.AddTool(mcp.NewTool("foreach_skip",
		mcp.WithDescription("Mark given files as skipped."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
		mcp.WithArray("files", mcp.Description("Paths to skip"), mcp.Required(), mcp.Items(map[string]any{"type": "string"})),
	), skipHandler(registry))

	s.AddTool(mcp.NewTool("foreach_status",
		mcp.WithDescription("Get task summary and a page of files, optionally filtered by state."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
		mcp.WithArray("list_statuses", mcp.Description("States to list (pending|claimed|done|skipped); default all"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Page offset (default 0)")),
	), statusHandler(registry))

	s.AddTool(mcp.NewTool("foreach_cancel",
		mcp.WithDescription("Cancel a task. File states are kept for review; claim and mark calls are rejected."),
		mcp.WithString("task_id", mcp.Description("Task ID"), mcp.Required()),
	), cancelHandler(registry))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// parseStringSlice reads an optional array-of-strings argument.
func parseStringSlice(request mcp.CallToolRequest, key string) []string {
	args, _ := request.Params.Arguments.(map[string]any)
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// fileRef is how a file appears in tool responses: both path forms plus
// the current state.
type fileRef struct {
	Abs   string `json:"abs"`
	Rel   string `json:"rel"`
	State string `json:"state"`
}

func fileRefs(root string, entries []models.FileEntry) []fileRef {
	refs := make([]fileRef, 0, len(entries))
	for _, f := range entries {
		refs = append(refs, fileRef{
			Abs:   filepath.Join(root, filepath.FromSlash(f.Path)),
			Rel:   f.Path,
			State: string(f.State),
		})
	}
	return refs
}

func resultJSON(payload map[string]any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func createTaskHandler(registry *queue.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rootPath := mcp.ParseString(request, "root_path", "")
		description := mcp.ParseString(request, "description", "")
		includeGlobs := parseStringSlice(request, "include_globs")
		excludeGlobs := parseStringSlice(request, "exclude_globs")
		preview := mcp.ParseInt(request, "preview", 10)
		leaseSeconds := mcp.ParseInt(request, "claim_lease_seconds", 0)

		created, err := registry.Create(ctx, rootPath, description, includeGlobs, excludeGlobs, preview, time.Duration(leaseSeconds)*time.Second)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return resultJSON(map[string]any{
			"task_id":       created.Task.ID,
			"description":   created.Task.Description,
			"root":          created.Task.Root,
			"total_files":   created.Task.Total,
			"preview_files": fileRefs(created.Task.Root, created.Preview),
			"warnings":      created.Warnings,
			"todo":          fmt.Sprintf("Task '%s' created with %d files. Call foreach_next to get files to work on.", created.Task.Description, created.Task.Total),
		})
	}
}

func nextHandler(registry *queue.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		n := mcp.ParseInt(request, "n", 1)

		claimed, err := registry.Next(ctx, taskID, n)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		summary, err := registry.Summary(taskID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return resultJSON(map[string]any{
			"task":  summary,
			"files": fileRefs(summary.Root, claimed),
			"todo":  fmt.Sprintf("Process these %d file(s) according to: %s. Then call foreach_done with the same rel or abs paths.", len(claimed), summary.Description),
		})
	}
}

func doneHandler(registry *queue.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		files := parseStringSlice(request, "files")
		nextN := mcp.ParseInt(request, "next_n", 1)

		results, claimed, err := registry.Mark(ctx, taskID, models.FileStateDone, files, nextN)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		summary, err := registry.Summary(taskID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return resultJSON(map[string]any{
			"task":       summary,
			"results":    results,
			"next_files": fileRefs(summary.Root, claimed),
			"todo":       fmt.Sprintf("Marked %d as done. Process the next %d file(s) according to: %s.", len(files), len(claimed), summary.Description),
		})
	}
}

func skipHandler(registry *queue.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		files := parseStringSlice(request, "files")

		results, _, err := registry.Mark(ctx, taskID, models.FileStateSkipped, files, 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		summary, err := registry.Summary(taskID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return resultJSON(map[string]any{
			"task":    summary,
			"results": results,
			"todo":    "Call foreach_next to continue or foreach_status to review.",
		})
	}
}

func statusHandler(registry *queue.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		limit := mcp.ParseInt(request, "limit", 50)
		offset := mcp.ParseInt(request, "offset", 0)

		var states []models.FileState
		for _, s := range parseStringSlice(request, "list_statuses") {
			states = append(states, models.FileState(s))
		}

		page, err := registry.Status(taskID, states, limit, offset)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return resultJSON(map[string]any{
			"task":  page.Summary,
			"files": fileRefs(page.Summary.Root, page.Entries),
		})
	}
}

func cancelHandler(registry *queue.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")

		summary, err := registry.Cancel(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return resultJSON(map[string]any{
			"task": summary,
			"todo": "Task cancelled. foreach_status still works for review; claim and mark calls will be rejected.",
		})
	}
}
