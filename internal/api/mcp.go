package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/retracehq/retrace/internal/index"
	"github.com/retracehq/retrace/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Search Searcher
	Sched  SchedulerControl
	Gate   ReadyChecker
}

// NewMCPServer creates an MCP server exposing browsing-history recall
// to local assistants.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"retrace",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("retrace — local search over the pages you have visited. Nothing leaves the machine."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_history",
			mcp.WithDescription("Search previously visited pages by meaning and keywords. Returns matching pages grouped by URL."),
			mcp.WithString("query", mcp.Description("What to look for"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of pages to return (default 10)")),
		),
		mcpSearchHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("remember_page",
			mcp.WithDescription("Queue a page for indexing so it becomes searchable later."),
			mcp.WithString("url", mcp.Description("Page URL"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Optional page title")),
			mcp.WithString("content", mcp.Description("Optional page text; without it the page is fetched when processed")),
		),
		mcpRememberPage(deps),
	)

	s.AddTool(
		mcp.NewTool("ingestion_status",
			mcp.WithDescription("Report queue depth, in-flight work, and lifetime counters for the background indexer."),
		),
		mcpIngestionStatus(deps),
	)

	return s
}

func mcpSearchHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		deps.Sched.NoteActivity()

		resp, err := deps.Search.Search(ctx, query, index.SearchOptions{TopK: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(resp.Groups) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(resp.Groups)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRememberPage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		id, err := deps.Store.Enqueue(storage.EnqueueInput{
			URL:     url,
			Title:   req.GetString("title", ""),
			Payload: req.GetString("content", ""),
			Source:  storage.SourceManual,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to enqueue: %v", err)), nil
		}

		deps.Sched.Trigger()

		return mcpText(fmt.Sprintf("Queued %s for indexing (record %s)", url, id)), nil
	}
}

func mcpIngestionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Store.QueueStats()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read queue stats: %v", err)), nil
		}
		counters, err := deps.Store.Counters()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read counters: %v", err)), nil
		}
		paused, err := deps.Store.Paused()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read pause flag: %v", err)), nil
		}

		status := map[string]any{
			"paused":       paused,
			"engine_ready": deps.Gate.Ready(ctx),
			"queue":        stats,
			"processing":   deps.Sched.Processing(),
			"counters":     counters,
		}
		b, err := json.Marshal(status)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
