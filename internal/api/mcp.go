package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pricewatch/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Scheduler Scheduler
}

// NewMCPServer creates an MCP server with the cycle control tools and the
// status resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"pricewatch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pricewatch polls marketplace searches and tracked items and alerts on price drops."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("trigger_cycle",
			mcp.WithDescription("Start a polling cycle now. Does nothing if one is already running."),
		),
		mcpTriggerCycle(deps),
	)

	s.AddTool(
		mcp.NewTool("cycle_status",
			mcp.WithDescription("Report whether a cycle is running, the schedule, and the last run's statistics."),
		),
		mcpCycleStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("track_query",
			mcp.WithDescription("Save a marketplace search to be executed on every cycle."),
			mcp.WithString("owner_id", mcp.Description("Owner of the saved search"), mcp.Required()),
			mcp.WithString("keywords", mcp.Description("Search keywords"), mcp.Required()),
			mcp.WithNumber("min_price", mcp.Description("Inclusive lower price bound")),
			mcp.WithNumber("max_price", mcp.Description("Inclusive upper price bound")),
			mcp.WithString("condition", mcp.Description("Listing condition filter, e.g. new or used")),
			mcp.WithString("buying_format", mcp.Description("Buying format filter, e.g. auction or fixed_price")),
		),
		mcpTrackQuery(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tracked_items",
			mcp.WithDescription("List an owner's tracked items with current, lowest and highest prices."),
			mcp.WithString("owner_id", mcp.Description("Owner whose items to list"), mcp.Required()),
		),
		mcpListItems(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pricewatch://status",
			"Cycle Status",
			mcp.WithResourceDescription("Scheduler status and last cycle statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpTriggerCycle(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !deps.Scheduler.Trigger() {
			return mcpText("A cycle is already running."), nil
		}
		return mcpText("Cycle started."), nil
	}
}

func mcpCycleStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Scheduler.Status())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpTrackQuery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		keywords, err := req.RequireString("keywords")
		if err != nil {
			return mcpError("keywords is required"), nil
		}

		qr := QueryRequest{
			OwnerID:      owner,
			Keywords:     keywords,
			Condition:    req.GetString("condition", ""),
			BuyingFormat: req.GetString("buying_format", ""),
		}
		args := req.GetArguments()
		if _, ok := args["min_price"]; ok {
			v := req.GetFloat("min_price", 0)
			qr.MinPrice = &v
		}
		if _, ok := args["max_price"]; ok {
			v := req.GetFloat("max_price", 0)
			qr.MaxPrice = &v
		}

		q, err := newQuery(qr)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if err := deps.Store.CreateQuery(ctx, q); err != nil {
			return mcpError(fmt.Sprintf("failed to save query: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Tracking query %s", q.ID)), nil
	}
}

func mcpListItems(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner_id")
		if err != nil {
			return mcpError("owner_id is required"), nil
		}
		items, err := deps.Store.ListItems(ctx, owner)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list items: %v", err)), nil
		}
		if len(items) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(items)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal items: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Scheduler.Status())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
