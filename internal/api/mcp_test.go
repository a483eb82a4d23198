package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/pricewatch/internal/scheduler"
	"github.com/kalambet/pricewatch/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *fakeScheduler) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sched := &fakeScheduler{interval: 5 * time.Minute}
	return MCPDeps{Store: store, Scheduler: sched}, store, sched
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_TriggerCycle(t *testing.T) {
	deps, _, sched := newTestMCPDeps(t)
	handler := mcpTriggerCycle(deps)

	result, err := handler(context.Background(), makeCallToolRequest("trigger_cycle", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "Cycle started." {
		t.Errorf("text = %q", text)
	}

	sched.busy.Store(true)
	result, _ = handler(context.Background(), makeCallToolRequest("trigger_cycle", nil))
	if !strings.Contains(toolText(t, result), "already running") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_CycleStatus(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	result, err := mcpCycleStatus(deps)(context.Background(), makeCallToolRequest("cycle_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var st scheduler.Status
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}
	if st.Interval != "5m0s" {
		t.Errorf("interval = %q", st.Interval)
	}
}

func TestMCPTool_TrackQuery(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	handler := mcpTrackQuery(deps)

	result, err := handler(context.Background(), makeCallToolRequest("track_query", map[string]interface{}{
		"owner_id":  "u1",
		"keywords":  "mechanical keyboard",
		"max_price": 150.0,
		"condition": "new",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	queries, err := store.ListQueries(context.Background(), "u1")
	if err != nil {
		t.Fatalf("listing queries: %v", err)
	}
	if len(queries) != 1 {
		t.Fatalf("expected 1 query, got %d", len(queries))
	}
	q := queries[0]
	if q.Keywords != "mechanical keyboard" || q.Condition != "new" || q.MinPrice != nil || q.MaxPrice == nil || *q.MaxPrice != 150 {
		t.Errorf("query = %+v", q)
	}
}

func TestMCPTool_TrackQuery_Invalid(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	handler := mcpTrackQuery(deps)

	cases := []map[string]interface{}{
		{"keywords": "x"},
		{"owner_id": "u1"},
		{"owner_id": "u1", "keywords": "x", "min_price": 20.0, "max_price": 10.0},
	}
	for _, args := range cases {
		result, err := handler(context.Background(), makeCallToolRequest("track_query", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected tool error", args)
		}
	}
}

func TestMCPTool_ListTrackedItems(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	handler := mcpListItems(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("list_tracked_items", map[string]interface{}{"owner_id": "u1"}))
	if toolText(t, result) != "[]" {
		t.Errorf("empty list = %q", toolText(t, result))
	}

	store.UpsertTrackedItem(context.Background(), storage.TrackedItem{ID: "i1", OwnerID: "u1", RemoteID: "r1", Title: "Desk", CurrentPrice: 80, Active: true})
	result, _ = handler(context.Background(), makeCallToolRequest("list_tracked_items", map[string]interface{}{"owner_id": "u1"}))

	var items []storage.TrackedItem
	if err := json.Unmarshal([]byte(toolText(t, result)), &items); err != nil {
		t.Fatalf("failed to parse items: %v", err)
	}
	if len(items) != 1 || items[0].Title != "Desk" {
		t.Errorf("items = %+v", items)
	}
}

func TestMCPResource_Status(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	contents, err := mcpResourceStatus(deps)(context.Background(), makeReadResourceRequest("pricewatch://status"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "pricewatch://status" || tc.MIMEType != "application/json" {
		t.Errorf("contents = %+v", tc)
	}
	if !strings.Contains(tc.Text, `"interval":"5m0s"`) {
		t.Errorf("text = %s", tc.Text)
	}
}
