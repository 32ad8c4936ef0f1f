package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/idrbulk/internal/config"
	"github.com/kalambet/idrbulk/internal/idr"
	"github.com/kalambet/idrbulk/internal/storage"
)

func newTestMCPDeps(t *testing.T, missing ...string) (MCPDeps, *testEnv) {
	t.Helper()
	env := setupAppHandler(t, missing...)
	return MCPDeps{
		Config:         env.deps.Config,
		Investigations: env.deps.Investigations,
		Comments:       env.deps.Comments,
		Batches:        env.deps.Batches,
		Version:        "test",
	}, env
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
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_ListInvestigations(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, err := mcpListInvestigations(deps)(context.Background(), makeCallToolRequest("list_investigations", nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var list []idr.Investigation
	if err := json.Unmarshal([]byte(toolText(t, result)), &list); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("got %d investigations, want 2", len(list))
	}
}

func TestMCPTool_ListInvestigations_AssigneeAndSort(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	req := makeCallToolRequest("list_investigations", map[string]interface{}{"assignee": "unassigned", "sort": "oldest"})
	result, err := mcpListInvestigations(deps)(context.Background(), req)
	if err != nil || result.IsError {
		t.Fatalf("result = %+v, err = %v", result, err)
	}
	var list []idr.Investigation
	if err := json.Unmarshal([]byte(toolText(t, result)), &list); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(list) != 1 || list[0].RRN != "rrn:investigation:a" {
		t.Errorf("list = %+v", list)
	}

	req = makeCallToolRequest("list_investigations", map[string]interface{}{"sort": "sideways"})
	if result, _ := mcpListInvestigations(deps)(context.Background(), req); !result.IsError {
		t.Error("unknown sort accepted")
	}
}

func TestMCPTool_ListInvestigations_BadStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	req := makeCallToolRequest("list_investigations", map[string]interface{}{"statuses": "OPEN,NOPE"})
	result, _ := mcpListInvestigations(deps)(context.Background(), req)
	if !result.IsError || !strings.Contains(toolText(t, result), "NOPE") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_BulkUpdate_Wait(t *testing.T) {
	deps, env := newTestMCPDeps(t, "gone")
	req := makeCallToolRequest("bulk_update", map[string]interface{}{
		"ids":      []interface{}{"a", "gone"},
		"assignee": "ada@example.com",
		"wait":     true,
	})
	result, err := mcpBulkUpdate(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var v BatchView
	if err := json.Unmarshal([]byte(toolText(t, result)), &v); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if v.Succeeded != 1 || v.Failed != 1 || v.State != "succeeded" {
		t.Errorf("view = %+v", v)
	}

	patch, ok := env.idr.patched("a")
	if !ok {
		t.Fatal("a was not patched")
	}
	if assignee, _ := patch["assignee"].(map[string]any); assignee["email"] != "ada@example.com" {
		t.Errorf("patch = %v", patch)
	}

	b, err := env.store.GetBatch(v.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if b.Source != "mcp" || b.State != storage.StateCompleted {
		t.Errorf("stored batch = %+v", b)
	}
}

func TestMCPTool_BulkUpdate_BackgroundThenStatus(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	req := makeCallToolRequest("bulk_update", map[string]interface{}{
		"ids":    []interface{}{"a", "b"},
		"status": "CLOSED",
	})
	result, _ := mcpBulkUpdate(deps)(context.Background(), req)
	text := toolText(t, result)
	if result.IsError || !strings.HasPrefix(text, "Started batch ") {
		t.Fatalf("result = %q", text)
	}
	id := strings.Fields(text)[2]
	waitBatch(t, env, id)

	result, _ = mcpBatchStatus(deps)(context.Background(), makeCallToolRequest("batch_status", map[string]interface{}{"id": id}))
	var v BatchView
	if err := json.Unmarshal([]byte(toolText(t, result)), &v); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if v.ID != id || v.Succeeded != 2 || len(v.Outcomes) != 2 {
		t.Errorf("status = %+v", v)
	}
}

func TestMCPTool_BulkUpdate_Invalid(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	for name, args := range map[string]map[string]interface{}{
		"no ids":       {"status": "CLOSED"},
		"no change":    {"ids": []interface{}{"a"}},
		"bad status":   {"ids": []interface{}{"a"}, "status": "DONE"},
		"bad assignee": {"ids": []interface{}{"a"}, "assignee": "ada"},
	} {
		result, err := mcpBulkUpdate(deps)(context.Background(), makeCallToolRequest("bulk_update", args))
		if err != nil {
			t.Fatalf("%s: handler error: %v", name, err)
		}
		if !result.IsError {
			t.Errorf("%s: expected tool error, got %q", name, toolText(t, result))
		}
	}
}

func TestMCPTool_BatchStatus_Unknown(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, _ := mcpBatchStatus(deps)(context.Background(), makeCallToolRequest("batch_status", map[string]interface{}{"id": "nope"}))
	if !result.IsError {
		t.Errorf("expected error, got %q", toolText(t, result))
	}
}

func TestMCPTool_Comments(t *testing.T) {
	deps, env := newTestMCPDeps(t)

	post := makeCallToolRequest("post_comment", map[string]interface{}{"id": "a", "text": "triaged"})
	result, _ := mcpPostComment(deps)(context.Background(), post)
	if result.IsError {
		t.Fatalf("post error: %s", toolText(t, result))
	}
	if got := env.idr.commentsOn("rrn:investigation:a"); len(got) != 1 || got[0] != "triaged" {
		t.Errorf("comments = %v", got)
	}

	result, _ = mcpListComments(deps)(context.Background(), makeCallToolRequest("list_comments", map[string]interface{}{"id": "a"}))
	var list []idr.Comment
	if err := json.Unmarshal([]byte(toolText(t, result)), &list); err != nil {
		t.Fatalf("decoding comments: %v", err)
	}
	if len(list) != 1 || list[0].Body != "triaged" {
		t.Errorf("list = %+v", list)
	}

	result, _ = mcpRecentComments(deps)(context.Background(), makeCallToolRequest("recent_comments", nil))
	var hist []config.CommentHistoryEntry
	if err := json.Unmarshal([]byte(toolText(t, result)), &hist); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(hist) != 1 || hist[0].Text != "triaged" {
		t.Errorf("history = %+v", hist)
	}
}

func TestMCPTool_PostComment_Failure(t *testing.T) {
	deps, _ := newTestMCPDeps(t, "gone")
	result, _ := mcpPostComment(deps)(context.Background(), makeCallToolRequest("post_comment", map[string]interface{}{"id": "gone", "text": "x"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "comment failed") {
		t.Errorf("result = %q", toolText(t, result))
	}

	result, _ = mcpPostComment(deps)(context.Background(), makeCallToolRequest("post_comment", map[string]interface{}{"id": "a"}))
	if !result.IsError {
		t.Error("missing text accepted")
	}
}

func TestMCPResource_Assignees(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	if err := env.cfg.AddAssignee(config.Assignee{Name: "Ada", Email: "ada@example.com"}); err != nil {
		t.Fatal(err)
	}
	contents, err := mcpResourceAssignees(deps)(context.Background(), makeReadResourceRequest("idrbulk://assignees"))
	if err != nil {
		t.Fatalf("resource error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	var reg []config.Assignee
	if err := json.Unmarshal([]byte(tc.Text), &reg); err != nil {
		t.Fatal(err)
	}
	if len(reg) != 1 || reg[0].Email != "ada@example.com" {
		t.Errorf("assignees = %+v", reg)
	}
}

func TestMCPResource_Batches(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	result, _ := mcpBulkUpdate(deps)(context.Background(), makeCallToolRequest("bulk_update", map[string]interface{}{
		"ids": []interface{}{"a"}, "status": "CLOSED",
	}))
	waitBatch(t, env, strings.Fields(toolText(t, result))[2])

	contents, err := mcpResourceBatches(deps)(context.Background(), makeReadResourceRequest("idrbulk://batches"))
	if err != nil {
		t.Fatalf("resource error: %v", err)
	}
	var views []BatchView
	if err := json.Unmarshal([]byte(contents[0].(mcp.TextResourceContents).Text), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].Outcomes != nil {
		t.Errorf("views = %+v", views)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	list := mcpListInvestigations(deps)
	post := mcpPostComment(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 10)
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if r, err := list(context.Background(), makeCallToolRequest("list_investigations", nil)); err != nil || r.IsError {
				errs <- "list failed"
			}
		}()
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("post_comment", map[string]interface{}{"id": "b", "text": "concurrent"})
			if r, err := post(context.Background(), req); err != nil || r.IsError {
				errs <- "post failed"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}
