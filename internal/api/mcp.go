package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/comments"
	"github.com/kalambet/idrbulk/internal/config"
	"github.com/kalambet/idrbulk/internal/idr"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Config         *config.Store
	Investigations Investigations
	Comments       *comments.Manager
	Batches        *Batches
	Version        string
}

// NewMCPServer creates an MCP server with all idrbulk tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"idrbulk",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("idrbulk: list InsightIDR investigations and apply status, disposition, assignee and comment changes to many of them at once."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_investigations",
			mcp.WithDescription("List open investigations, newest first unless sort is oldest."),
			mcp.WithString("statuses", mcp.Description("Comma-separated statuses (default OPEN,INVESTIGATING,WAITING)")),
			mcp.WithString("assignee", mcp.Description("all (default), unassigned, or an assignee email")),
			mcp.WithString("sort", mcp.Description("Creation-time order"), mcp.Enum("newest", "oldest")),
			mcp.WithString("start", mcp.Description("Only investigations created after this time (RFC 3339 or YYYY-MM-DD)")),
			mcp.WithString("end", mcp.Description("Only investigations created before this time (RFC 3339 or YYYY-MM-DD)")),
		),
		mcpListInvestigations(deps),
	)

	s.AddTool(
		mcp.NewTool("bulk_update",
			mcp.WithDescription("Apply one change to many investigations. Runs in the background unless wait is true; poll with batch_status."),
			mcp.WithArray("ids", mcp.Description("Investigation IDs or RRNs"), mcp.Required()),
			mcp.WithString("status", mcp.Description("New status: "+strings.Join(idr.Statuses, ", "))),
			mcp.WithString("disposition", mcp.Description("New disposition: "+strings.Join(idr.Dispositions, ", "))),
			mcp.WithString("assignee", mcp.Description("Assignee email")),
			mcp.WithString("comment", mcp.Description("Comment to post on each investigation")),
			mcp.WithBoolean("wait", mcp.Description("Block until every item has an outcome")),
		),
		mcpBulkUpdate(deps),
	)

	s.AddTool(
		mcp.NewTool("batch_status",
			mcp.WithDescription("Report progress and outcomes of a batch started by bulk_update."),
			mcp.WithString("id", mcp.Description("Batch ID"), mcp.Required()),
		),
		mcpBatchStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_comments",
			mcp.WithDescription("List the comments on one investigation."),
			mcp.WithString("id", mcp.Description("Investigation ID or RRN"), mcp.Required()),
		),
		mcpListComments(deps),
	)

	s.AddTool(
		mcp.NewTool("post_comment",
			mcp.WithDescription("Post a comment on one investigation."),
			mcp.WithString("id", mcp.Description("Investigation ID or RRN"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Comment text"), mcp.Required()),
		),
		mcpPostComment(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_comments",
			mcp.WithDescription("Return recently used comment texts, most recent first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 10)")),
		),
		mcpRecentComments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"idrbulk://assignees",
			"Assignees",
			mcp.WithResourceDescription("Registered assignees as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceAssignees(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"idrbulk://batches",
			"Recent Batches",
			mcp.WithResourceDescription("Batches started by this process, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBatches(deps),
	)

	return s
}

func mcpListInvestigations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var f idr.ListFilter
		if s := req.GetString("statuses", ""); s != "" {
			for _, st := range strings.Split(s, ",") {
				st = strings.ToUpper(strings.TrimSpace(st))
				if !idr.ValidStatus(st) {
					return mcpError(fmt.Sprintf("unknown status %q", st)), nil
				}
				f.Statuses = append(f.Statuses, st)
			}
		}
		var err error
		if f.Assignee, err = idr.ParseAssigneeFilter(req.GetString("assignee", "")); err != nil {
			return mcpError(err.Error()), nil
		}
		if f.Order, err = idr.ParseOrder(req.GetString("sort", "")); err != nil {
			return mcpError(err.Error()), nil
		}
		if f.StartTime, err = parseMCPTime(req.GetString("start", "")); err != nil {
			return mcpError(fmt.Sprintf("start: %v", err)), nil
		}
		if f.EndTime, err = parseMCPTime(req.GetString("end", "")); err != nil {
			return mcpError(fmt.Sprintf("end: %v", err)), nil
		}

		list, err := deps.Investigations.ListOpen(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}
		return mcpJSON(list)
	}
}

func parseMCPTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func mcpBulkUpdate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids := req.GetStringSlice("ids", nil)
		if len(ids) == 0 {
			return mcpError("ids is required"), nil
		}
		reqs, err := bulk.NewBatch(ids, bulk.Change{
			Status:      req.GetString("status", ""),
			Disposition: req.GetString("disposition", ""),
			Assignee:    req.GetString("assignee", ""),
			Comment:     req.GetString("comment", ""),
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}

		t, err := deps.Batches.Start(ctx, "mcp", reqs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start batch: %v", err)), nil
		}
		if !req.GetBool("wait", false) {
			return mcpText(fmt.Sprintf("Started batch %s with %d investigations", t.ID(), len(reqs))), nil
		}

		rep, err := t.Wait(ctx)
		if err != nil && len(rep.Outcomes) == 0 {
			return mcpError(fmt.Sprintf("batch %s: %v", t.ID(), err)), nil
		}
		return mcpJSON(taskView(t))
	}
}

func mcpBatchStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if t, ok := deps.Batches.Task(id); ok {
			return mcpJSON(taskView(t))
		}
		audit := deps.Batches.Audit()
		if audit == nil {
			return mcpError(fmt.Sprintf("batch %s not found", id)), nil
		}
		b, err := audit.GetBatch(id)
		if err != nil {
			return mcpError(fmt.Sprintf("batch %s: %v", id, err)), nil
		}
		return mcpJSON(storedView(b))
	}
}

func mcpListComments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		list, err := deps.Comments.ListComments(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("list comments failed: %v", err)), nil
		}
		if list == nil {
			list = []idr.Comment{}
		}
		return mcpJSON(list)
	}
}

func mcpPostComment(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		out := deps.Comments.PostComment(ctx, id, text)
		if out.Status != bulk.Succeeded {
			return mcpError(fmt.Sprintf("%s: %s", out.ID, out.Reason())), nil
		}
		return mcpText(fmt.Sprintf("Comment posted on %s", out.ID)), nil
	}
}

func mcpRecentComments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		entries, err := deps.Comments.RecentComments(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("comment history failed: %v", err)), nil
		}
		if entries == nil {
			entries = []config.CommentHistoryEntry{}
		}
		return mcpJSON(entries)
	}
}

func mcpResourceAssignees(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		reg, err := deps.Config.Assignees()
		if err != nil {
			return nil, fmt.Errorf("failed to load assignees: %w", err)
		}
		b, err := json.Marshal(reg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal assignees: %w", err)
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

func mcpResourceBatches(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		tasks := deps.Batches.Tasks()
		views := make([]BatchView, 0, len(tasks))
		for i := len(tasks) - 1; i >= 0; i-- {
			v := taskView(tasks[i])
			v.Outcomes = nil
			views = append(views, v)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal batches: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
