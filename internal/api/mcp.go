package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recallkb/recall/internal/kb"
	"github.com/recallkb/recall/internal/metrics"
)

// NewMCPServer exposes the registry as MCP tools so coding agents can
// store and recall knowledge without going through HTTP.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"recall",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("recall — local knowledge registry for facts, procedures, heuristics, constraints and learned patterns."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Store a knowledge entry for later retrieval. Re-adding the same title and body merges instead of duplicating."),
			mcp.WithString("kind", mcp.Description("Entry kind: fact, procedure, heuristic, constraint or pattern"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Short title")),
			mcp.WithString("body", mcp.Description("Entry body text")),
			mcp.WithArray("tags", mcp.Description("Optional tags for categorization")),
			mcp.WithNumber("confidence", mcp.Description("Confidence in [0,1] (default 0.8)")),
		),
		mcpRemember(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search the knowledge registry. Uses embedding similarity when available, keyword matching otherwise."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("kind", mcp.Description("Restrict results to one kind")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("related",
			mcp.WithDescription("Find entries related to a given entry, by embedding similarity or shared tags."),
			mcp.WithString("id", mcp.Description("Entry id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRelated(deps),
	)

	s.AddTool(
		mcp.NewTool("forget",
			mcp.WithDescription("Remove a knowledge entry by id."),
			mcp.WithString("id", mcp.Description("Entry id"), mcp.Required()),
		),
		mcpForget(deps),
	)

	s.AddTool(
		mcp.NewTool("observe_pattern",
			mcp.WithDescription("Record an observed trigger/action pattern. Repeated observations raise the pattern's confidence."),
			mcp.WithArray("triggers", mcp.Description("Conditions that held when the actions worked"), mcp.Required()),
			mcp.WithArray("actions", mcp.Description("Actions taken"), mcp.Required()),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
		),
		mcpObservePattern(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"kb://tags",
			"Knowledge Tags",
			mcp.WithResourceDescription("All tags in the registry with entry counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTags(deps),
	)

	return s
}

func mcpRemember(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kindParam, err := req.RequireString("kind")
		if err != nil {
			return mcpError("kind is required"), nil
		}
		kind, err := kb.ParseKind(kindParam)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		e := &kb.Entry{
			Kind:       kind,
			Title:      req.GetString("title", ""),
			Body:       req.GetString("body", ""),
			Tags:       req.GetStringSlice("tags", nil),
			Confidence: req.GetFloat("confidence", 0.8),
			Meta:       kb.Meta{Version: 1, Source: "mcp"},
		}

		if err := deps.Store.Add(ctx, e); err != nil {
			return mcpError(fmt.Sprintf("failed to store entry: %v", err)), nil
		}

		metrics.EntriesAdded.WithLabelValues(string(kind)).Inc()
		return mcpText(fmt.Sprintf("Stored entry %s", e.ID)), nil
	}
}

func mcpRecall(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		var kindFilter kb.Kind
		if kindParam := req.GetString("kind", ""); kindParam != "" {
			kind, err := kb.ParseKind(kindParam)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			kindFilter = kind
		}

		results, err := deps.Store.Search(ctx, query, limit, kindFilter)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		metrics.Searches.WithLabelValues(results[0].Strategy).Inc()

		out := make([]SearchResponse, len(results))
		for i, res := range results {
			out[i] = SearchResponse{Entry: toWire(res.Entry), Score: res.Score, Strategy: res.Strategy}
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRelated(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}

		entries, err := deps.Store.Related(id, limit)
		if errors.Is(err, kb.ErrNotFound) {
			return mcpError(fmt.Sprintf("entry %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("related lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(toWireList(entries))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpForget(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		ok, err := deps.Store.Remove(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to remove entry: %v", err)), nil
		}
		if !ok {
			return mcpError(fmt.Sprintf("entry %s not found", id)), nil
		}
		metrics.EntriesRemoved.WithLabelValues("remove").Inc()
		return mcpText(fmt.Sprintf("Removed entry %s", id)), nil
	}
}

func mcpObservePattern(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		triggers := req.GetStringSlice("triggers", nil)
		if len(triggers) == 0 {
			return mcpError("triggers is required"), nil
		}
		actions := req.GetStringSlice("actions", nil)
		if len(actions) == 0 {
			return mcpError("actions is required"), nil
		}
		tags := req.GetStringSlice("tags", nil)

		e, err := deps.Patterns.Observe(ctx, triggers, actions, tags)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record pattern: %v", err)), nil
		}
		metrics.EntriesAdded.WithLabelValues(string(kb.KindPattern)).Inc()

		b, err := json.Marshal(toWire(e))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal pattern: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceTags(deps Deps) server.ResourceHandlerFunc {
	return func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Store.Tags())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tags: %w", err)
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
