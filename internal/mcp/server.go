// Package mcp exposes the pipeline as MCP tools over stdio or SSE.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
)

// Pipeline reads run results
type Pipeline interface {
	Digest(ctx context.Context, runID string, topN int) (*models.Digest, error)
	Status(ctx context.Context) (*models.RunReport, error)
	PendingUpserts() []string
}

// Asker answers questions over indexed content
type Asker interface {
	Ask(ctx context.Context, conversationID, question string) (*models.Answer, error)
}

// Store loads and deletes items
type Store interface {
	LoadItem(ctx context.Context, id string) (*models.ContentItem, error)
	DeleteItem(ctx context.Context, id string) error
}

// Embedder embeds search queries
type Embedder interface {
	EmbedOne(ctx context.Context, text string) (models.Embedding, error)
}

// Searcher ranks indexed items against a query vector
type Searcher interface {
	Query(ctx context.Context, vector []float32, k int, filter models.Filter) ([]models.SearchHit, error)
}

// Deps are the collaborators behind the tools
type Deps struct {
	Pipeline Pipeline
	RAG      Asker
	Store    Store
	Embedder Embedder
	Index    Searcher
}

// Server implements the MCP server
type Server struct {
	deps      Deps
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP server
func NewServer(deps Deps, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger}

	s.mcpServer = server.NewMCPServer(
		"NeuralFeed",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "ask",
		Description: "Answer a question from ingested articles, podcasts and videos, with numbered citations. Time phrases like 'this week' or 'last 3 days' and content words like 'podcasts' narrow the search.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"question": map[string]interface{}{
					"type":        "string",
					"description": "The question in natural language",
				},
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Reuse to keep follow-up context. Omit to start a new conversation.",
				},
			},
			Required: []string{"question"},
		},
	}, s.handleAsk)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "search",
		Description: "Semantic search over indexed items. Only 'query' is needed for most searches.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Text to search for",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of hits (default: 10)",
				},
				"after": map[string]interface{}{
					"type":        "string",
					"description": "Only items published at or after this time (ISO 8601). Optional.",
				},
				"before": map[string]interface{}{
					"type":        "string",
					"description": "Only items published before this time (ISO 8601). Optional.",
				},
				"types": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "string",
						"enum": []string{"article", "podcast", "video"},
					},
					"description": "Only these content types. Optional.",
				},
			},
			Required: []string{"query"},
		},
	}, s.handleSearch)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_item",
		Description: "Fetch one ingested item with its score, cluster and duplicate link",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"id": map[string]interface{}{
					"type":        "string",
					"description": "Item ID",
				},
			},
			Required: []string{"id"},
		},
	}, s.handleGetItem)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "delete_item",
		Description: "Delete an item and remove it from search",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"id": map[string]interface{}{
					"type":        "string",
					"description": "Item ID",
				},
			},
			Required: []string{"id"},
		},
	}, s.handleDeleteItem)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "digest",
		Description: "Top items of an ingestion run grouped by topic cluster. Omit run_id for the latest run.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"run_id": map[string]interface{}{
					"type":        "string",
					"description": "Run ID. Optional.",
				},
				"top": map[string]interface{}{
					"type":        "integer",
					"description": "Number of items (default: 20)",
				},
			},
			Required: []string{},
		},
	}, s.handleDigest)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_status",
		Description: "Latest run report and items still waiting to be indexed",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
			Required:   []string{},
		},
	}, s.handleGetStatus)
}

// parseParams converts MCP request arguments to a struct
func parseParams(args interface{}, target interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Question       string `json:"question"`
		ConversationID string `json:"conversation_id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	answer, err := s.deps.RAG.Ask(ctx, params.ConversationID, params.Question)
	if err != nil {
		s.logger.Warn("ask tool failed", "conversation_id", answer.ConversationID, "error", err)
		return mcp.NewToolResultError(answer.Text), nil
	}
	return jsonResult(answer)
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		Query      string   `json:"query"`
		MaxResults int      `json:"max_results"`
		After      string   `json:"after"`
		Before     string   `json:"before"`
		Types      []string `json:"types"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if params.MaxResults <= 0 {
		params.MaxResults = 10
	}

	var filter models.Filter
	if params.After != "" {
		t, err := time.Parse(time.RFC3339, params.After)
		if err != nil {
			return mcp.NewToolResultError("invalid after, use ISO 8601"), nil
		}
		filter.After = &t
	}
	if params.Before != "" {
		t, err := time.Parse(time.RFC3339, params.Before)
		if err != nil {
			return mcp.NewToolResultError("invalid before, use ISO 8601"), nil
		}
		filter.Before = &t
	}
	for _, raw := range params.Types {
		t, err := models.ParseContentType(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.ContentTypes = append(filter.ContentTypes, t)
	}

	emb, err := s.deps.Embedder.EmbedOne(ctx, params.Query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	filter.ModelTag = emb.ModelTag

	hits, err := s.deps.Index.Query(ctx, emb.Vector, params.MaxResults, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}
	return jsonResult(hits)
}

func (s *Server) handleGetItem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	item, err := s.deps.Store.LoadItem(ctx, params.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get item: %v", err)), nil
	}
	return jsonResult(item)
}

func (s *Server) handleDeleteItem(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	if err := s.deps.Store.DeleteItem(ctx, params.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete item: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"success": true,
		"id":      params.ID,
	})
}

func (s *Server) handleDigest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params struct {
		RunID string `json:"run_id"`
		Top   int    `json:"top"`
	}
	if err := parseParams(request.Params.Arguments, &params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if params.Top <= 0 {
		params.Top = 20
	}

	if params.RunID == "" {
		latest, err := s.deps.Pipeline.Status(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("no run to digest: %v", err)), nil
		}
		params.RunID = latest.ID
	}

	digest, err := s.deps.Pipeline.Digest(ctx, params.RunID, params.Top)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build digest: %v", err)), nil
	}
	return jsonResult(digest)
}

func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := map[string]interface{}{
		"status":          "healthy",
		"pending_upserts": s.deps.Pipeline.PendingUpserts(),
	}
	if latest, err := s.deps.Pipeline.Status(ctx); err == nil {
		status["latest_run"] = latest
	}
	return jsonResult(status)
}

// Serve starts the MCP server with stdio transport
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for use with other transports (e.g., SSE)
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
