// Package mcp exposes a project daemon to AI agents over the Model Context
// Protocol. The server runs inside the daemon, on connections upgraded with
// the mcp command; mcp-serve bridges an agent's stdio to such a connection.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alpkeskin/gotoon"
	charmlog "github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yoanbernabeu/grepaid/daemon"
	"github.com/yoanbernabeu/grepaid/internal/logging"
	"github.com/yoanbernabeu/grepaid/ipc"
	"github.com/yoanbernabeu/grepaid/search"
)

// Backend is what the tools run against. *daemon.Host implements it.
type Backend interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	Status(ctx context.Context) (*daemon.StatusReport, error)
	Reindex(ctx context.Context, args daemon.IndexArgs) (*daemon.IndexResult, error)
}

// Server wraps the MCP server with grepaid functionality.
type Server struct {
	mcpServer *server.MCPServer
	backend   Backend
	log       *charmlog.Logger
}

// SearchResult is a lightweight struct for MCP output.
type SearchResult struct {
	FilePath   string   `json:"file_path"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line,omitempty"`
	Kind       string   `json:"kind"`
	Score      *float32 `json:"score,omitempty"`
	Content    string   `json:"content"`
	SymbolName string   `json:"symbol_name,omitempty"`
}

// SearchResultCompact is a minimal struct for compact output (no content field).
type SearchResultCompact struct {
	FilePath   string   `json:"file_path"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line,omitempty"`
	Kind       string   `json:"kind"`
	Score      *float32 `json:"score,omitempty"`
	SymbolName string   `json:"symbol_name,omitempty"`
}

// SearchOutput is the grepai_search result: the executed mode and its hits.
type SearchOutput struct {
	Mode       search.Mode   `json:"mode"`
	Candidates []search.Mode `json:"candidates"`
	Results    any           `json:"results"`
}

// IndexStatus represents the current state of the index.
type IndexStatus struct {
	ProjectID    string            `json:"project_id"`
	Root         string            `json:"root"`
	Indexed      bool              `json:"indexed"`
	Indexing     bool              `json:"indexing"`
	NeedsRebuild bool              `json:"needs_rebuild,omitempty"`
	TotalFiles   int               `json:"total_files"`
	TotalVectors int               `json:"total_vectors"`
	TotalSymbols int               `json:"total_symbols"`
	LastUpdated  string            `json:"last_updated,omitempty"`
	Embedder     string            `json:"embedder"`
	Watcher      string            `json:"watcher"`
	Modes        map[string]string `json:"modes"`
}

// encodeOutput encodes data in the specified format (json or toon).
func encodeOutput(data any, format string) (string, error) {
	switch format {
	case "toon":
		return gotoon.Encode(data)
	default: // "json"
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}

// NewServer creates an MCP server answering from backend.
func NewServer(backend Backend, version string, logger *charmlog.Logger) *Server {
	s := &Server{
		backend: backend,
		log:     logging.OrDiscard(logger),
	}
	s.mcpServer = server.NewMCPServer(
		"grepaid",
		version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

// StreamHandler returns the daemon's mcp upgrade handler: every upgraded
// connection gets its own MCP session served from h.
func StreamHandler(version string, logger *charmlog.Logger) func(h *daemon.Host) ipc.StreamFunc {
	return func(h *daemon.Host) ipc.StreamFunc {
		s := NewServer(h, version, logger)
		return s.ServeStream
	}
}

// ServeStream runs an MCP session over r and w until r is exhausted or ctx
// is done.
func (s *Server) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(s.log.StandardLog(charmlog.StandardLogOptions{ForceLevel: charmlog.ErrorLevel}))
	s.log.Debug("mcp session started")
	defer s.log.Debug("mcp session ended")
	return stdio.Listen(ctx, r, w)
}

func (s *Server) registerTools() {
	// grepai_search tool
	searchTool := mcp.NewTool("grepai_search",
		mcp.WithDescription("Code search. Routes the query to semantic, symbol or pattern search, or uses the requested mode. Returns matching locations with file paths, line numbers and, for semantic search, similarity scores."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query: natural language ('user authentication flow'), a declaration ('func Authenticate') or a regular expression"),
		),
		mcp.WithString("mode",
			mcp.Description("Search mode: 'auto' (default), 'semantic', 'symbol' or 'pattern'. An explicit mode that is unavailable fails instead of falling back."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return (default: 10)"),
		),
		mcp.WithString("path",
			mcp.Description("Comma-separated path prefixes to restrict results to (optional)"),
		),
		mcp.WithString("type",
			mcp.Description("Comma-separated file extensions to restrict results to, e.g. 'go,py' (optional)"),
		),
		mcp.WithBoolean("compact",
			mcp.Description("Return minimal output without content (default: false)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(searchTool, s.handleSearch)

	// grepai_index_status tool
	indexStatusTool := mcp.NewTool("grepai_index_status",
		mcp.WithDescription("Check the health and status of the grepaid index. Returns statistics about indexed files, vectors and symbols, and which search modes are available."),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(indexStatusTool, s.handleIndexStatus)

	// grepai_reindex tool
	reindexTool := mcp.NewTool("grepai_reindex",
		mcp.WithDescription("Bring the index up to date with the project files. Normally unnecessary: the daemon watches for changes."),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the build to finish and return its summary (default: true)"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Discard the index and rebuild it from scratch (default: false)"),
		),
	)
	s.mcpServer.AddTool(reindexTool, s.handleReindex)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// handleSearch handles the grepai_search tool call.
func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	limit := request.GetInt("limit", 10)
	if limit <= 0 {
		limit = 10
	}
	compact := request.GetBool("compact", false)
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}
	mode, err := search.ParseMode(request.GetString("mode", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.backend.Search(ctx, search.Request{
		Query: query,
		Mode:  mode,
		Limit: limit,
		Filters: search.Filters{
			Paths:     splitList(request.GetString("path", "")),
			FileTypes: splitList(request.GetString("type", "")),
		},
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	out := SearchOutput{Mode: resp.Mode, Candidates: resp.Candidates}
	if compact {
		results := make([]SearchResultCompact, len(resp.Results))
		for i, r := range resp.Results {
			results[i] = SearchResultCompact{
				FilePath:   r.File,
				StartLine:  r.Line,
				EndLine:    r.EndLine,
				Kind:       r.Kind,
				Score:      r.Score,
				SymbolName: r.Symbol,
			}
		}
		out.Results = results
	} else {
		results := make([]SearchResult, len(resp.Results))
		for i, r := range resp.Results {
			results[i] = SearchResult{
				FilePath:   r.File,
				StartLine:  r.Line,
				EndLine:    r.EndLine,
				Kind:       r.Kind,
				Score:      r.Score,
				Content:    r.Snippet,
				SymbolName: r.Symbol,
			}
		}
		out.Results = results
	}

	output, err := encodeOutput(out, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleIndexStatus handles the grepai_index_status tool call.
func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	st, err := s.backend.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get status: %v", err)), nil
	}

	status := IndexStatus{
		ProjectID:    st.ProjectID,
		Root:         st.Root,
		Indexed:      st.Indexed,
		Indexing:     st.Indexing,
		NeedsRebuild: st.NeedsRebuild,
		TotalFiles:   st.Stats.Files,
		TotalVectors: st.Stats.Vectors,
		TotalSymbols: st.Stats.Symbols,
		Embedder:     st.Embedder,
		Watcher:      st.Watcher,
		Modes:        make(map[string]string, len(st.Modes)),
	}
	if st.LastRun != nil {
		status.LastUpdated = st.LastRun.FinishedAt.Format("2006-01-02 15:04:05")
	}
	if st.LastFlush != nil && (status.LastUpdated == "" || st.LastFlush.At.After(st.LastRun.FinishedAt)) {
		status.LastUpdated = st.LastFlush.At.Format("2006-01-02 15:04:05")
	}
	for m, v := range st.Modes {
		status.Modes[string(m)] = v
	}

	output, err := encodeOutput(status, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// handleReindex handles the grepai_reindex tool call.
func (s *Server) handleReindex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := daemon.IndexArgs{
		Wait:  request.GetBool("wait", true),
		Force: request.GetBool("force", false),
	}
	res, err := s.backend.Reindex(ctx, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("index failed: %v", err)), nil
	}
	if res.Summary == nil {
		return mcp.NewToolResultText("index build started in the background"), nil
	}
	sum := res.Summary
	return mcp.NewToolResultText(fmt.Sprintf("index up to date: %d added, %d modified, %d removed, %d unchanged in %s",
		sum.Added, sum.Modified, sum.Removed, sum.Unchanged, sum.Duration.Round(time.Millisecond))), nil
}
