package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"citydata/internal/cache"
	"citydata/internal/diff"
	"citydata/internal/logging"
	"citydata/internal/storage"
)

// Server exposes the pipeline's cache, diffs and run history to MCP clients.
type Server struct {
	mcp *server.MCPServer
	log *logrus.Entry

	cache  *cache.Manager
	diff   *diff.Reporter
	runs   *storage.RunStore
	stages []string
	run    func(ctx context.Context, trigger string) error
}

// Deps holds what the CLI layer wires into the server. Run may be nil, in
// which case the run_pipeline tool is not registered.
type Deps struct {
	Cache  *cache.Manager
	Diff   *diff.Reporter
	Runs   *storage.RunStore
	Stages []string
	Run    func(ctx context.Context, trigger string) error
	Logger *logging.Logger
}

// New creates and configures the MCP server with all tools and resources.
func New(deps Deps, version string) *Server {
	s := &Server{
		log:    deps.Logger.Category(logging.MCP),
		cache:  deps.Cache,
		diff:   deps.Diff,
		runs:   deps.Runs,
		stages: deps.Stages,
		run:    deps.Run,
	}

	s.mcp = server.NewMCPServer(
		"citydata-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
	)

	s.registerCacheTools()
	s.registerRunTools()
	s.registerResources()
	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	s.log.Info("mcp: starting stdio server")
	return server.ServeStdio(s.mcp)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}

func boolPtr(v bool) *bool { return &v }
