package mcpserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"

	"citydata/internal/cache"
	"citydata/internal/pipeline"
)

const metadataURI = "citydata://metadata"

func (s *Server) registerResources() {
	// ── citydata://metadata ────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		metadataURI,
		"Stage metadata of the last run",
		mcp.WithMIMEType("text/csv"),
	), s.handleMetadataResource)
}

func (s *Server) handleMetadataResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	path := filepath.Join(s.cache.Dir(cache.Ephemeral), pipeline.MetadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      metadataURI,
			MIMEType: "text/csv",
			Text:     string(data),
		},
	}, nil
}
