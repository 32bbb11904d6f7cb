package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/samber/lo"

	"citydata/internal/cache"
	"citydata/internal/diff"
)

func (s *Server) registerCacheTools() {
	s.mcp.AddTool(mcp.NewTool("list_cache_entries",
		mcp.WithDescription("List snapshot files in a cache zone (temp, source_cache, pipeline_cache), sorted by table then date"),
		mcp.WithString("zone", mcp.Description("Cache zone"), mcp.Required()),
		mcp.WithString("table", mcp.Description("Only entries for this table (optional)")),
	), s.handleListCacheEntries)

	s.mcp.AddTool(mcp.NewTool("generate_diff",
		mcp.WithDescription("Compare the two most recent pipeline_cache snapshots of a table and report per-column change percentages"),
		mcp.WithString("table", mcp.Description("Table name, e.g. final_dataset"), mcp.Required()),
	), s.handleGenerateDiff)
}

type cacheEntryView struct {
	cache.Entry
	HumanSize string `json:"humanSize"`
}

func (s *Server) handleListCacheEntries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	zone, err := cache.ParseZone(req.GetString("zone", ""))
	if err != nil {
		return nil, err
	}
	table := req.GetString("table", "")

	entries, err := s.cache.List(zone)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", zone, err)
	}
	if table != "" {
		entries = lo.Filter(entries, func(e cache.Entry, _ int) bool { return e.Table == table })
	}
	views := lo.Map(entries, func(e cache.Entry, _ int) cacheEntryView {
		return cacheEntryView{Entry: e, HumanSize: humanize.Bytes(uint64(e.Size))}
	})
	return jsonResult(views)
}

func (s *Server) handleGenerateDiff(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table := req.GetString("table", "")
	if table == "" {
		return nil, fmt.Errorf("table is required")
	}
	report, err := s.diff.GenerateDiff(table)
	if errors.Is(err, diff.ErrInsufficientHistory) {
		return textResult(fmt.Sprintf("%s needs at least two snapshots before it can be diffed", table)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", table, err)
	}

	type diffView struct {
		*diff.Report
		Summary string `json:"summary"`
	}
	return jsonResult(diffView{Report: report, Summary: report.Summary()})
}
