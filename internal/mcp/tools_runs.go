package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

const defaultRunLimit = 20

func (s *Server) registerRunTools() {
	s.mcp.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List recent pipeline runs, newest first"),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 20)")),
	), s.handleListRuns)

	s.mcp.AddTool(mcp.NewTool("get_run",
		mcp.WithDescription("Get one pipeline run with its per-stage provenance"),
		mcp.WithString("runId", mcp.Description("Run ID"), mcp.Required()),
	), s.handleGetRun)

	s.mcp.AddTool(mcp.NewTool("list_stages",
		mcp.WithDescription("List the pipeline stages in execution order"),
	), s.handleListStages)

	if s.run == nil {
		return
	}
	s.mcp.AddTool(mcp.NewTool("run_pipeline",
		mcp.WithDescription("Run the full pipeline now. Overwrites the published output and writes new cache snapshots."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleRunPipeline)
}

func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultRunLimit)
	if limit <= 0 {
		limit = defaultRunLimit
	}
	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		return nil, err
	}
	return jsonResult(runs)
}

func (s *Server) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("runId", "")
	if id == "" {
		return nil, fmt.Errorf("runId is required")
	}
	run, err := s.runs.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run.Stages, err = s.runs.ListStages(id); err != nil {
		return nil, err
	}
	return jsonResult(run)
}

func (s *Server) handleListStages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.stages)
}

func (s *Server) handleRunPipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.log.Info("mcp: pipeline run requested")
	if err := s.run(ctx, "mcp"); err != nil {
		return nil, fmt.Errorf("run pipeline: %w", err)
	}
	runs, err := s.runs.ListRuns(1)
	if err != nil || len(runs) == 0 {
		return textResult("pipeline finished"), nil
	}
	return jsonResult(runs[0])
}
