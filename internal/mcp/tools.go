package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"backfill/internal/batch"
	"backfill/internal/service"
	"backfill/internal/session"
	"backfill/internal/workflow"
)

// handleSubmit validates and stores a journey document.
func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def := mcp.ParseStringMap(req, "definition", nil)
	if def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	doc, err := s.backend.Submit(ctx, raw)
	if err != nil {
		return toolError("workflow rejected", err), nil
	}
	return marshalResult(map[string]any{
		"ok":            true,
		"workflow_name": doc.Name,
		"paths":         doc.PathIDs(),
	})
}

// handleTest runs one path in test mode.
func (s *Server) handleTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError("workflow_name is required"), nil
	}
	pathID, err := req.RequireString("path_id")
	if err != nil {
		return mcp.NewToolResultError("path_id is required"), nil
	}
	target, err := req.RequireString("target_url")
	if err != nil {
		return mcp.NewToolResultError("target_url is required"), nil
	}

	res, err := s.backend.TestPath(ctx, name, pathID, target)
	if err != nil {
		return toolError("test failed", err), nil
	}
	return marshalResult(res)
}

// handleValidate dry-runs every path of a workflow.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("workflow_name")
	if err != nil {
		return mcp.NewToolResultError("workflow_name is required"), nil
	}
	target, err := req.RequireString("target_url")
	if err != nil {
		return mcp.NewToolResultError("target_url is required"), nil
	}

	report, err := s.backend.ValidatePaths(ctx, name, target)
	if err != nil {
		return toolError("validation failed", err), nil
	}
	return marshalResult(report)
}

// handleStart starts a backfill job.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var br service.BackfillRequest
	var err error
	if br.Workflow, err = req.RequireString("workflow_name"); err != nil {
		return mcp.NewToolResultError("workflow_name is required"), nil
	}
	if br.TargetURL, err = req.RequireString("target_url"); err != nil {
		return mcp.NewToolResultError("target_url is required"), nil
	}
	if br.StartDate, err = req.RequireString("start_date"); err != nil {
		return mcp.NewToolResultError("start_date is required"), nil
	}

	args := req.GetArguments()
	daySpan, ok := number(args, "day_span")
	if !ok {
		return mcp.NewToolResultError("day_span is required"), nil
	}
	users, ok := number(args, "total_users")
	if !ok {
		return mcp.NewToolResultError("total_users is required"), nil
	}
	br.DaySpan = int(daySpan)
	br.TotalUsers = int(users)
	if v, ok := number(args, "concurrency_limit"); ok {
		br.Concurrency = int(v)
	}
	if v, ok := number(args, "seed"); ok {
		br.Seed = int64(v)
	}
	if v, ok := number(args, "rate"); ok {
		br.Rate = v
	}
	if m := req.GetString("mode", ""); m != "" {
		mode, err := session.ParseMode(m)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		br.Mode = mode
	}

	job, err := s.backend.StartBackfill(ctx, br)
	if err != nil {
		return toolError("backfill rejected", err), nil
	}
	s.logger.InfoContext(ctx, "backfill started via mcp", "batch_id", job.ID, "workflow", br.Workflow)
	return marshalResult(job.Status())
}

// handleStatus reports a job's state and outcome so far.
func (s *Server) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("batch_id")
	if err != nil {
		return mcp.NewToolResultError("batch_id is required"), nil
	}
	job, err := s.backend.Job(id)
	if err != nil {
		return toolError("status query failed", err), nil
	}

	st := job.Status()
	if results, _ := req.GetArguments()["results"].(bool); !results && st.Outcome != nil {
		trimmed := *st.Outcome
		trimmed.Results = nil
		st.Outcome = &trimmed
	}
	return marshalResult(st)
}

// handleCancel stops dispatch for a job.
func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("batch_id")
	if err != nil {
		return mcp.NewToolResultError("batch_id is required"), nil
	}
	job, err := s.backend.CancelJob(id)
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "batch_id": job.ID})
}

// toolError renders err for the calling agent. Validation failures name the
// offending field so the agent can correct the document.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var verr *workflow.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: field %s: %s", prefix, verr.Field, verr.Message))
	}
	var envErr *batch.EnvironmentError
	if errors.As(err, &envErr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: automation environment unavailable: %v", prefix, envErr.Err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// number reads a JSON number argument.
func number(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
