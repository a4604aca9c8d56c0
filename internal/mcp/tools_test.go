package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backfill/internal/core"
	"backfill/internal/driver"
	"backfill/internal/driver/drivertest"
	"backfill/internal/service"
	"backfill/internal/store"
	"backfill/internal/workflow"
)

var buyButton = workflow.Selector{By: workflow.ByAttribute, Name: "data-testid", Value: "buy"}

func checkoutDefinition() map[string]any {
	return map[string]any{
		"workflow_name": "checkout",
		"paths": []any{
			map[string]any{
				"path_id":    "buy",
				"percentage": 60,
				"steps": []any{
					map[string]any{"action": "navigate", "value": "/shop"},
					map[string]any{"action": "click", "selector": []any{
						map[string]any{"by": "attribute", "name": "data-testid", "value": "buy"},
					}},
				},
			},
			map[string]any{
				"path_id":    "browse",
				"percentage": 40,
				"steps": []any{
					map[string]any{"action": "navigate", "value": "/catalog"},
				},
			},
		},
	}
}

func newTestServer(t *testing.T, build func(string, driver.SessionInfo) (*drivertest.Fake, error)) *Server {
	t.Helper()
	if build == nil {
		build = func(string, driver.SessionInfo) (*drivertest.Fake, error) {
			return drivertest.New(buyButton), nil
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(store.NewMemoryStore(), &drivertest.Launcher{Build: build},
		service.WithClock(core.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))),
		service.WithLogger(logger),
		service.WithDefaults(service.Defaults{Concurrency: 2, GracePeriod: time.Second}))
	t.Cleanup(func() { _ = svc.Close() })
	return NewServer(svc, "test", logger)
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func submit(t *testing.T, s *Server) {
	t.Helper()
	result, err := s.handleSubmit(context.Background(), buildRequest("workflow_submit", map[string]any{
		"definition": checkoutDefinition(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
}

func TestSubmitTool(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleSubmit(context.Background(), buildRequest("workflow_submit", map[string]any{
		"definition": checkoutDefinition(),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		OK    bool     `json:"ok"`
		Name  string   `json:"workflow_name"`
		Paths []string `json:"paths"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	assert.True(t, out.OK)
	assert.Equal(t, "checkout", out.Name)
	assert.Equal(t, []string{"buy", "browse"}, out.Paths)
}

func TestSubmitToolRejectsDocument(t *testing.T) {
	s := newTestServer(t, nil)
	def := checkoutDefinition()
	def["paths"].([]any)[1].(map[string]any)["percentage"] = 10

	result, err := s.handleSubmit(context.Background(), buildRequest("workflow_submit", map[string]any{
		"definition": def,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "field paths")
}

func TestSubmitToolMissingDefinition(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleSubmit(context.Background(), buildRequest("workflow_submit", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTestTool(t *testing.T) {
	s := newTestServer(t, func(string, driver.SessionInfo) (*drivertest.Fake, error) {
		return drivertest.New(), nil
	})
	submit(t, s)

	result, err := s.handleTest(context.Background(), buildRequest("workflow_test", map[string]any{
		"workflow_name": "checkout",
		"path_id":       "buy",
		"target_url":    "https://shop.test",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var res struct {
		Status     string `json:"status"`
		FirstError struct {
			Kind string `json:"kind"`
		} `json:"first_error"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &res))
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, "selector_not_found", res.FirstError.Kind)
}

func TestTestToolMissingParams(t *testing.T) {
	s := newTestServer(t, nil)

	for _, args := range []map[string]any{
		{"path_id": "buy", "target_url": "https://shop.test"},
		{"workflow_name": "checkout", "target_url": "https://shop.test"},
		{"workflow_name": "checkout", "path_id": "buy"},
	} {
		result, err := s.handleTest(context.Background(), buildRequest("workflow_test", args))
		require.NoError(t, err)
		assert.True(t, result.IsError, "args %v", args)
	}
}

func TestValidateTool(t *testing.T) {
	s := newTestServer(t, nil)
	submit(t, s)

	result, err := s.handleValidate(context.Background(), buildRequest("workflow_validate", map[string]any{
		"workflow_name": "checkout",
		"target_url":    "https://shop.test",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var report service.PathsReport
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &report))
	assert.Equal(t, 2, report.Summary.Passed)
}

func TestStartAndStatusTools(t *testing.T) {
	s := newTestServer(t, nil)
	submit(t, s)

	result, err := s.handleStart(context.Background(), buildRequest("backfill_start", map[string]any{
		"workflow_name": "checkout",
		"target_url":    "https://shop.test",
		"start_date":    "2024-05-01",
		"day_span":      float64(2),
		"total_users":   float64(5),
		"seed":          float64(42),
		"mode":          "full",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var st service.Status
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &st))
	require.NotEmpty(t, st.ID)

	deadline := time.Now().Add(5 * time.Second)
	for st.State == service.JobRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		result, err = s.handleStatus(context.Background(), buildRequest("backfill_status", map[string]any{
			"batch_id": st.ID,
			"results":  true,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &st))
	}
	assert.Equal(t, service.JobFinished, st.State)
	require.NotNil(t, st.Outcome)
	assert.Equal(t, 5, st.Outcome.Completed)
	assert.Equal(t, int64(42), st.Outcome.Seed)
}

func TestStartToolBadRequest(t *testing.T) {
	s := newTestServer(t, nil)
	submit(t, s)

	result, err := s.handleStart(context.Background(), buildRequest("backfill_start", map[string]any{
		"workflow_name": "checkout",
		"target_url":    "https://shop.test",
		"start_date":    "2024-05-01",
		"total_users":   float64(5),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "day_span is required")

	result, err = s.handleStart(context.Background(), buildRequest("backfill_start", map[string]any{
		"workflow_name": "checkout",
		"target_url":    "https://shop.test",
		"start_date":    "2024-05-01",
		"day_span":      float64(2),
		"total_users":   float64(5),
		"mode":          "sideways",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolNotFound(t *testing.T) {
	s := newTestServer(t, nil)

	result, err := s.handleStatus(context.Background(), buildRequest("backfill_status", map[string]any{
		"batch_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleCancel(context.Background(), buildRequest("backfill_cancel", map[string]any{
		"batch_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestToolsRegistered(t *testing.T) {
	s := newTestServer(t, nil)

	names := make([]string, 0)
	for _, tool := range s.tools() {
		names = append(names, tool.Tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"workflow_submit", "workflow_test", "workflow_validate",
		"backfill_start", "backfill_status", "backfill_cancel",
	}, names)
	assert.NotNil(t, s.MCPServer())
}
