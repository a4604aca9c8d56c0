package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"backfill/internal/service"
	"backfill/internal/store"
)

// maxDocumentBytes bounds workflow uploads.
const maxDocumentBytes = 4 << 20

// Health reports liveness.
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type workflowSummary struct {
	Name      string    `json:"workflow_name"`
	Paths     []string  `json:"paths,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// PutWorkflow validates and stores a workflow document.
// (PUT /workflows)
func (s *Server) PutWorkflow(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDocumentBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body: "+err.Error())
	}
	if len(raw) > maxDocumentBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "workflow document too large")
	}

	doc, err := s.backend.Submit(c.Request().Context(), raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workflowSummary{Name: doc.Name, Paths: doc.PathIDs()})
}

// ListWorkflows returns every stored workflow name.
// (GET /workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	recs, err := s.backend.Workflows(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]workflowSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, summarize(r))
	}
	return c.JSON(http.StatusOK, out)
}

func summarize(r store.Record) workflowSummary {
	return workflowSummary{Name: r.Name, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

// GetWorkflow returns a stored document.
// (GET /workflows/:name)
func (s *Server) GetWorkflow(c echo.Context) error {
	doc, err := s.backend.Workflow(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

// DeleteWorkflow removes a stored document.
// (DELETE /workflows/:name)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	if err := s.backend.DeleteWorkflow(c.Request().Context(), c.Param("name")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type testPathRequest struct {
	PathID    string `json:"path_id"`
	TargetURL string `json:"target_url"`
}

// TestPath runs one path in test mode.
// (POST /workflows/:name/test)
func (s *Server) TestPath(c echo.Context) error {
	var req testPathRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.PathID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path_id is required")
	}
	res, err := s.backend.TestPath(c.Request().Context(), c.Param("name"), req.PathID, req.TargetURL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type validatePathsRequest struct {
	TargetURL string `json:"target_url"`
}

// ValidatePaths dry-runs every path of a workflow.
// (POST /workflows/:name/validate)
func (s *Server) ValidatePaths(c echo.Context) error {
	var req validatePathsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	report, err := s.backend.ValidatePaths(c.Request().Context(), c.Param("name"), req.TargetURL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// StartBackfill starts a backfill job, or runs it to completion when
// ?wait=true.
// (POST /workflows/:name/backfills)
func (s *Server) StartBackfill(c echo.Context) error {
	var req service.BackfillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	req.Workflow = c.Param("name")
	ctx := c.Request().Context()

	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		out, err := s.backend.Backfill(ctx, req)
		if err != nil {
			if out != nil {
				return &apiError{err: err, outcome: out}
			}
			return err
		}
		return c.JSON(http.StatusOK, out)
	}

	job, err := s.backend.StartBackfill(ctx, req)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/backfills/"+job.ID)
	return c.JSON(http.StatusAccepted, statusView(job, false))
}

// ListBackfills returns every job, newest first, without per-session results.
// (GET /backfills)
func (s *Server) ListBackfills(c echo.Context) error {
	jobs := s.backend.Jobs()
	out := make([]service.Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, statusView(j, false))
	}
	return c.JSON(http.StatusOK, out)
}

// GetBackfill polls a job. Per-session results are included with ?results=true.
// (GET /backfills/:id)
func (s *Server) GetBackfill(c echo.Context) error {
	job, err := s.backend.Job(c.Param("id"))
	if err != nil {
		return err
	}
	withResults, _ := strconv.ParseBool(c.QueryParam("results"))
	return c.JSON(http.StatusOK, statusView(job, withResults))
}

// CancelBackfill stops dispatch for a job.
// (DELETE /backfills/:id)
func (s *Server) CancelBackfill(c echo.Context) error {
	job, err := s.backend.CancelJob(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, statusView(job, false))
}

func statusView(j *service.Job, withResults bool) service.Status {
	st := j.Status()
	if !withResults && st.Outcome != nil {
		trimmed := *st.Outcome
		trimmed.Results = nil
		st.Outcome = &trimmed
	}
	return st
}
