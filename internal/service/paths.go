package service

import (
	"context"

	"github.com/google/uuid"

	"backfill/internal/batch"
	"backfill/internal/session"
	"backfill/internal/workflow"
)

// TestPath runs one path once in test mode against targetURL. Only an
// unavailable automation environment is returned as an error; a failing
// path is reported in the result.
func (s *Service) TestPath(ctx context.Context, name, pathID, targetURL string) (*session.Result, error) {
	if targetURL == "" {
		return nil, invalidf("target_url is required")
	}
	doc, err := s.Workflow(ctx, name)
	if err != nil {
		return nil, err
	}
	path, ok := doc.Path(pathID)
	if !ok {
		return nil, invalidf("workflow %q has no path %q", name, pathID)
	}

	plans := []session.Plan{s.probe(path)}
	out, err := s.runner(targetURL).Run(ctx, plans, s.factory(targetURL), batch.Config{
		Workflow:    doc.Name,
		Mode:        session.ModeTest,
		Concurrency: 1,
		GracePeriod: s.defaults.GracePeriod,
	})
	if len(out.Results) == 0 {
		return nil, err
	}
	res := out.Results[0]
	return &res, err
}

// PathCheck is the dry-run verdict for one path.
type PathCheck struct {
	PathID         string             `json:"path_id"`
	Status         session.Status     `json:"status"`
	CompletedSteps int                `json:"completed_step_count"`
	PlannedSteps   int                `json:"planned_step_count"`
	FailedAction   *session.StepError `json:"failed_action,omitempty"`
}

// Summary counts dry-run verdicts.
type Summary struct {
	Total  int `json:"total_paths"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// PathsReport is the result of ValidatePaths.
type PathsReport struct {
	Workflow  string      `json:"workflow_name"`
	TargetURL string      `json:"target_url"`
	Paths     []PathCheck `json:"paths"`
	Summary   Summary     `json:"validation_summary"`
}

// Valid reports whether every path passed.
func (r *PathsReport) Valid() bool { return r.Summary.Failed == 0 }

// ValidatePaths dry-runs every path of a workflow in test mode and reports
// which ones fail on the live target, and where.
func (s *Service) ValidatePaths(ctx context.Context, name, targetURL string) (*PathsReport, error) {
	if targetURL == "" {
		return nil, invalidf("target_url is required")
	}
	doc, err := s.Workflow(ctx, name)
	if err != nil {
		return nil, err
	}

	plans := make([]session.Plan, len(doc.Paths))
	for i := range doc.Paths {
		plans[i] = s.probe(&doc.Paths[i])
		plans[i].Seq = i
	}
	out, err := s.runner(targetURL).Run(ctx, plans, s.factory(targetURL), batch.Config{
		Workflow:    doc.Name,
		Mode:        session.ModeTest,
		Concurrency: s.defaults.Concurrency,
		GracePeriod: s.defaults.GracePeriod,
	})

	byID := make(map[string]session.Result, len(out.Results))
	for _, res := range out.Results {
		byID[res.SessionID] = res
	}
	report := &PathsReport{Workflow: doc.Name, TargetURL: targetURL}
	for _, plan := range plans {
		res := byID[plan.ID]
		check := PathCheck{
			PathID:         plan.PathID,
			Status:         res.Status,
			CompletedSteps: res.CompletedSteps,
			PlannedSteps:   res.PlannedSteps,
			FailedAction:   res.FirstError,
		}
		report.Paths = append(report.Paths, check)
		report.Summary.Total++
		if check.Status == session.StatusCompleted {
			report.Summary.Passed++
		} else {
			report.Summary.Failed++
		}
	}
	return report, err
}

// probe builds an unscheduled plan for a single dry run of path.
func (s *Service) probe(path *workflow.Path) session.Plan {
	return session.Plan{
		ID:          uuid.NewString(),
		PathID:      path.ID,
		ScheduledAt: s.clock.Now(),
		Steps:       path.Steps,
	}
}
