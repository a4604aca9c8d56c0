package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"backfill/internal/collector"
	"backfill/internal/progress"
	"backfill/internal/service"
	"backfill/internal/session"
)

func checkOutput(output string) error {
	if output != "text" && output != "json" {
		return fmt.Errorf("--output must be 'text' or 'json', got %q", output)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTestCmd(a *app) *cobra.Command {
	var (
		target string
		pathID string
		output string
	)
	cmd := &cobra.Command{
		Use:   "test <workflow>",
		Short: "Dry-run the opening steps of every path, or of one with --path",
		Long: "Runs each path once in test mode against the target and reports the\n" +
			"first failing action. Exits 1 when any path fails.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, closeSvc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeSvc()
			out := cmd.OutOrStdout()

			if pathID != "" {
				res, err := svc.TestPath(ctx, args[0], pathID, target)
				if err != nil {
					return err
				}
				if output == "json" {
					err = writeJSON(out, res)
				} else {
					printCheck(out, service.PathCheck{
						PathID:         res.PathID,
						Status:         res.Status,
						CompletedSteps: res.CompletedSteps,
						PlannedSteps:   res.PlannedSteps,
						FailedAction:   res.FirstError,
					})
				}
				if err != nil {
					return err
				}
				if res.Status != session.StatusCompleted {
					return &exitError{code: ExitThresholdFailed, err: errors.New("path failed")}
				}
				return nil
			}

			report, err := svc.ValidatePaths(ctx, args[0], target)
			if err != nil {
				return err
			}
			if output == "json" {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Workflow %q against %s\n", report.Workflow, report.TargetURL)
				for _, c := range report.Paths {
					printCheck(out, c)
				}
				fmt.Fprintf(out, "%d/%d paths passed\n", report.Summary.Passed, report.Summary.Total)
			}
			if !report.Valid() {
				return &exitError{code: ExitThresholdFailed, err: errors.New("paths failed")}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "base URL of the target site (required)")
	cmd.Flags().StringVar(&pathID, "path", "", "test a single path")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func printCheck(w io.Writer, c service.PathCheck) {
	symbol := "✓"
	if c.Status != session.StatusCompleted {
		symbol = "✗"
	}
	fmt.Fprintf(w, "  %s %-20s %d/%d steps", symbol, c.PathID, c.CompletedSteps, c.PlannedSteps)
	if f := c.FailedAction; f != nil {
		fmt.Fprintf(w, "  step %d %s: %s", f.StepIndex, f.Kind, f.Message)
		if f.Selector != "" {
			fmt.Fprintf(w, " [%s]", f.Selector)
		}
	}
	fmt.Fprintln(w)
}

type runFlags struct {
	target      string
	start       string
	days        int
	users       int
	concurrency int
	seed        int64
	rate        float64
	mode        string
	file        string
	roster      string
	output      string
	quiet       bool
	results     bool
	maxFailed   string
	maxPartial  string
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a backfill in the foreground and report the outcome",
		Long: "Allocates --users sessions across the workflow's paths, schedules them\n" +
			"over --days days from --start and runs them against --target.\n" +
			"Exits 1 when a threshold fails and 2 when the batch could not run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd, args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.target, "target", "", "base URL of the target site (required)")
	fl.StringVar(&f.start, "start", "", "first day of the window, YYYY-MM-DD or RFC 3339 (required)")
	fl.IntVar(&f.days, "days", 1, "number of days in the window")
	fl.IntVar(&f.users, "users", 0, "number of sessions to run (required)")
	fl.IntVar(&f.concurrency, "concurrency", 0, "maximum sessions in flight (default: batch.concurrency)")
	fl.Int64Var(&f.seed, "seed", 0, "scheduling seed (default: batch.seed, else random)")
	fl.Float64Var(&f.rate, "rate", 0, "maximum session starts per second (default: batch.rate)")
	fl.StringVar(&f.mode, "mode", "full", "execution mode: full, test")
	fl.StringVar(&f.file, "file", "", "submit this workflow file before running")
	fl.StringVar(&f.roster, "accounts", "", "account roster merged into --file")
	fl.StringVarP(&f.output, "output", "o", "text", "output format: text, json")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "suppress progress output")
	fl.BoolVar(&f.results, "results", false, "include per-session results in JSON output")
	fl.StringVar(&f.maxFailed, "max-failed-rate", "", "fail when more than this share of sessions fail, e.g. 5%")
	fl.StringVar(&f.maxPartial, "max-partial-rate", "", "fail when more than this share of sessions are partial")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("users")
	return cmd
}

func (a *app) run(ctx context.Context, cmd *cobra.Command, name string, f runFlags) error {
	if err := checkOutput(f.output); err != nil {
		return err
	}
	mode, err := session.ParseMode(f.mode)
	if err != nil {
		return err
	}
	thresholds := a.cfg.Thresholds
	if f.maxFailed != "" {
		thresholds.MaxFailedRate = f.maxFailed
	}
	if f.maxPartial != "" {
		thresholds.MaxPartialRate = f.maxPartial
	}
	if err := thresholds.Validate(); err != nil {
		return err
	}

	svc, closeSvc, err := a.openService(ctx)
	if err != nil {
		return err
	}
	defer closeSvc()

	if f.file != "" {
		raw, err := readDocument(f.file, f.roster)
		if err != nil {
			return err
		}
		doc, err := svc.Submit(ctx, raw)
		if err != nil {
			return invalidDocument(err)
		}
		name = doc.Name
	}

	p, err := svc.Prepare(ctx, service.BackfillRequest{
		Workflow:    name,
		TargetURL:   f.target,
		StartDate:   f.start,
		DaySpan:     f.days,
		TotalUsers:  f.users,
		Concurrency: f.concurrency,
		Mode:        mode,
		Seed:        f.seed,
		Rate:        f.rate,
	})
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	job := svc.Start(p)
	prog := progress.NewProgress(job, f.quiet || f.output == "json")
	prog.SetOutput(stderr)
	prog.Printf("Backfill starting: %d sessions of %q over %d days from %s, seed %d, concurrency %d",
		len(p.Plans), name, f.days, f.start, p.Request.Seed, p.Request.Concurrency)
	prog.Start()

	interrupted := false
	select {
	case <-job.Done():
	case <-ctx.Done():
		interrupted = true
		prog.Printf("\nReceived interrupt signal, letting in-flight sessions finish...")
		if _, err := svc.CancelJob(job.ID); err != nil {
			a.logger.Warn("cancel job", "error", err)
		}
	}
	out, runErr := job.Wait(context.Background())
	prog.Stop()

	results := thresholds.Check(out)
	stdout := cmd.OutOrStdout()
	if f.output == "json" {
		collector.FormatJSON(stdout, out, results, f.results)
	} else {
		collector.FormatText(stdout, out, results)
	}

	switch {
	case runErr != nil:
		return &exitError{code: ExitError, err: runErr}
	case interrupted:
		return nil
	case !results.Passed:
		if f.output == "text" {
			fmt.Fprintln(stderr, "\nThreshold check failed!")
		}
		return &exitError{code: ExitThresholdFailed, err: errors.New("threshold check failed")}
	}
	return nil
}
