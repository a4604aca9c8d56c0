package collector

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// FormatText writes an outcome in human-readable format.
func FormatText(w io.Writer, o *Outcome, thresholds *ThresholdResults) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Backfill - Batch Results")
	fmt.Fprintln(w, "========================")
	fmt.Fprintln(w, "")
	if o.Workflow != "" {
		fmt.Fprintf(w, "Workflow:   %s (%s mode, seed %d)\n", o.Workflow, o.Mode, o.Seed)
	}
	fmt.Fprintf(w, "Duration:   %v\n", o.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Sessions:   %s / %s\n", formatNumber(o.Done), formatNumber(o.Total))
	if o.Done == 0 {
		fmt.Fprintln(w, "No sessions finished")
		return
	}
	fmt.Fprintf(w, "Completed:  %s (%.1f%%)\n", formatNumber(o.Completed), rate(o.Completed, o.Done))
	fmt.Fprintf(w, "Partial:    %s (%.1f%%)\n", formatNumber(o.Partial), o.PartialRate())
	fmt.Fprintf(w, "Failed:     %s (%.1f%%)\n", formatNumber(o.Failed), o.FailedRate())
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Session Times:")
	fmt.Fprintf(w, "  Min:    %s\n", FormatDuration(o.Sessions.Min))
	fmt.Fprintf(w, "  Avg:    %s\n", FormatDuration(o.Sessions.Avg))
	fmt.Fprintf(w, "  P50:    %s\n", FormatDuration(o.Sessions.P50))
	fmt.Fprintf(w, "  P95:    %s\n", FormatDuration(o.Sessions.P95))
	fmt.Fprintf(w, "  Max:    %s\n", FormatDuration(o.Sessions.Max))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "By Path:")
	for _, id := range sortedPaths(o.PerPath) {
		pc := o.PerPath[id]
		fmt.Fprintf(w, "  %-15s %s sessions   completed=%d  partial=%d  failed=%d\n",
			id, formatNumber(pc.Total), pc.Completed, pc.Partial, pc.Failed)
		for _, f := range pc.Failures {
			line := fmt.Sprintf("    step %d %s x%d", f.StepIndex, f.Kind, f.Count)
			if f.Selector != "" {
				line += ": " + f.Selector
			}
			fmt.Fprintln(w, line)
		}
	}

	if thresholds != nil && len(thresholds.Results) > 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "Thresholds:")
		for _, result := range thresholds.Results {
			symbol := "✓"
			if !result.Passed {
				symbol = "✗"
			}
			fmt.Fprintf(w, "  %s %s <= %s (actual: %s)\n",
				symbol, result.Name, result.Threshold, result.Actual)
		}
	}
}

// FormatJSON writes an outcome in JSON format. Individual session results
// are included only when withResults is set.
func FormatJSON(w io.Writer, o *Outcome, thresholds *ThresholdResults, withResults bool) {
	view := *o
	if !withResults {
		view.Results = nil
	}
	output := struct {
		*Outcome
		Duration   string              `json:"duration"`
		Sessions   jsonDurationMetrics `json:"session_durations"`
		Thresholds *ThresholdResults   `json:"thresholds,omitempty"`
	}{
		Outcome:    &view,
		Duration:   o.Duration.Round(time.Millisecond).String(),
		Sessions:   toJSONDurationMetrics(o.Sessions),
		Thresholds: thresholds,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(output) // stdout errors are unrecoverable
}

type jsonDurationMetrics struct {
	Min string `json:"min"`
	Max string `json:"max"`
	Avg string `json:"avg"`
	P50 string `json:"p50"`
	P90 string `json:"p90"`
	P95 string `json:"p95"`
	P99 string `json:"p99"`
}

func toJSONDurationMetrics(d DurationMetrics) jsonDurationMetrics {
	return jsonDurationMetrics{
		Min: FormatDuration(d.Min),
		Max: FormatDuration(d.Max),
		Avg: FormatDuration(d.Avg),
		P50: FormatDuration(d.P50),
		P90: FormatDuration(d.P90),
		P95: FormatDuration(d.P95),
		P99: FormatDuration(d.P99),
	}
}

func sortedPaths(m map[string]*PathCounts) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
