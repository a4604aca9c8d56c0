package collector

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Thresholds defines pass/fail criteria for a batch.
type Thresholds struct {
	// MaxFailedRate and MaxPartialRate are percentages such as "5%".
	MaxFailedRate   string              `yaml:"max_failed_rate" mapstructure:"max_failed_rate"`
	MaxPartialRate  string              `yaml:"max_partial_rate" mapstructure:"max_partial_rate"`
	SessionDuration *DurationThresholds `yaml:"session_duration" mapstructure:"session_duration"`
}

// DurationThresholds defines session time limits.
type DurationThresholds struct {
	Avg time.Duration `yaml:"avg" mapstructure:"avg"`
	P95 time.Duration `yaml:"p95" mapstructure:"p95"`
	P99 time.Duration `yaml:"p99" mapstructure:"p99"`
}

// ThresholdResult represents the outcome of a single threshold check.
type ThresholdResult struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Threshold string `json:"threshold"`
	Actual    string `json:"actual"`
}

// ThresholdResults contains all threshold check results.
type ThresholdResults struct {
	Passed  bool              `json:"passed"`
	Results []ThresholdResult `json:"results"`
}

// Validate reports malformed percentages before a batch starts.
func (t *Thresholds) Validate() error {
	if t == nil {
		return nil
	}
	for name, v := range map[string]string{"max_failed_rate": t.MaxFailedRate, "max_partial_rate": t.MaxPartialRate} {
		if v == "" {
			continue
		}
		if _, err := parsePercentage(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Check evaluates all thresholds against an outcome.
func (t *Thresholds) Check(o *Outcome) *ThresholdResults {
	if t == nil {
		return &ThresholdResults{Passed: true, Results: nil}
	}

	results := &ThresholdResults{
		Passed:  true,
		Results: make([]ThresholdResult, 0),
	}
	results.checkRate("sessions_failed.rate", t.MaxFailedRate, o.FailedRate())
	results.checkRate("sessions_partial.rate", t.MaxPartialRate, o.PartialRate())
	if t.SessionDuration != nil {
		results.checkDurationThresholds(t.SessionDuration, &o.Sessions)
	}
	return results
}

func (r *ThresholdResults) checkDurationThresholds(thresholds *DurationThresholds, actual *DurationMetrics) {
	checks := []struct {
		name      string
		threshold time.Duration
		actual    time.Duration
	}{
		{"session_duration.avg", thresholds.Avg, actual.Avg},
		{"session_duration.p95", thresholds.P95, actual.P95},
		{"session_duration.p99", thresholds.P99, actual.P99},
	}

	for _, check := range checks {
		if check.threshold == 0 {
			continue
		}
		passed := check.actual <= check.threshold
		if !passed {
			r.Passed = false
		}
		r.Results = append(r.Results, ThresholdResult{
			Name:      check.name,
			Passed:    passed,
			Threshold: FormatDuration(check.threshold),
			Actual:    FormatDuration(check.actual),
		})
	}
}

func (r *ThresholdResults) checkRate(name, threshold string, actual float64) {
	if threshold == "" {
		return
	}
	limit, err := parsePercentage(threshold)
	if err != nil {
		return
	}
	passed := actual <= limit
	if !passed {
		r.Passed = false
	}
	r.Results = append(r.Results, ThresholdResult{
		Name:      name,
		Passed:    passed,
		Threshold: threshold,
		Actual:    fmt.Sprintf("%.2f%%", actual),
	})
}

func parsePercentage(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "%") {
		return 0, fmt.Errorf("invalid percentage format: %s", s)
	}
	return strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
}

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}

// Violations returns only the failed threshold results.
func (r *ThresholdResults) Violations() []ThresholdResult {
	violations := make([]ThresholdResult, 0)
	for _, result := range r.Results {
		if !result.Passed {
			violations = append(violations, result)
		}
	}
	return violations
}
