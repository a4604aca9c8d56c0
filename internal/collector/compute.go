package collector

import (
	"sort"
	"time"

	"backfill/internal/session"
)

// Outcome summarizes a batch.
type Outcome struct {
	BatchID  string       `json:"batch_id,omitempty"`
	Workflow string       `json:"workflow,omitempty"`
	Mode     session.Mode `json:"mode"`
	Seed     int64        `json:"seed"`
	// Total is the number of planned sessions; Done counts results received.
	Total     int                    `json:"total"`
	Done      int                    `json:"done"`
	Completed int                    `json:"completed"`
	Partial   int                    `json:"partial"`
	Failed    int                    `json:"failed"`
	PerPath   map[string]*PathCounts `json:"per_path"`
	Sessions  DurationMetrics        `json:"session_durations"`
	Duration  time.Duration          `json:"duration_ns"`
	// Results are sorted by scheduled time.
	Results []session.Result `json:"results,omitempty"`
}

// PathCounts breaks an outcome down for one path.
type PathCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Partial   int `json:"partial"`
	Failed    int `json:"failed"`
	// FailingSteps counts first failures by step index.
	FailingSteps map[int]int `json:"failing_steps,omitempty"`
	// Failures groups identical first failures, most frequent first.
	Failures []FailureGroup `json:"failures,omitempty"`
}

// FailureGroup is a set of sessions that failed the same way.
type FailureGroup struct {
	StepIndex int               `json:"step_index"`
	Kind      session.ErrorKind `json:"kind"`
	Selector  string            `json:"selector,omitempty"`
	Count     int               `json:"count"`
}

// FailedRate returns failed sessions as a percentage of received results.
func (o *Outcome) FailedRate() float64 { return rate(o.Failed, o.Done) }

// PartialRate returns partial sessions as a percentage of received results.
func (o *Outcome) PartialRate() float64 { return rate(o.Partial, o.Done) }

// Finished reports whether every planned session has a result.
func (o *Outcome) Finished() bool { return o.Done >= o.Total }

func rate(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}

// ComputeOutcome summarizes results. Pure function, does not modify results.
func ComputeOutcome(results []session.Result, total int, elapsed time.Duration) *Outcome {
	o := &Outcome{
		Total:    total,
		Done:     len(results),
		PerPath:  make(map[string]*PathCounts),
		Duration: elapsed,
	}

	sorted := make([]session.Result, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ScheduledAt.Equal(sorted[j].ScheduledAt) {
			return sorted[i].ScheduledAt.Before(sorted[j].ScheduledAt)
		}
		return sorted[i].Seq < sorted[j].Seq
	})
	o.Results = sorted

	durations := make([]time.Duration, 0, len(results))
	groups := make(map[string]map[FailureGroup]int)
	for _, r := range sorted {
		pc, ok := o.PerPath[r.PathID]
		if !ok {
			pc = &PathCounts{}
			o.PerPath[r.PathID] = pc
		}
		pc.Total++
		durations = append(durations, r.Duration)

		switch r.Status {
		case session.StatusCompleted:
			o.Completed++
			pc.Completed++
		case session.StatusPartial:
			o.Partial++
			pc.Partial++
		default:
			o.Failed++
			pc.Failed++
		}

		if r.FirstError == nil {
			continue
		}
		if pc.FailingSteps == nil {
			pc.FailingSteps = make(map[int]int)
		}
		pc.FailingSteps[r.FirstError.StepIndex]++
		if groups[r.PathID] == nil {
			groups[r.PathID] = make(map[FailureGroup]int)
		}
		key := FailureGroup{StepIndex: r.FirstError.StepIndex, Kind: r.FirstError.Kind, Selector: r.FirstError.Selector}
		groups[r.PathID][key]++
	}

	for path, g := range groups {
		list := make([]FailureGroup, 0, len(g))
		for key, n := range g {
			key.Count = n
			list = append(list, key)
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].Count != list[j].Count {
				return list[i].Count > list[j].Count
			}
			if list[i].StepIndex != list[j].StepIndex {
				return list[i].StepIndex < list[j].StepIndex
			}
			if list[i].Kind != list[j].Kind {
				return list[i].Kind < list[j].Kind
			}
			return list[i].Selector < list[j].Selector
		})
		o.PerPath[path].Failures = list
	}

	o.Sessions = ComputeDurationMetrics(durations)
	return o
}
