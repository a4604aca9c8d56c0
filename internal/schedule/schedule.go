// Package schedule spreads allocated sessions across a historical window.
package schedule

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"backfill/internal/allocate"
	"backfill/internal/session"
	"backfill/internal/workflow"
)

// Window is the half-open scheduling range [Start, Start+Days*24h).
type Window struct {
	Start time.Time
	Days  int
}

// MaxDays is the longest window whose span fits in a time.Duration.
const MaxDays = math.MaxInt64 / int64(24*time.Hour)

// End returns the exclusive end of the window.
func (w Window) End() time.Time {
	return w.Start.Add(w.Span())
}

func (w Window) Span() time.Duration {
	return time.Duration(w.Days) * 24 * time.Hour
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End())
}

// Schedule gives each assignment a uniformly drawn timestamp inside the
// window and returns plans sorted by ScheduledAt. Equal timestamps keep
// allocation order. The same seed always yields the same plans, session
// ids included.
func Schedule(doc *workflow.Document, assignments []allocate.Assignment, w Window, seed int64) ([]session.Plan, error) {
	if w.Days <= 0 {
		return nil, fmt.Errorf("day span must be positive, got %d", w.Days)
	}
	if int64(w.Days) > MaxDays {
		return nil, fmt.Errorf("day span must be at most %d, got %d", MaxDays, w.Days)
	}
	span := int64(w.Span())
	rng := rand.New(rand.NewSource(seed))

	steps := make(map[string][]workflow.Step, len(doc.Paths))
	for _, p := range doc.Paths {
		steps[p.ID] = p.Steps
	}

	plans := make([]session.Plan, len(assignments))
	for i, a := range assignments {
		src, ok := steps[a.PathID]
		if !ok {
			return nil, fmt.Errorf("assignment %d references unknown path %q", i, a.PathID)
		}
		offset := time.Duration(rng.Int63n(span))
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
		plans[i] = session.Plan{
			ID:          id.String(),
			Seq:         i,
			PathID:      a.PathID,
			AccountID:   a.AccountID,
			SegmentID:   a.SegmentID,
			Attributes:  a.Attributes,
			ScheduledAt: w.Start.Add(offset),
			Steps:       copySteps(src),
		}
	}

	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].ScheduledAt.Before(plans[j].ScheduledAt)
	})
	return plans, nil
}

func copySteps(src []workflow.Step) []workflow.Step {
	out := make([]workflow.Step, len(src))
	for i, s := range src {
		s.Selector = append([]workflow.Selector(nil), s.Selector...)
		out[i] = s
	}
	return out
}
