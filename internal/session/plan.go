// Package session executes one scheduled session against a driver.
package session

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"backfill/internal/driver"
	"backfill/internal/template"
	"backfill/internal/workflow"
)

// Plan is one scheduled execution of a path by one simulated user.
type Plan struct {
	ID string `json:"session_id"`
	// Seq is the position in allocation order, used to break timestamp ties.
	Seq         int                 `json:"seq"`
	PathID      string              `json:"path_id"`
	AccountID   string              `json:"account_id,omitempty"`
	SegmentID   string              `json:"segment_id,omitempty"`
	Attributes  workflow.Attributes `json:"user_attributes,omitempty"`
	ScheduledAt time.Time           `json:"scheduled_at"`
	Steps       []workflow.Step     `json:"steps"`
}

// Info describes the plan to a driver factory.
func (p Plan) Info() driver.SessionInfo {
	return driver.SessionInfo{
		SessionID:   p.ID,
		PathID:      p.PathID,
		AccountID:   p.AccountID,
		ScheduledAt: p.ScheduledAt,
		Attributes:  p.Attributes,
	}
}

// Variables exposes the plan to ${...} placeholders.
func (p Plan) Variables() template.Vars {
	vars := template.Vars{
		"session.id":   p.ID,
		"path.id":      p.PathID,
		"account.id":   p.AccountID,
		"segment.id":   p.SegmentID,
		"scheduled_at": p.ScheduledAt.Format(time.RFC3339),
	}
	for k, v := range p.Attributes {
		vars["user."+k] = v.String()
	}
	return vars
}

// scope seeds placeholder functions from the session id so a re-run of the
// same plan types the same values.
func (p Plan) scope() *template.Scope {
	h := fnv.New64a()
	h.Write([]byte(p.ID))
	return &template.Scope{
		Vars: p.Variables(),
		Now:  p.ScheduledAt,
		Rand: rand.New(rand.NewSource(int64(h.Sum64()))),
	}
}

// Mode selects how much of a plan runs.
type Mode int

const (
	// ModeFull runs every step.
	ModeFull Mode = iota
	// ModeTest runs only the opening steps needed to prove the path's first
	// selectors resolve.
	ModeTest
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeTest:
		return "test"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "full" or "test".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "":
		return ModeFull, nil
	case "test":
		return ModeTest, nil
	default:
		return ModeFull, fmt.Errorf("unknown execution mode %q", s)
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Steps returns the prefix of steps this mode executes. Test mode stops at
// the first step that needs a selector, or after two steps that act on the
// page. Wait steps are pacing and do not count toward the two.
func (m Mode) Steps(steps []workflow.Step) []workflow.Step {
	if m != ModeTest {
		return steps
	}
	acting := 0
	for i, s := range steps {
		if s.Action != workflow.ActionWait {
			acting++
		}
		if s.Action.NeedsSelector() || acting == 2 {
			return steps[:i+1]
		}
	}
	return steps[:min(2, len(steps))]
}

// Status is the outcome of a session.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// ErrorKind classifies the first failure of a session.
type ErrorKind string

const (
	KindSelectorNotFound ErrorKind = "selector_not_found"
	KindDriver           ErrorKind = "driver"
	KindTemplate         ErrorKind = "template"
	KindCancelled        ErrorKind = "cancelled"
	KindEnvironment      ErrorKind = "environment"
	KindPanic            ErrorKind = "panic"
)

// StepError is the first failure of a session.
type StepError struct {
	Kind      ErrorKind       `json:"kind"`
	StepIndex int             `json:"step_index"`
	Action    workflow.Action `json:"action,omitempty"`
	// Selector lists the strategies tried, for selector failures.
	Selector string `json:"selector,omitempty"`
	Message  string `json:"message"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %s: %s", e.StepIndex, e.Action, e.Kind, e.Message)
}

// Result is the outcome of one session.
type Result struct {
	SessionID      string        `json:"session_id"`
	Seq            int           `json:"seq"`
	PathID         string        `json:"path_id"`
	AccountID      string        `json:"account_id,omitempty"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	Mode           Mode          `json:"mode"`
	Status         Status        `json:"status"`
	CompletedSteps int           `json:"completed_step_count"`
	PlannedSteps   int           `json:"planned_step_count"`
	FirstError     *StepError    `json:"first_error,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

// NewResult starts a result for plan with nothing completed yet.
func NewResult(plan Plan, mode Mode) Result {
	return Result{
		SessionID:    plan.ID,
		Seq:          plan.Seq,
		PathID:       plan.PathID,
		AccountID:    plan.AccountID,
		ScheduledAt:  plan.ScheduledAt,
		Mode:         mode,
		PlannedSteps: len(mode.Steps(plan.Steps)),
	}
}

// Fail records err as the first error and derives the status.
func (r *Result) Fail(err *StepError) {
	if r.FirstError == nil {
		r.FirstError = err
	}
	r.Status = statusFor(r.CompletedSteps, r.PlannedSteps, r.Mode, r.FirstError != nil)
}

func statusFor(completed, planned int, mode Mode, failed bool) Status {
	switch {
	case !failed && completed >= planned:
		return StatusCompleted
	case mode == ModeTest || completed == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
