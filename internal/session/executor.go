package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"backfill/internal/core"
	"backfill/internal/driver"
	"backfill/internal/template"
	"backfill/internal/workflow"
)

// Executor runs plans against drivers. It holds no per-session state and is
// safe for concurrent use.
type Executor struct {
	targetURL string
	clock     core.Clock
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces the clock used for pacing delays and durations.
func WithClock(c core.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor returns an executor resolving relative navigate values
// against targetURL.
func NewExecutor(targetURL string, opts ...Option) *Executor {
	e := &Executor{
		targetURL: targetURL,
		clock:     core.RealClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan's steps in order, pausing delay_ms after each one.
// The first failing step ends the session; the failure is recorded in the
// result and never returned as an error.
func (e *Executor) Execute(ctx context.Context, plan Plan, d driver.ActionDriver, mode Mode) Result {
	start := e.clock.Now()
	res := NewResult(plan, mode)
	steps := mode.Steps(plan.Steps)
	scope := plan.scope()

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			res.FirstError = &StepError{Kind: KindCancelled, StepIndex: i, Action: step.Action, Message: err.Error()}
			break
		}
		if serr := e.runStep(ctx, d, i, step, scope); serr != nil {
			res.FirstError = serr
			break
		}
		res.CompletedSteps++

		delay := time.Duration(step.DelayMS) * time.Millisecond
		if err := e.clock.Sleep(ctx, delay); err != nil && i < len(steps)-1 {
			res.FirstError = &StepError{Kind: KindCancelled, StepIndex: i + 1, Action: steps[i+1].Action, Message: err.Error()}
			break
		}
	}

	res.Status = statusFor(res.CompletedSteps, res.PlannedSteps, mode, res.FirstError != nil)
	res.Duration = e.clock.Since(start)
	e.logResult(ctx, res)
	return res
}

func (e *Executor) runStep(ctx context.Context, d driver.ActionDriver, index int, step workflow.Step, scope *template.Scope) *StepError {
	session := ctx
	if step.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	fail := func(kind ErrorKind, err error) *StepError {
		return &StepError{Kind: kind, StepIndex: index, Action: step.Action, Message: err.Error()}
	}

	switch step.Action {
	case workflow.ActionWait:
		return nil

	case workflow.ActionNavigate:
		value, err := template.Substitute(step.Value, scope)
		if err != nil {
			return fail(KindTemplate, err)
		}
		url, err := driver.ResolveURL(e.targetURL, value)
		if err != nil {
			return fail(KindDriver, err)
		}
		if err := d.Navigate(ctx, url); err != nil {
			return fail(classify(session, err), err)
		}
		return nil

	case workflow.ActionClick, workflow.ActionType, workflow.ActionWaitForSelector:
		text := ""
		if step.Action == workflow.ActionType {
			var err error
			if text, err = template.Substitute(step.Value, scope); err != nil {
				return fail(KindTemplate, err)
			}
		}
		el, serr := e.resolve(ctx, session, d, index, step)
		if serr != nil {
			return serr
		}
		var err error
		switch step.Action {
		case workflow.ActionClick:
			err = d.Click(ctx, el)
		case workflow.ActionType:
			err = d.Type(ctx, el, text)
		}
		if err != nil {
			return fail(classify(session, err), err)
		}
		return nil

	default:
		return fail(KindDriver, fmt.Errorf("unsupported action %q", step.Action))
	}
}

// resolve tries each selector strategy in order and returns the element of
// the first one that matches exactly once.
func (e *Executor) resolve(ctx, session context.Context, d driver.ActionDriver, index int, step workflow.Step) (driver.Element, *StepError) {
	tried := make([]string, 0, len(step.Selector))
	for _, sel := range step.Selector {
		els, err := d.Find(ctx, sel)
		if err != nil && !errors.Is(err, driver.ErrNotFound) {
			return nil, &StepError{
				Kind:      classify(session, err),
				StepIndex: index,
				Action:    step.Action,
				Selector:  sel.String(),
				Message:   err.Error(),
			}
		}
		if len(els) == 1 {
			return els[0], nil
		}
		tried = append(tried, fmt.Sprintf("%s (%d matches)", sel, len(els)))
	}
	return nil, &StepError{
		Kind:      KindSelectorNotFound,
		StepIndex: index,
		Action:    step.Action,
		Selector:  strings.Join(tried, " | "),
		Message:   "no selector strategy matched exactly one element",
	}
}

// classify maps a driver failure to an error kind. session is the session
// context, without the per-step timeout.
func classify(session context.Context, err error) ErrorKind {
	switch {
	case errors.Is(err, driver.ErrUnavailable):
		return KindEnvironment
	case session.Err() != nil:
		return KindCancelled
	default:
		return KindDriver
	}
}

func (e *Executor) logResult(ctx context.Context, res Result) {
	attrs := []slog.Attr{
		slog.String("status", string(res.Status)),
		slog.Int("completed_steps", res.CompletedSteps),
		slog.Int("planned_steps", res.PlannedSteps),
		slog.Duration("duration", res.Duration),
	}
	level := slog.LevelDebug
	if res.FirstError != nil {
		level = slog.LevelInfo
		attrs = append(attrs,
			slog.String("error_kind", string(res.FirstError.Kind)),
			slog.Int("step_index", res.FirstError.StepIndex),
			slog.String("error", res.FirstError.Message),
		)
	}
	e.logger.LogAttrs(ctx, level, "session finished", attrs...)
}
