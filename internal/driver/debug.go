package driver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"backfill/internal/workflow"
)

// DebugLogger writes a human-readable trace of driver calls. A nil
// *DebugLogger is valid and logs nothing.
type DebugLogger struct {
	out io.Writer
	mu  sync.Mutex
}

func NewDebugLogger(out io.Writer) *DebugLogger {
	return &DebugLogger{out: out}
}

func (d *DebugLogger) LogCall(sessionID, op, detail string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "[Session %s] >>> %s %s\n", sessionID, op, detail)
}

func (d *DebugLogger) LogDone(sessionID, op, detail string, duration time.Duration) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "[Session %s] <<< %s %s (%s)\n", sessionID, op, detail, duration.Round(time.Millisecond))
}

func (d *DebugLogger) LogError(sessionID, op string, err error, duration time.Duration) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, "[Session %s] !!! ERROR: %s (%s)\n  %v\n", sessionID, op, duration.Round(time.Millisecond), err)
}

// WithDebug returns a Factory whose drivers trace every call to log.
// A nil log returns f unchanged.
func WithDebug(f Factory, log *DebugLogger) Factory {
	if log == nil {
		return f
	}
	return func(ctx context.Context, info SessionInfo) (ActionDriver, error) {
		d, err := f(ctx, info)
		if err != nil {
			log.LogError(info.SessionID, "open", err, 0)
			return nil, err
		}
		log.LogCall(info.SessionID, "open", info.ScheduledAt.Format(time.RFC3339))
		return &tracingDriver{next: d, log: log, session: info.SessionID}, nil
	}
}

type tracingDriver struct {
	next    ActionDriver
	log     *DebugLogger
	session string
}

func (t *tracingDriver) trace(op, detail string, fn func() error) error {
	t.log.LogCall(t.session, op, detail)
	start := time.Now()
	err := fn()
	if err != nil {
		t.log.LogError(t.session, op, err, time.Since(start))
		return err
	}
	t.log.LogDone(t.session, op, detail, time.Since(start))
	return nil
}

func (t *tracingDriver) Navigate(ctx context.Context, url string) error {
	return t.trace("navigate", url, func() error { return t.next.Navigate(ctx, url) })
}

func (t *tracingDriver) Find(ctx context.Context, sel workflow.Selector) ([]Element, error) {
	var els []Element
	err := t.trace("find", sel.String(), func() error {
		var err error
		els, err = t.next.Find(ctx, sel)
		return err
	})
	if err == nil {
		t.log.LogCall(t.session, "found", fmt.Sprintf("%d match(es) for %s", len(els), sel))
	}
	return els, err
}

func (t *tracingDriver) Click(ctx context.Context, el Element) error {
	return t.trace("click", el.String(), func() error { return t.next.Click(ctx, el) })
}

func (t *tracingDriver) Type(ctx context.Context, el Element, text string) error {
	return t.trace("type", fmt.Sprintf("%s %q", el, text), func() error { return t.next.Type(ctx, el, text) })
}

func (t *tracingDriver) Close() error {
	return t.trace("close", "", t.next.Close)
}
