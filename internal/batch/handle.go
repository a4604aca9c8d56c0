package batch

import (
	"context"
	"sync"

	"backfill/internal/collector"
	"backfill/internal/session"
)

// Handle tracks a running batch. Its methods are safe for concurrent use.
type Handle struct {
	cfg    Config
	coll   *collector.Collector
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	reported []bool
	closed   bool
	final    *collector.Outcome
	err      error
}

// ID returns the batch id.
func (h *Handle) ID() string { return h.cfg.ID }

// Config returns the configuration the batch runs with.
func (h *Handle) Config() Config { return h.cfg }

// Done is closed once every plan has a result.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops dispatch. In-flight sessions get the grace period.
func (h *Handle) Cancel() { h.cancel() }

// Err returns the batch-level error once the batch is done.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the batch is done or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*collector.Outcome, error) {
	select {
	case <-h.done:
		return h.Snapshot(), h.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot summarizes the results received so far. After Done it returns
// the final outcome.
func (h *Handle) Snapshot() *collector.Outcome {
	h.mu.Lock()
	final := h.final
	h.mu.Unlock()
	if final != nil {
		return final
	}
	return h.label(h.coll.Outcome())
}

func (h *Handle) label(o *collector.Outcome) *collector.Outcome {
	o.BatchID = h.cfg.ID
	o.Workflow = h.cfg.Workflow
	o.Mode = h.cfg.Mode
	o.Seed = h.cfg.Seed
	return o
}

// report stores the first result for plan i. Results arriving after the
// batch finished are dropped because the plan was already reported as
// abandoned.
func (h *Handle) report(i int, res session.Result) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.reported[i] {
		return false
	}
	h.reported[i] = true
	h.coll.Report(res)
	return true
}

// finish reports every plan without a result as failed, then publishes the
// final outcome.
func (h *Handle) finish(plans []session.Plan, kind session.ErrorKind, reason string, err error) {
	h.mu.Lock()
	for i, plan := range plans {
		if h.reported[i] {
			continue
		}
		h.reported[i] = true
		res := session.NewResult(plan, h.cfg.Mode)
		res.Fail(&session.StepError{Kind: kind, Message: reason})
		h.coll.Report(res)
	}
	h.closed = true
	h.coll.Close()
	h.final = h.label(h.coll.Outcome())
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
