// Package batch fans session plans out to a bounded pool of workers and
// collects their results.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"backfill/internal/collector"
	"backfill/internal/core"
	"backfill/internal/driver"
	"backfill/internal/logging"
	"backfill/internal/ratelimit"
	"backfill/internal/session"
)

const (
	// DefaultGracePeriod is how long in-flight sessions may keep running
	// after the batch is cancelled.
	DefaultGracePeriod = 30 * time.Second

	// DefaultHangTimeout bounds the wait for workers whose driver ignores
	// cancellation once the grace period is over.
	DefaultHangTimeout = 5 * time.Second
)

// EnvironmentError reports that no working driver could be obtained, which
// is fatal for the batch.
type EnvironmentError struct {
	Err error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("automation environment unavailable: %v", e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// Config describes one batch.
type Config struct {
	// ID identifies the batch in logs and outcomes; generated when empty.
	ID       string
	Workflow string
	Seed     int64
	Mode     session.Mode
	// Concurrency bounds simultaneous sessions; values below 1 mean 1.
	Concurrency int
	// Rate caps session starts per second; zero means unlimited.
	Rate float64
	// GracePeriod applies after cancellation; zero abandons in-flight
	// sessions immediately.
	GracePeriod time.Duration
	// HangTimeout is how long abandoned sessions may take to return before
	// the batch reports them and finishes; zero uses DefaultHangTimeout.
	HangTimeout time.Duration
}

// Runner executes batches. A Runner can run many batches concurrently.
type Runner struct {
	executor *session.Executor
	clock    core.Clock
	logger   *slog.Logger

	sessions metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures a Runner.
type Option func(*Runner)

func WithClock(c core.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMeter records session metrics on m instead of the global meter.
func WithMeter(m metric.Meter) Option {
	return func(r *Runner) { r.instrument(m) }
}

// NewRunner returns a Runner executing sessions with exec.
func NewRunner(exec *session.Executor, opts ...Option) *Runner {
	r := &Runner{
		executor: exec,
		clock:    core.RealClock{},
		logger:   slog.Default(),
	}
	r.instrument(otel.Meter("backfill/batch"))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) instrument(m metric.Meter) {
	// Instrument errors only occur for invalid names; the no-op fallbacks
	// returned alongside them are safe to use.
	r.sessions, _ = m.Int64Counter("backfill.sessions",
		metric.WithDescription("Sessions finished, by status and path"),
		metric.WithUnit("{session}"))
	r.duration, _ = m.Float64Histogram("backfill.session.duration",
		metric.WithDescription("Wall time of a session"),
		metric.WithUnit("s"))
}

// Run executes plans and blocks until every plan has a result. The outcome
// is returned even when err is an *EnvironmentError.
func (r *Runner) Run(ctx context.Context, plans []session.Plan, factory driver.Factory, cfg Config) (*collector.Outcome, error) {
	h := r.Start(ctx, plans, factory, cfg)
	<-h.Done()
	return h.Snapshot(), h.Err()
}

// Start launches a batch in the background and returns its handle.
// Cancelling ctx or calling Handle.Cancel stops dispatch and starts the
// grace period for in-flight sessions.
func (r *Runner) Start(ctx context.Context, plans []session.Plan, factory driver.Factory, cfg Config) *Handle {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.HangTimeout <= 0 {
		cfg.HangTimeout = DefaultHangTimeout
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cfg:      cfg,
		coll:     collector.NewCollector(len(plans), r.clock),
		cancel:   cancel,
		done:     make(chan struct{}),
		reported: make([]bool, len(plans)),
	}
	b := &run{
		runner:  r,
		handle:  h,
		plans:   plans,
		factory: factory,
		limiter: ratelimit.NewRateLimiter(cfg.Rate),
	}
	go b.execute(ctx, dispatchCtx)
	return h
}

// run is the state of one executing batch.
type run struct {
	runner  *Runner
	handle  *Handle
	plans   []session.Plan
	factory driver.Factory
	limiter *ratelimit.RateLimiter

	attempts atomic.Int64
	created  atomic.Int64

	mu      sync.Mutex
	envErr  error
	lastErr error
}

func (b *run) execute(parent, dispatchCtx context.Context) {
	h := b.handle
	cfg := h.cfg
	log := b.runner.logger
	ctx := logging.WithBatchID(parent, cfg.ID)

	// Sessions outlive dispatch cancellation until the grace period ends.
	sessCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	workers := min(cfg.Concurrency, len(b.plans))
	log.InfoContext(ctx, "batch started",
		"workflow", cfg.Workflow,
		"sessions", len(b.plans),
		"concurrency", workers,
		"mode", cfg.Mode.String())

	queue := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				if dispatchCtx.Err() != nil {
					// Claimed after cancellation; finish reports it.
					continue
				}
				res := b.runSession(sessCtx, b.plans[i])
				h.report(i, res)
				b.runner.record(ctx, res)
			}
		}()
	}

	workersDone := make(chan struct{})
	stuck := make(chan struct{})
	go func() {
		select {
		case <-dispatchCtx.Done():
		case <-workersDone:
			return
		}
		if cfg.GracePeriod > 0 {
			t := time.NewTimer(cfg.GracePeriod)
			defer t.Stop()
			select {
			case <-t.C:
			case <-workersDone:
				return
			}
		}
		log.WarnContext(ctx, "grace period over, abandoning in-flight sessions")
		abandon()
		t := time.NewTimer(cfg.HangTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			close(stuck)
		case <-workersDone:
		}
	}()

dispatch:
	for i := range b.plans {
		if err := b.limiter.Wait(dispatchCtx); err != nil {
			break
		}
		select {
		case queue <- i:
		case <-dispatchCtx.Done():
			break dispatch
		}
	}
	close(queue)

	go func() {
		wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-stuck:
		log.ErrorContext(ctx, "sessions did not stop after abandonment")
	}

	err := b.batchErr()
	kind, reason := session.KindCancelled, "batch cancelled before the session finished"
	if err != nil {
		kind, reason = session.KindEnvironment, "batch stopped: "+err.Error()
	}
	h.finish(b.plans, kind, reason, err)
	h.cancel()

	out := h.Snapshot()
	log.InfoContext(ctx, "batch finished",
		"completed", out.Completed,
		"partial", out.Partial,
		"failed", out.Failed,
		"duration", out.Duration)
}

// runSession executes one plan on a fresh driver. Panics become a failed
// result so sibling sessions keep running.
func (b *run) runSession(sessCtx context.Context, plan session.Plan) (res session.Result) {
	r := b.runner
	mode := b.handle.cfg.Mode
	ctx := logging.WithSession(sessCtx, plan.ID, plan.PathID)
	start := r.clock.Now()
	res = session.NewResult(plan, mode)

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "session panicked", "panic", p)
			res = session.NewResult(plan, mode)
			res.Fail(&session.StepError{Kind: session.KindPanic, Message: fmt.Sprint(p)})
			res.Duration = r.clock.Since(start)
		}
	}()

	b.attempts.Add(1)
	d, err := b.factory(ctx, plan.Info())
	if err != nil {
		kind := session.KindDriver
		switch {
		case errors.Is(err, driver.ErrUnavailable):
			kind = session.KindEnvironment
			b.escalate(err)
		case ctx.Err() != nil:
			kind = session.KindCancelled
		default:
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
		}
		res.Fail(&session.StepError{Kind: kind, Message: err.Error()})
		res.Duration = r.clock.Since(start)
		return res
	}
	b.created.Add(1)
	defer func() {
		if err := d.Close(); err != nil {
			r.logger.WarnContext(ctx, "closing driver", "error", err)
		}
	}()

	res = r.executor.Execute(ctx, plan, d, mode)
	if res.FirstError != nil && res.FirstError.Kind == session.KindEnvironment {
		b.escalate(errors.New(res.FirstError.Message))
	}
	return res
}

// escalate records the first environment failure and stops dispatch.
func (b *run) escalate(err error) {
	b.mu.Lock()
	first := b.envErr == nil
	if first {
		b.envErr = err
	}
	b.mu.Unlock()
	if first {
		b.runner.logger.Error("automation environment unavailable, stopping batch",
			"batch_id", b.handle.cfg.ID, "error", err)
		b.handle.cancel()
	}
}

// batchErr reports an environment failure, or a batch in which every
// driver creation failed.
func (b *run) batchErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.envErr != nil {
		return &EnvironmentError{Err: b.envErr}
	}
	if b.attempts.Load() > 0 && b.created.Load() == 0 && b.lastErr != nil {
		return &EnvironmentError{Err: b.lastErr}
	}
	return nil
}

func (r *Runner) record(ctx context.Context, res session.Result) {
	attrs := metric.WithAttributes(
		attribute.String("status", string(res.Status)),
		attribute.String("path_id", res.PathID),
	)
	r.sessions.Add(ctx, 1, attrs)
	r.duration.Record(ctx, res.Duration.Seconds(), attrs)
}
