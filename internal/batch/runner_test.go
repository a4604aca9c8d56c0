package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"backfill/internal/core"
	"backfill/internal/driver"
	"backfill/internal/driver/drivertest"
	"backfill/internal/session"
	"backfill/internal/workflow"
)

var buyButton = workflow.Selector{By: workflow.ByAttribute, Name: "data-testid", Value: "buy"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner() *Runner {
	clock := core.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	exec := session.NewExecutor("https://shop.test",
		session.WithClock(clock),
		session.WithLogger(quietLogger()))
	return NewRunner(exec,
		WithClock(clock),
		WithLogger(quietLogger()),
		WithMeter(noop.NewMeterProvider().Meter("test")))
}

func testPlans(n int) []session.Plan {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	plans := make([]session.Plan, n)
	for i := range plans {
		plans[i] = session.Plan{
			ID:          fmt.Sprintf("s-%02d", i),
			Seq:         i,
			PathID:      "checkout",
			ScheduledAt: start.Add(time.Duration(i) * time.Minute),
			Steps: []workflow.Step{
				{Action: workflow.ActionNavigate, Value: "/shop", DelayMS: 10},
				{Action: workflow.ActionClick, Selector: []workflow.Selector{buyButton}, DelayMS: 10},
			},
		}
	}
	return plans
}

func TestRun_IsolatesFailures(t *testing.T) {
	failing := map[string]bool{"s-01": true, "s-04": true, "s-08": true}
	factory := drivertest.NewFactory(func(info driver.SessionInfo) (*drivertest.Fake, error) {
		if failing[info.SessionID] {
			return drivertest.New(), nil
		}
		return drivertest.New(buyButton), nil
	})

	out, err := newTestRunner().Run(context.Background(), testPlans(10), factory.Func(), Config{Concurrency: 3})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if out.Total != 10 || out.Done != 10 {
		t.Errorf("total/done = %d/%d, expected 10/10", out.Total, out.Done)
	}
	if out.Completed != 7 {
		t.Errorf("completed = %d, expected 7", out.Completed)
	}
	if out.Partial+out.Failed != 3 {
		t.Errorf("partial+failed = %d, expected 3", out.Partial+out.Failed)
	}
	if len(out.Results) != 10 {
		t.Fatalf("got %d results, expected 10", len(out.Results))
	}
	for _, res := range out.Results {
		if failing[res.SessionID] {
			if res.FirstError == nil || res.FirstError.Kind != session.KindSelectorNotFound || res.FirstError.StepIndex != 1 {
				t.Errorf("%s first error = %+v, expected selector_not_found at step 1", res.SessionID, res.FirstError)
			}
		} else if res.Status != session.StatusCompleted {
			t.Errorf("%s status = %s, expected completed", res.SessionID, res.Status)
		}
	}
	pc := out.PerPath["checkout"]
	if pc == nil || pc.FailingSteps[1] != 3 {
		t.Errorf("per-path failing steps = %+v, expected 3 at step 1", pc)
	}
	for _, d := range factory.Drivers() {
		if !d.Closed() {
			t.Error("driver was not closed")
		}
	}
}

func TestRun_DispatchOrder(t *testing.T) {
	factory := drivertest.NewFactory(func(driver.SessionInfo) (*drivertest.Fake, error) {
		return drivertest.New(buyButton), nil
	})
	plans := testPlans(6)

	if _, err := newTestRunner().Run(context.Background(), plans, factory.Func(), Config{Concurrency: 1}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	infos := factory.Sessions()
	if len(infos) != len(plans) {
		t.Fatalf("got %d sessions, expected %d", len(infos), len(plans))
	}
	for i, info := range infos {
		if info.SessionID != plans[i].ID {
			t.Errorf("dispatch %d = %s, expected %s", i, info.SessionID, plans[i].ID)
		}
	}
}

type countingDriver struct {
	*drivertest.Fake
	active *atomic.Int32
}

func (d countingDriver) Close() error {
	d.active.Add(-1)
	return d.Fake.Close()
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	factory := func(ctx context.Context, info driver.SessionInfo) (driver.ActionDriver, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		fake := drivertest.New(buyButton)
		fake.Latency = 5 * time.Millisecond
		return countingDriver{Fake: fake, active: &active}, nil
	}

	out, err := newTestRunner().Run(context.Background(), testPlans(12), factory, Config{Concurrency: 3})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.Completed != 12 {
		t.Errorf("completed = %d, expected 12", out.Completed)
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, expected at most 3", got)
	}
	if got := active.Load(); got != 0 {
		t.Errorf("%d drivers left open", got)
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	factory := drivertest.NewFactory(func(info driver.SessionInfo) (*drivertest.Fake, error) {
		fake := drivertest.New(buyButton)
		if info.SessionID == "s-02" {
			fake.PanicOn = "navigate https://shop.test/shop"
		}
		return fake, nil
	})

	out, err := newTestRunner().Run(context.Background(), testPlans(5), factory.Func(), Config{Concurrency: 2})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.Completed != 4 || out.Failed != 1 {
		t.Errorf("completed/failed = %d/%d, expected 4/1", out.Completed, out.Failed)
	}
	for _, res := range out.Results {
		if res.SessionID == "s-02" && (res.FirstError == nil || res.FirstError.Kind != session.KindPanic) {
			t.Errorf("panicking session error = %+v, expected kind panic", res.FirstError)
		}
	}
}

func TestRun_EnvironmentUnavailable(t *testing.T) {
	factory := drivertest.NewFactory(func(driver.SessionInfo) (*drivertest.Fake, error) {
		return nil, fmt.Errorf("launch chrome: %w", driver.ErrUnavailable)
	})

	out, err := newTestRunner().Run(context.Background(), testPlans(4), factory.Func(), Config{Concurrency: 1})

	var envErr *EnvironmentError
	if !errors.As(err, &envErr) {
		t.Fatalf("error = %v, expected *EnvironmentError", err)
	}
	if !errors.Is(err, driver.ErrUnavailable) {
		t.Errorf("error does not wrap ErrUnavailable: %v", err)
	}
	if out.Done != 4 || out.Failed != 4 {
		t.Errorf("done/failed = %d/%d, expected 4/4", out.Done, out.Failed)
	}
	for _, res := range out.Results {
		if res.FirstError == nil || res.FirstError.Kind != session.KindEnvironment {
			t.Errorf("%s error = %+v, expected kind environment", res.SessionID, res.FirstError)
		}
	}
	if got := len(factory.Sessions()); got != 1 {
		t.Errorf("factory called %d times, expected dispatch to stop after 1", got)
	}
}

func TestRun_NoDriverEverCreated(t *testing.T) {
	factory := drivertest.NewFactory(func(driver.SessionInfo) (*drivertest.Fake, error) {
		return nil, errors.New("websocket handshake failed")
	})

	out, err := newTestRunner().Run(context.Background(), testPlans(3), factory.Func(), Config{Concurrency: 2})

	var envErr *EnvironmentError
	if !errors.As(err, &envErr) {
		t.Fatalf("error = %v, expected *EnvironmentError", err)
	}
	if out.Failed != 3 {
		t.Errorf("failed = %d, expected 3", out.Failed)
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	out, err := newTestRunner().Run(context.Background(), nil, drivertest.NewFactory(nil).Func(), Config{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.Total != 0 || out.Done != 0 || !out.Finished() {
		t.Errorf("outcome = %+v, expected an empty finished batch", out)
	}
}

func TestStart_CancelAbandonsAfterGrace(t *testing.T) {
	started := make(chan struct{}, 8)
	factory := drivertest.NewFactory(func(driver.SessionInfo) (*drivertest.Fake, error) {
		fake := drivertest.New(buyButton)
		fake.Latency = time.Minute
		started <- struct{}{}
		return fake, nil
	})

	h := newTestRunner().Start(context.Background(), testPlans(6), factory.Func(), Config{
		Workflow:    "checkout-flows",
		Concurrency: 2,
		GracePeriod: 20 * time.Millisecond,
	})
	<-started
	<-started
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	if out.Done != 6 || out.Failed != 6 {
		t.Errorf("done/failed = %d/%d, expected 6/6", out.Done, out.Failed)
	}
	if out.BatchID != h.ID() || out.Workflow != "checkout-flows" {
		t.Errorf("outcome labels = %q/%q", out.BatchID, out.Workflow)
	}
	for _, res := range out.Results {
		if res.FirstError == nil || res.FirstError.Kind != session.KindCancelled {
			t.Errorf("%s error = %+v, expected kind cancelled", res.SessionID, res.FirstError)
		}
	}
	if got := len(factory.Sessions()); got != 2 {
		t.Errorf("%d sessions dispatched, expected 2", got)
	}
}

// stubbornDriver blocks in Navigate until released, ignoring its context.
type stubbornDriver struct {
	*drivertest.Fake
	entered chan struct{}
	release chan struct{}
}

func (d stubbornDriver) Navigate(ctx context.Context, url string) error {
	d.entered <- struct{}{}
	<-d.release
	return nil
}

func TestStart_HungSessionReportedAfterHangTimeout(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	factory := func(ctx context.Context, info driver.SessionInfo) (driver.ActionDriver, error) {
		return stubbornDriver{Fake: drivertest.New(buyButton), entered: entered, release: release}, nil
	}

	h := newTestRunner().Start(context.Background(), testPlans(3), factory, Config{
		Concurrency: 1,
		HangTimeout: 20 * time.Millisecond,
	})
	<-entered
	h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if out.Done != 3 || out.Failed != 3 {
		t.Errorf("done/failed = %d/%d, expected 3/3", out.Done, out.Failed)
	}
	for _, res := range out.Results {
		if res.FirstError == nil || res.FirstError.Kind != session.KindCancelled {
			t.Errorf("%s error = %+v, expected kind cancelled", res.SessionID, res.FirstError)
		}
	}
}

func TestStart_GraceLetsSessionsFinish(t *testing.T) {
	started := make(chan struct{}, 8)
	factory := drivertest.NewFactory(func(driver.SessionInfo) (*drivertest.Fake, error) {
		fake := drivertest.New(buyButton)
		fake.Latency = 20 * time.Millisecond
		started <- struct{}{}
		return fake, nil
	})

	h := newTestRunner().Start(context.Background(), testPlans(4), factory.Func(), Config{
		Concurrency: 1,
		GracePeriod: 10 * time.Second,
	})
	<-started
	h.Cancel()
	<-h.Done()

	out := h.Snapshot()
	if out.Completed != 1 || out.Failed != 3 {
		t.Errorf("completed/failed = %d/%d, expected 1/3", out.Completed, out.Failed)
	}
}

func TestHandle_SnapshotWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	factory := func(ctx context.Context, info driver.SessionInfo) (driver.ActionDriver, error) {
		if info.SessionID == "s-02" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return drivertest.New(buyButton), nil
	}

	h := newTestRunner().Start(context.Background(), testPlans(3), factory, Config{Concurrency: 1})
	deadline := time.After(5 * time.Second)
	for h.Snapshot().Done < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for partial results")
		case <-time.After(time.Millisecond):
		}
	}
	snap := h.Snapshot()
	if snap.Finished() || snap.Completed != 2 {
		t.Errorf("snapshot = %d/%d completed %d, expected 2 of 3 in flight", snap.Done, snap.Total, snap.Completed)
	}
	once.Do(func() { close(release) })

	<-h.Done()
	if out := h.Snapshot(); out.Completed != 3 {
		t.Errorf("final completed = %d, expected 3", out.Completed)
	}
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	factory := func(ctx context.Context, info driver.SessionInfo) (driver.ActionDriver, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newTestRunner().Start(context.Background(), testPlans(1), factory, Config{})
	defer h.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, expected deadline exceeded", err)
	}
}
