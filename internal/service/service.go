// Package service implements the inbound operations shared by the HTTP API,
// the MCP server and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"backfill/internal/allocate"
	"backfill/internal/batch"
	"backfill/internal/collector"
	"backfill/internal/core"
	"backfill/internal/driver"
	"backfill/internal/schedule"
	"backfill/internal/session"
	"backfill/internal/store"
	"backfill/internal/workflow"
)

var (
	// ErrInvalidRequest wraps malformed request parameters.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrJobNotFound is returned for unknown backfill job ids.
	ErrJobNotFound = errors.New("backfill job not found")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Defaults fill request fields left at their zero value.
type Defaults struct {
	Concurrency int
	Rate        float64
	GracePeriod time.Duration
	// Seed is used when a request carries none; zero draws a fresh seed.
	Seed int64
}

// Service owns the workflow registry, the automation runtime and the
// running backfill jobs.
type Service struct {
	store    store.Store
	launcher driver.Launcher
	defaults Defaults
	clock    core.Clock
	logger   *slog.Logger
	debug    *driver.DebugLogger

	// base parents job contexts so jobs outlive the request that started them.
	base     context.Context
	stopJobs context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

func WithDefaults(d Defaults) Option {
	return func(s *Service) { s.defaults = d }
}

func WithClock(c core.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDebug traces every driver call to log.
func WithDebug(log *driver.DebugLogger) Option {
	return func(s *Service) { s.debug = log }
}

// New returns a Service storing workflows in st and driving browsers
// obtained from launcher.
func New(st store.Store, launcher driver.Launcher, opts ...Option) *Service {
	s := &Service{
		store:    st,
		launcher: launcher,
		defaults: Defaults{Concurrency: 4, GracePeriod: batch.DefaultGracePeriod},
		clock:    core.RealClock{},
		logger:   slog.Default(),
		jobs:     make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.stopJobs = context.WithCancel(context.Background())
	return s
}

// Submit validates raw and stores it under its workflow_name, replacing any
// earlier version. Validation failures are returned as
// *workflow.ValidationError.
func (s *Service) Submit(ctx context.Context, raw []byte) (*workflow.Document, error) {
	doc, err := workflow.Validate(raw)
	if err != nil {
		return nil, err
	}
	encoded, err := workflow.Encode(doc)
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	if _, err := s.store.Put(ctx, doc.Name, encoded); err != nil {
		return nil, fmt.Errorf("store workflow: %w", err)
	}
	s.logger.InfoContext(ctx, "workflow stored",
		"workflow", doc.Name,
		"paths", len(doc.Paths),
		"accounts", len(doc.Accounts),
		"segments", len(doc.Segments))
	return doc, nil
}

// Workflow loads a stored workflow by name.
func (s *Service) Workflow(ctx context.Context, name string) (*workflow.Document, error) {
	rec, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	doc, err := workflow.Validate(rec.Document)
	if err != nil {
		return nil, fmt.Errorf("stored workflow %q no longer validates: %w", name, err)
	}
	return doc, nil
}

// Workflows lists stored workflows ordered by name.
func (s *Service) Workflows(ctx context.Context) ([]store.Record, error) {
	return s.store.List(ctx)
}

// DeleteWorkflow removes a stored workflow. Running jobs keep their copy.
func (s *Service) DeleteWorkflow(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, name); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "workflow deleted", "workflow", name)
	return nil
}

// BackfillRequest triggers a batch of historical sessions.
type BackfillRequest struct {
	Workflow  string `json:"workflow_name"`
	TargetURL string `json:"target_url"`
	// StartDate is a date (2006-01-02) or an RFC 3339 timestamp.
	StartDate   string       `json:"start_date"`
	DaySpan     int          `json:"day_span"`
	TotalUsers  int          `json:"total_users"`
	Concurrency int          `json:"concurrency_limit,omitempty"`
	Mode        session.Mode `json:"mode,omitempty"`
	Seed        int64        `json:"seed,omitempty"`
	// Rate caps session starts per second; zero uses the service default.
	Rate float64 `json:"rate,omitempty"`
}

// ParseStartDate accepts a calendar date, read as midnight UTC, or an
// RFC 3339 timestamp.
func ParseStartDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, invalidf("start_date %q must be YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func (r *BackfillRequest) check() (schedule.Window, error) {
	switch {
	case r.Workflow == "":
		return schedule.Window{}, invalidf("workflow_name is required")
	case r.TargetURL == "":
		return schedule.Window{}, invalidf("target_url is required")
	case r.DaySpan <= 0:
		return schedule.Window{}, invalidf("day_span must be positive, got %d", r.DaySpan)
	case int64(r.DaySpan) > schedule.MaxDays:
		return schedule.Window{}, invalidf("day_span must be at most %d, got %d", schedule.MaxDays, r.DaySpan)
	case r.TotalUsers < 0:
		return schedule.Window{}, invalidf("total_users must not be negative, got %d", r.TotalUsers)
	case r.Concurrency < 0:
		return schedule.Window{}, invalidf("concurrency_limit must not be negative, got %d", r.Concurrency)
	case r.Rate < 0:
		return schedule.Window{}, invalidf("rate must not be negative, got %g", r.Rate)
	}
	start, err := ParseStartDate(r.StartDate)
	if err != nil {
		return schedule.Window{}, err
	}
	return schedule.Window{Start: start, Days: r.DaySpan}, nil
}

// Prepared is a backfill ready to run: its plans are final and read-only.
type Prepared struct {
	Request  BackfillRequest
	Document *workflow.Document
	Plans    []session.Plan
}

// Prepare validates req, loads the workflow, allocates users and schedules
// their sessions. It fills Seed and Concurrency in the returned request.
func (s *Service) Prepare(ctx context.Context, req BackfillRequest) (*Prepared, error) {
	w, err := req.check()
	if err != nil {
		return nil, err
	}
	doc, err := s.Workflow(ctx, req.Workflow)
	if err != nil {
		return nil, err
	}
	return s.prepare(doc, req, w)
}

func (s *Service) prepare(doc *workflow.Document, req BackfillRequest, w schedule.Window) (*Prepared, error) {
	if req.Seed == 0 {
		req.Seed = s.defaults.Seed
	}
	if req.Seed == 0 {
		req.Seed = rand.Int63()
	}
	if req.Concurrency == 0 {
		req.Concurrency = s.defaults.Concurrency
	}
	if req.Rate == 0 {
		req.Rate = s.defaults.Rate
	}

	assignments, err := allocate.Allocate(doc, req.TotalUsers)
	if err != nil {
		return nil, invalidf("allocate: %v", err)
	}
	plans, err := schedule.Schedule(doc, assignments, w, req.Seed)
	if err != nil {
		return nil, invalidf("schedule: %v", err)
	}
	return &Prepared{Request: req, Document: doc, Plans: plans}, nil
}

func (s *Service) factory(targetURL string) driver.Factory {
	f := s.launcher.Factory(targetURL)
	if s.debug != nil {
		f = driver.WithDebug(f, s.debug)
	}
	return f
}

func (s *Service) runner(targetURL string) *batch.Runner {
	exec := session.NewExecutor(targetURL,
		session.WithClock(s.clock),
		session.WithLogger(s.logger))
	return batch.NewRunner(exec,
		batch.WithClock(s.clock),
		batch.WithLogger(s.logger))
}

func (s *Service) batchConfig(p *Prepared) batch.Config {
	return batch.Config{
		Workflow:    p.Document.Name,
		Seed:        p.Request.Seed,
		Mode:        p.Request.Mode,
		Concurrency: p.Request.Concurrency,
		Rate:        p.Request.Rate,
		GracePeriod: s.defaults.GracePeriod,
	}
}

// Backfill runs a batch to completion. The outcome accompanies a
// *batch.EnvironmentError.
func (s *Service) Backfill(ctx context.Context, req BackfillRequest) (*collector.Outcome, error) {
	p, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, p)
}

// Run executes a prepared backfill synchronously.
func (s *Service) Run(ctx context.Context, p *Prepared) (*collector.Outcome, error) {
	return s.runner(p.Request.TargetURL).Run(ctx, p.Plans, s.factory(p.Request.TargetURL), s.batchConfig(p))
}

// StartBackfill prepares a batch and runs it in the background. The job
// survives the caller's context; cancel it with CancelJob.
func (s *Service) StartBackfill(ctx context.Context, req BackfillRequest) (*Job, error) {
	p, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.Start(p), nil
}

// Start launches a prepared backfill as a job.
func (s *Service) Start(p *Prepared) *Job {
	cfg := s.batchConfig(p)
	cfg.ID = uuid.NewString()
	h := s.runner(p.Request.TargetURL).Start(s.base, p.Plans, s.factory(p.Request.TargetURL), cfg)

	job := &Job{
		ID:        cfg.ID,
		Request:   p.Request,
		CreatedAt: s.clock.Now(),
		handle:    h,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-h.Done()
		if err := h.Err(); err != nil {
			s.logger.Error("backfill job failed", "batch_id", job.ID, "error", err)
		}
	}()
	return job
}

// Job returns a job by id.
func (s *Service) Job(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	return job, nil
}

// Jobs returns every job, newest first.
func (s *Service) Jobs() []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CancelJob stops dispatch for a job. In-flight sessions get the grace
// period and every plan still gets a result.
func (s *Service) CancelJob(id string) (*Job, error) {
	job, err := s.Job(id)
	if err != nil {
		return nil, err
	}
	job.cancelled.Store(true)
	job.handle.Cancel()
	return job, nil
}

// Close cancels running jobs, waits for them, and shuts the runtime down.
func (s *Service) Close() error {
	s.stopJobs()
	s.wg.Wait()
	var errs []error
	if s.launcher != nil {
		errs = append(errs, s.launcher.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}
