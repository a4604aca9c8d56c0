// Package api serves the HTTP interface for workflow submission, dry runs
// and backfills.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"backfill/internal/batch"
	"backfill/internal/collector"
	"backfill/internal/service"
	"backfill/internal/session"
	"backfill/internal/store"
	"backfill/internal/workflow"
)

// Backend is the part of service.Service the API exposes.
type Backend interface {
	Submit(ctx context.Context, raw []byte) (*workflow.Document, error)
	Workflow(ctx context.Context, name string) (*workflow.Document, error)
	Workflows(ctx context.Context) ([]store.Record, error)
	DeleteWorkflow(ctx context.Context, name string) error
	TestPath(ctx context.Context, name, pathID, targetURL string) (*session.Result, error)
	ValidatePaths(ctx context.Context, name, targetURL string) (*service.PathsReport, error)
	Backfill(ctx context.Context, req service.BackfillRequest) (*collector.Outcome, error)
	StartBackfill(ctx context.Context, req service.BackfillRequest) (*service.Job, error)
	Job(id string) (*service.Job, error)
	Jobs() []*service.Job
	CancelJob(id string) (*service.Job, error)
}

// Server holds the dependencies for the HTTP handlers.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

// NewServer creates a Server backed by b.
func NewServer(b Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: b, logger: logger}
}

// Echo builds the router with middleware and every route registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("backfill"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency))
			return nil
		},
	}))

	s.Register(e)
	return e
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.Health)

	e.PUT("/workflows", s.PutWorkflow)
	e.GET("/workflows", s.ListWorkflows)
	e.GET("/workflows/:name", s.GetWorkflow)
	e.DELETE("/workflows/:name", s.DeleteWorkflow)
	e.POST("/workflows/:name/test", s.TestPath)
	e.POST("/workflows/:name/validate", s.ValidatePaths)
	e.POST("/workflows/:name/backfills", s.StartBackfill)

	e.GET("/backfills", s.ListBackfills)
	e.GET("/backfills/:id", s.GetBackfill)
	e.DELETE("/backfills/:id", s.CancelBackfill)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	// Field names the offending document field for validation errors.
	Field string `json:"field,omitempty"`
	// Outcome accompanies environment failures, which still report every plan.
	Outcome *collector.Outcome `json:"outcome,omitempty"`
}

// apiError carries an outcome alongside a batch-level failure.
type apiError struct {
	err     error
	outcome *collector.Outcome
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var (
		httpErr *echo.HTTPError
		verr    *workflow.ValidationError
		envErr  *batch.EnvironmentError
		withOut *apiError
	)
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			body.Error = msg
		} else {
			body.Error = http.StatusText(status)
		}
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		body.Field = verr.Field
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, service.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.As(err, &envErr):
		status = http.StatusServiceUnavailable
	}
	if errors.As(err, &withOut) {
		body.Outcome = withOut.outcome
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}
