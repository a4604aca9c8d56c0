package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"backfill/internal/batch"
	"backfill/internal/collector"
)

// JobState is the lifecycle state of a backfill job.
type JobState string

const (
	JobRunning JobState = "running"
	// JobFinished means every plan has a result; sessions may still have failed.
	JobFinished  JobState = "finished"
	JobCancelled JobState = "cancelled"
	// JobFailed means the automation environment was unavailable.
	JobFailed JobState = "failed"
)

// Job is a backfill running in the background.
type Job struct {
	ID        string
	Request   BackfillRequest
	CreatedAt time.Time

	handle    *batch.Handle
	cancelled atomic.Bool
}

// Done is closed once the job has a result for every plan.
func (j *Job) Done() <-chan struct{} { return j.handle.Done() }

// Snapshot returns partial results while running and the final outcome after.
func (j *Job) Snapshot() *collector.Outcome { return j.handle.Snapshot() }

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) (*collector.Outcome, error) {
	return j.handle.Wait(ctx)
}

// Status is a point-in-time view of a job.
type Status struct {
	ID        string             `json:"batch_id"`
	State     JobState           `json:"state"`
	Request   BackfillRequest    `json:"request"`
	CreatedAt time.Time          `json:"created_at"`
	Error     string             `json:"error,omitempty"`
	Outcome   *collector.Outcome `json:"outcome"`
}

// Status reports the job's state and current outcome.
func (j *Job) Status() Status {
	st := Status{
		ID:        j.ID,
		State:     JobRunning,
		Request:   j.Request,
		CreatedAt: j.CreatedAt,
		Outcome:   j.handle.Snapshot(),
	}
	select {
	case <-j.handle.Done():
	default:
		return st
	}

	err := j.handle.Err()
	var envErr *batch.EnvironmentError
	switch {
	case errors.As(err, &envErr):
		st.State = JobFailed
		st.Error = err.Error()
	case j.cancelled.Load():
		st.State = JobCancelled
	default:
		st.State = JobFinished
	}
	return st
}
