package drm

import (
	"context"
	"log/slog"
	"time"
)

// Session is the boundary over a Backend. Failures leaving a Session are
// classified (see Classify) and raw accounting is validated into JobInfo.
type Session struct {
	backend Backend
	logger  *slog.Logger
}

// NewSession wraps a Backend.
func NewSession(backend Backend) *Session {
	return &Session{
		backend: backend,
		logger:  slog.With("component", "drm"),
	}
}

// AllocateJobTemplate creates a submission descriptor.
func (s *Session) AllocateJobTemplate() (*JobTemplate, error) {
	jt, err := s.backend.AllocateJobTemplate()
	return jt, Classify("allocateJobTemplate", err)
}

// DeleteJobTemplate releases a submission descriptor.
func (s *Session) DeleteJobTemplate(jt *JobTemplate) error {
	return Classify("deleteJobTemplate", s.backend.DeleteJobTemplate(jt))
}

// RunJob submits a job.
func (s *Session) RunJob(ctx context.Context, jt *JobTemplate) (JobID, error) {
	id, err := s.backend.RunJob(ctx, jt)
	return id, Classify("runJob", err)
}

// Wait blocks until any job finishes or timeout expires.
func (s *Session) Wait(ctx context.Context, timeout time.Duration) (*JobInfo, error) {
	raw, err := s.backend.Wait(ctx, timeout)
	if err != nil {
		return nil, Classify("wait", err)
	}
	info, err := raw.Validate()
	if err != nil {
		s.logger.Error("Invalid accounting record", "jobId", raw.JobID, "error", err)
		return nil, &RecordError{JobID: raw.JobID, Err: err}
	}
	return info, nil
}

// RecordError is returned by Session.Wait when a job finished but its
// accounting record could not be validated. The job has been reaped.
type RecordError struct {
	JobID JobID
	Err   error
}

func (e *RecordError) Error() string {
	return "invalid accounting record: " + e.Err.Error()
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// JobStatus returns the state of one job.
func (s *Session) JobStatus(ctx context.Context, id JobID) (JobState, error) {
	state, err := s.backend.JobStatus(ctx, id)
	return state, Classify("jobStatus", err)
}

// Control applies a control action to one job.
func (s *Session) Control(ctx context.Context, id JobID, action ControlAction) error {
	return Classify("control", s.backend.Control(ctx, id, action))
}

// Ready checks the resource manager is reachable.
func (s *Session) Ready(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close ends the session.
func (s *Session) Close() error {
	return s.backend.Close()
}
