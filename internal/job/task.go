// Package job submits workflow tasks to a resource manager and reports their
// outcomes back to the engine.
package job

import (
	"context"

	"drmadapter/internal/apperrors"
	"drmadapter/internal/drm"
)

// Task is the engine's unit of work as seen by the resource manager adapter.
type Task struct {
	UID                 string
	ScriptPath          string
	StdoutPath          string
	StderrPath          string
	NativeSpecification string // Passed to the resource manager uninterpreted

	// JobID is set once the task has been submitted.
	JobID *drm.JobID
}

// Submitted reports whether the task has a job id.
func (t *Task) Submitted() bool {
	return t.JobID != nil
}

func (t *Task) validate() error {
	if t.UID == "" {
		return apperrors.Validation("uid", "task uid is required")
	}
	if t.ScriptPath == "" {
		return apperrors.Validation("scriptPath", "script path is required")
	}
	if t.StdoutPath == "" {
		return apperrors.Validation("stdoutPath", "stdout path is required")
	}
	if t.StderrPath == "" {
		return apperrors.Validation("stderrPath", "stderr path is required")
	}
	return nil
}

// SessionProvider hands out the shared resource-manager session.
// Implemented by *session.Manager.
type SessionProvider interface {
	Get(ctx context.Context) (*drm.Session, error)
}

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context)
	RecordSubmitFailed(ctx context.Context)
	RecordJobCompleted(ctx context.Context, successful bool, wallSeconds float64)
	RecordJobRecovered(ctx context.Context)
	RecordWaitFailure(ctx context.Context, kind string)
}
