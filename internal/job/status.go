package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"drmadapter/internal/drm"
)

// Status strings for jobs whose state cannot be reported.
const (
	StatusNoJob       = "?"  // no job id, or the resource manager does not know the job
	StatusQueryFailed = "??" // the status query itself failed
)

var stateDescriptions = map[drm.JobState]string{
	drm.StateUndetermined:     "process status cannot be determined",
	drm.StateQueuedActive:     "job is queued and active",
	drm.StateSystemOnHold:     "job is queued and in system hold",
	drm.StateUserOnHold:       "job is queued and in user hold",
	drm.StateUserSystemOnHold: "job is queued and in user and system hold",
	drm.StateRunning:          "job is running",
	drm.StateSystemSuspended:  "job is system suspended",
	drm.StateUserSuspended:    "job is user suspended",
	drm.StateDone:             "job finished normally",
	drm.StateFailed:           "job finished, but failed",
}

// IsUnknownStatus reports whether s is one of the unknown markers.
func IsUnknownStatus(s string) bool {
	return s == StatusNoJob || s == StatusQueryFailed
}

// Controller queries and terminates individual jobs.
type Controller struct {
	sessions SessionProvider
	logger   *slog.Logger
}

// NewController creates a Controller.
func NewController(sessions SessionProvider) *Controller {
	return &Controller{
		sessions: sessions,
		logger:   slog.With("component", "controller"),
	}
}

// Decode returns a human-readable state for task's job. It never fails:
// StatusNoJob is returned when the task has no job id or the job is unknown,
// StatusQueryFailed when the query could not be made.
func (c *Controller) Decode(ctx context.Context, task *Task) string {
	if task.JobID == nil {
		return StatusNoJob
	}
	sess, err := c.sessions.Get(ctx)
	if err != nil {
		return StatusQueryFailed
	}
	state, err := sess.JobStatus(ctx, *task.JobID)
	if err != nil {
		if drm.KindOf(err) == drm.KindNotFound {
			return StatusNoJob
		}
		return StatusQueryFailed
	}
	if desc, ok := stateDescriptions[state]; ok {
		return desc
	}
	return StatusQueryFailed
}

// Statuses decodes every submitted task, keyed by job id. Tasks without a job
// id are skipped.
func (c *Controller) Statuses(ctx context.Context, tasks []*Task) map[drm.JobID]string {
	out := make(map[drm.JobID]string, len(tasks))
	for _, t := range tasks {
		if t.JobID == nil {
			continue
		}
		out[*t.JobID] = c.Decode(ctx, t)
	}
	return out
}

// Kill asks the resource manager to terminate task's job. It does not wait
// for the job to stop. A task without a job id is a no-op.
func (c *Controller) Kill(ctx context.Context, task *Task) error {
	if task.JobID == nil {
		return nil
	}
	sess, err := c.sessions.Get(ctx)
	if err != nil {
		return err
	}
	if err := sess.Control(ctx, *task.JobID, drm.ActionTerminate); err != nil {
		return fmt.Errorf("terminate job %s (task %s): %w", *task.JobID, task.UID, err)
	}
	c.logger.Info("Job terminated", "jobId", *task.JobID, "uid", task.UID)
	return nil
}

// KillMany kills every task. A failure for one task does not stop the others;
// all failures are returned joined.
func (c *Controller) KillMany(ctx context.Context, tasks []*Task) error {
	var errs []error
	for _, t := range tasks {
		if err := c.Kill(ctx, t); err != nil {
			c.logger.Warn("Kill failed", "uid", t.UID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
