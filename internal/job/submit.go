package job

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"drmadapter/internal/drm"
)

// Submitter submits tasks to the resource manager.
type Submitter struct {
	sessions SessionProvider
	metrics  MetricsRecorder
	environ  func() []string
}

// NewSubmitter creates a Submitter. metrics may be nil.
func NewSubmitter(sessions SessionProvider, metrics MetricsRecorder) *Submitter {
	return &Submitter{
		sessions: sessions,
		metrics:  metrics,
		environ:  os.Environ,
	}
}

// Submit runs task's script under the resource manager and records the job id
// on the task. Stdout and stderr go to the task's files, the job inherits the
// caller's environment, and the native specification is passed verbatim.
//
// A submission failure is logged with the task uid and native specification
// and returned unchanged.
func (s *Submitter) Submit(ctx context.Context, task *Task) (drm.JobID, error) {
	if err := task.validate(); err != nil {
		return 0, err
	}

	sess, err := s.sessions.Get(ctx)
	if err != nil {
		return 0, err
	}

	jt, err := sess.AllocateJobTemplate()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := sess.DeleteJobTemplate(jt); err != nil {
			slog.Warn("Failed to delete job template", "uid", task.UID, "error", err)
		}
	}()

	jt.JobName = task.UID
	jt.RemoteCommand = task.ScriptPath
	jt.OutputPath = ":" + task.StdoutPath
	jt.ErrorPath = ":" + task.StderrPath
	jt.JobEnvironment = environMap(s.environ())
	jt.NativeSpecification = task.NativeSpecification

	id, err := sess.RunJob(ctx, jt)
	if err != nil {
		slog.Error("Couldn't run task",
			"uid", task.UID,
			"nativeSpecification", jt.NativeSpecification,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.RecordSubmitFailed(ctx)
		}
		return 0, err
	}

	task.JobID = &id
	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx)
	}
	slog.Info("Task submitted", "uid", task.UID, "jobId", id)
	return id, nil
}

func environMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
