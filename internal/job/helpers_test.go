package job

import (
	"context"
	"sync"
	"testing"

	"drmadapter/internal/drm"
	"drmadapter/internal/drm/drmtest"
	"drmadapter/internal/session"
)

func newTestSessions(t *testing.T) (*session.Manager, *drmtest.Backend) {
	t.Helper()
	backend := drmtest.New()
	m := session.NewManager(func(ctx context.Context) (drm.Backend, error) {
		return backend, nil
	})
	t.Cleanup(func() { _ = m.Close() })
	return m, backend
}

func submittedTask(uid string, id drm.JobID) *Task {
	return &Task{
		UID:        uid,
		ScriptPath: "/work/" + uid + "/command.bash",
		StdoutPath: "/work/" + uid + "/stdout.txt",
		StderrPath: "/work/" + uid + "/stderr.txt",
		JobID:      &id,
	}
}

func outstandingOf(tasks ...*Task) map[drm.JobID]*Task {
	m := make(map[drm.JobID]*Task, len(tasks))
	for _, t := range tasks {
		m[*t.JobID] = t
	}
	return m
}

func drain(c *Completions) []Completion {
	var out []Completion
	for c.Next() {
		out = append(out, c.Completion())
	}
	return out
}

type fakeMetrics struct {
	mu           sync.Mutex
	submitted    int
	submitFailed int
	completed    int
	failed       int
	recovered    int
	waitFailures map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{waitFailures: make(map[string]int)}
}

func (m *fakeMetrics) RecordJobSubmitted(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted++
}

func (m *fakeMetrics) RecordSubmitFailed(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitFailed++
}

func (m *fakeMetrics) RecordJobCompleted(ctx context.Context, successful bool, wallSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
	if !successful {
		m.failed++
	}
}

func (m *fakeMetrics) RecordJobRecovered(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovered++
}

func (m *fakeMetrics) RecordWaitFailure(ctx context.Context, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waitFailures[kind]++
}
