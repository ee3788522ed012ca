// Package drmtest provides a scripted in-memory drm.Backend for tests.
package drmtest

import (
	"context"
	"sync"
	"time"

	"drmadapter/internal/drm"
)

// WaitStep is one scripted Wait outcome.
type WaitStep struct {
	Info *drm.RawJobInfo
	Err  error
}

type statusResult struct {
	state drm.JobState
	err   error
}

// Backend is a drm.Backend driven by scripted responses. Wait returns queued
// steps in order and reports ErrnoExitTimeout once the queue is empty.
type Backend struct {
	mu sync.Mutex

	nextID     drm.JobID
	nextHandle uint64
	templates  map[uint64]bool
	submitted  []drm.JobTemplate
	waits      []WaitStep
	statuses   map[drm.JobID]statusResult
	runErr     error
	controlErr map[drm.JobID]error
	controlled []drm.JobID
	calls      map[string]int
	closed     bool
}

// New creates an empty scripted backend.
func New() *Backend {
	return &Backend{
		nextID:     1,
		templates:  make(map[uint64]bool),
		statuses:   make(map[drm.JobID]statusResult),
		controlErr: make(map[drm.JobID]error),
		calls:      make(map[string]int),
	}
}

// QueueWait appends Wait outcomes.
func (b *Backend) QueueWait(steps ...WaitStep) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waits = append(b.waits, steps...)
}

// Finished is a WaitStep reporting a job that exited with code.
func Finished(id drm.JobID, code int, usage map[string]string) WaitStep {
	return WaitStep{Info: &drm.RawJobInfo{
		JobID:         id,
		ExitStatus:    code,
		HasExited:     true,
		ResourceUsage: usage,
	}}
}

// Failed is a WaitStep reporting a vendor error.
func Failed(code drm.Errno, msg string) WaitStep {
	return WaitStep{Err: drm.NewVendorError(code, "%s", msg)}
}

// SetStatus scripts the JobStatus answer for id.
func (b *Backend) SetStatus(id drm.JobID, state drm.JobState, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[id] = statusResult{state: state, err: err}
}

// FailRun makes every RunJob call fail with err.
func (b *Backend) FailRun(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runErr = err
}

// FailControl makes Control fail for id.
func (b *Backend) FailControl(id drm.JobID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.controlErr[id] = err
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.calls {
		total += n
	}
	return total
}

// OpenTemplates returns the number of allocated but not deleted templates.
func (b *Backend) OpenTemplates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.templates)
}

// Submitted returns copies of the templates passed to RunJob.
func (b *Backend) Submitted() []drm.JobTemplate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]drm.JobTemplate(nil), b.submitted...)
}

// Controlled returns the ids Control was attempted on, in call order.
func (b *Backend) Controlled() []drm.JobID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]drm.JobID(nil), b.controlled...)
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) AllocateJobTemplate() (*drm.JobTemplate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["allocateJobTemplate"]++
	b.nextHandle++
	b.templates[b.nextHandle] = true
	return drm.NewJobTemplate(b.nextHandle), nil
}

func (b *Backend) DeleteJobTemplate(jt *drm.JobTemplate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["deleteJobTemplate"]++
	if !b.templates[jt.Handle()] {
		return drm.NewVendorError(drm.ErrnoInvalidArgument, "unknown job template")
	}
	delete(b.templates, jt.Handle())
	return nil
}

func (b *Backend) RunJob(ctx context.Context, jt *drm.JobTemplate) (drm.JobID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["runJob"]++
	if b.runErr != nil {
		return 0, b.runErr
	}
	b.submitted = append(b.submitted, *jt)
	id := b.nextID
	b.nextID++
	return id, nil
}

func (b *Backend) Wait(ctx context.Context, timeout time.Duration) (*drm.RawJobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["wait"]++
	if len(b.waits) == 0 {
		return nil, drm.NewVendorError(drm.ErrnoExitTimeout, "time-out elapsed")
	}
	step := b.waits[0]
	b.waits = b.waits[1:]
	return step.Info, step.Err
}

func (b *Backend) JobStatus(ctx context.Context, id drm.JobID) (drm.JobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["jobStatus"]++
	res, ok := b.statuses[id]
	if !ok {
		return drm.StateUndetermined, drm.NewVendorError(drm.ErrnoInvalidJob, "the job specified by the 'jobid' does not exist")
	}
	return res.state, res.err
}

func (b *Backend) Control(ctx context.Context, id drm.JobID, action drm.ControlAction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["control"]++
	b.controlled = append(b.controlled, id)
	return b.controlErr[id]
}

func (b *Backend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ping"]++
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ drm.Backend = (*Backend)(nil)
