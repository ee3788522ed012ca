// Package drm is the boundary to an external distributed resource manager.
//
// A Backend is the vendor job-control API, shaped after DRMAA v1: job templates,
// run, wait-any, point status queries and job control. Backends report failures
// as vendor errors; Session translates them once into a small closed set of
// kinds so the rest of the module never inspects vendor error text.
package drm

import (
	"context"
	"time"
)

// Backend is the external job-control API of a resource manager.
//
// Implementations are not required to be safe for concurrent use. Callers are
// expected to drive a backend from one coordinating goroutine at a time.
type Backend interface {
	// AllocateJobTemplate creates a submission descriptor. Every allocated
	// template must be released with DeleteJobTemplate.
	AllocateJobTemplate() (*JobTemplate, error)

	// DeleteJobTemplate releases a descriptor created by AllocateJobTemplate.
	DeleteJobTemplate(jt *JobTemplate) error

	// RunJob submits a job described by jt and returns its identifier.
	RunJob(ctx context.Context, jt *JobTemplate) (JobID, error)

	// Wait blocks until any job of the session finishes or the timeout expires,
	// and reaps the finished job. Expiry is reported as ErrnoExitTimeout and an
	// empty session as ErrnoInvalidJob.
	Wait(ctx context.Context, timeout time.Duration) (*RawJobInfo, error)

	// JobStatus returns the current state of one job. Unknown or already
	// reaped jobs are reported as ErrnoInvalidJob.
	JobStatus(ctx context.Context, id JobID) (JobState, error)

	// Control applies a control action to one job without waiting for it to
	// take effect.
	Control(ctx context.Context, id JobID, action ControlAction) error

	// Ping verifies the resource manager is reachable.
	Ping(ctx context.Context) error

	// Close ends the session. Jobs already submitted keep running.
	Close() error
}

// RawJobInfo is the vendor record for one finished job.
type RawJobInfo struct {
	JobID             JobID
	ExitStatus        int
	HasExited         bool
	HasSignal         bool
	WasAborted        bool
	HasCoreDump       bool
	TerminatingSignal string

	// ResourceUsage holds vendor accounting keyed by DRMAA/SGE names
	// (ru_wallclock, cpu, maxvmem, ...). Values are untyped strings.
	ResourceUsage map[string]string
}
