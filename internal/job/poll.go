package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"drmadapter/internal/drm"
	"drmadapter/internal/usage"
)

// DefaultWaitTimeout bounds each blocking wait on the resource manager.
const DefaultWaitTimeout = time.Second

// ErrDesync means the caller's outstanding jobs and the resource manager's
// view of the session disagree. It is a programming error and is never retried.
var ErrDesync = errors.New("outstanding jobs out of sync with resource manager")

// Completion is one finished task with its normalized outcome.
type Completion struct {
	Task *Task
	Info usage.Info

	// Recovered is true when the outcome was inferred because the resource
	// manager lost the job's accounting.
	Recovered bool
}

// Poller reaps finished jobs from the resource manager.
type Poller struct {
	sessions SessionProvider
	timeout  time.Duration
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// NewPoller creates a Poller. A non-positive timeout uses DefaultWaitTimeout.
// metrics may be nil.
func NewPoller(sessions SessionProvider, timeout time.Duration, metrics MetricsRecorder) *Poller {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return &Poller{
		sessions: sessions,
		timeout:  timeout,
		metrics:  metrics,
		logger:   slog.With("component", "poller"),
	}
}

// Wait returns the completions of jobs in outstanding, keyed by job id.
//
// The sequence is pulled with Next. Each finished job is removed from
// outstanding as it is yielded, so every job is reported exactly once across
// any number of Wait calls on the same map. The sequence ends when outstanding
// is empty or when a wait times out with jobs still pending; the caller then
// calls Wait again for the next polling cycle.
//
// outstanding is owned by the caller and must not be used concurrently
// while the sequence is being drained.
func (p *Poller) Wait(ctx context.Context, outstanding map[drm.JobID]*Task) *Completions {
	return &Completions{
		ctx:         ctx,
		poller:      p,
		outstanding: outstanding,
	}
}

// Completions is a pull-based sequence of finished jobs, used like
// bufio.Scanner:
//
//	c := poller.Wait(ctx, outstanding)
//	for c.Next() {
//		handle(c.Completion())
//	}
//	if err := c.Err(); err != nil { ... }
type Completions struct {
	ctx         context.Context
	poller      *Poller
	outstanding map[drm.JobID]*Task

	session   *drm.Session
	recovered []Completion
	current   Completion
	done      bool
	err       error
}

// Next advances to the next completion. It may block for up to the poller's
// wait timeout per call to the resource manager. It returns false when the
// cycle is over or an error occurred; see Err.
func (c *Completions) Next() bool {
	if c.done {
		return false
	}
	if len(c.recovered) > 0 {
		c.current, c.recovered = c.recovered[0], c.recovered[1:]
		return true
	}

	for len(c.outstanding) > 0 {
		if err := c.ctx.Err(); err != nil {
			return c.fail(err)
		}
		if c.session == nil {
			sess, err := c.poller.sessions.Get(c.ctx)
			if err != nil {
				return c.fail(err)
			}
			c.session = sess
		}

		info, err := c.session.Wait(c.ctx, c.poller.timeout)
		if err == nil {
			return c.yield(info)
		}
		var recErr *drm.RecordError
		if errors.As(err, &recErr) {
			return c.yieldUnaccounted(recErr)
		}

		switch drm.KindOf(err) {
		case drm.KindTimeout:
			// Jobs are queued or running, none finished yet.
			return c.finish()

		case drm.KindNotFound:
			c.recordWaitFailure(drm.KindNotFound)
			return c.fail(fmt.Errorf("%w: waiting on %d jobs unknown to the session: %v",
				ErrDesync, len(c.outstanding), err))

		case drm.KindAmbiguous:
			c.recordWaitFailure(drm.KindAmbiguous)
			c.poller.logger.Warn("Wait failed without naming a job, an outstanding job may have been killed",
				"outstanding", len(c.outstanding),
				"error", err,
			)
			c.recoverLost()
			if len(c.recovered) > 0 {
				c.current, c.recovered = c.recovered[0], c.recovered[1:]
				return true
			}

		default:
			c.recordWaitFailure(drm.KindOther)
			return c.fail(err)
		}
	}
	return c.finish()
}

// Completion returns the completion produced by the last successful Next.
func (c *Completions) Completion() Completion {
	return c.current
}

// Err returns the error that ended the sequence, or nil if it ended because
// the cycle finished.
func (c *Completions) Err() error {
	return c.err
}

func (c *Completions) yield(ji *drm.JobInfo) bool {
	task, ok := c.outstanding[ji.JobID]
	if !ok {
		return c.fail(fmt.Errorf("%w: resource manager returned job %s which is not outstanding",
			ErrDesync, ji.JobID))
	}
	delete(c.outstanding, ji.JobID)

	info := usage.Normalize(ji)
	if m := c.poller.metrics; m != nil {
		m.RecordJobCompleted(c.ctx, info.Successful, info.WallTime)
	}
	c.current = Completion{Task: task, Info: info}
	return true
}

// yieldUnaccounted reports a reaped job whose accounting was unusable as a
// failure, the same way a lost job is reported.
func (c *Completions) yieldUnaccounted(recErr *drm.RecordError) bool {
	task, ok := c.outstanding[recErr.JobID]
	if !ok {
		return c.fail(fmt.Errorf("%w: resource manager returned job %s which is not outstanding",
			ErrDesync, recErr.JobID))
	}
	delete(c.outstanding, recErr.JobID)

	c.poller.logger.Warn("Inferred job failure", "jobId", recErr.JobID, "uid", task.UID, "error", recErr.Err)
	if m := c.poller.metrics; m != nil {
		m.RecordJobRecovered(c.ctx)
	}
	c.current = Completion{
		Task:      task,
		Info:      usage.Fallback(usage.ExitTempFail),
		Recovered: true,
	}
	return true
}

// recoverLost checks every outstanding job individually and infers a failure for
// each job that has finished or can no longer be found. It never fails: a
// status query error classifies that job as failed.
func (c *Completions) recoverLost() {
	ids := make([]drm.JobID, 0, len(c.outstanding))
	for id := range c.outstanding {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		state, err := c.session.JobStatus(c.ctx, id)
		switch {
		case err == nil:
		case drm.KindOf(err) == drm.KindNotFound:
			state = drm.StateFailed
		default:
			state = drm.StateUndetermined
		}
		if !state.Finished() {
			continue
		}

		task := c.outstanding[id]
		delete(c.outstanding, id)
		c.recovered = append(c.recovered, Completion{
			Task:      task,
			Info:      usage.Fallback(usage.ExitTempFail),
			Recovered: true,
		})
		c.poller.logger.Warn("Inferred job failure", "jobId", id, "uid", task.UID, "state", state.String())
		if m := c.poller.metrics; m != nil {
			m.RecordJobRecovered(c.ctx)
		}
	}
}

func (c *Completions) recordWaitFailure(kind drm.Kind) {
	if m := c.poller.metrics; m != nil {
		m.RecordWaitFailure(c.ctx, kind.String())
	}
}

func (c *Completions) finish() bool {
	c.done = true
	return false
}

func (c *Completions) fail(err error) bool {
	c.err = err
	c.done = true
	return false
}
