package drm

// JobState is the coarse state of a job as reported by the resource manager.
type JobState int

// DRMAA v1 job states.
const (
	StateUndetermined JobState = iota
	StateQueuedActive
	StateSystemOnHold
	StateUserOnHold
	StateUserSystemOnHold
	StateRunning
	StateSystemSuspended
	StateUserSuspended
	StateDone
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateUndetermined:
		return "undetermined"
	case StateQueuedActive:
		return "queued_active"
	case StateSystemOnHold:
		return "system_on_hold"
	case StateUserOnHold:
		return "user_on_hold"
	case StateUserSystemOnHold:
		return "user_system_on_hold"
	case StateRunning:
		return "running"
	case StateSystemSuspended:
		return "system_suspended"
	case StateUserSuspended:
		return "user_suspended"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Finished reports whether the job can no longer make progress.
// Undetermined counts as finished: nothing more can be learned about the job.
func (s JobState) Finished() bool {
	return s == StateDone || s == StateFailed || s == StateUndetermined
}

// ControlAction is a job control operation.
type ControlAction int

const (
	ActionSuspend ControlAction = iota
	ActionResume
	ActionHold
	ActionRelease
	ActionTerminate
)

func (a ControlAction) String() string {
	switch a {
	case ActionSuspend:
		return "suspend"
	case ActionResume:
		return "resume"
	case ActionHold:
		return "hold"
	case ActionRelease:
		return "release"
	case ActionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}
