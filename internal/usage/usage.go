// Package usage converts resource-manager accounting into the normalized
// outcome record handed to the workflow engine.
package usage

import (
	"strconv"
	"strings"

	"drmadapter/internal/drm"

	"github.com/docker/go-units"
)

// Exit codes from sysexits.h.
const (
	ExitSoftware = 70 // EX_SOFTWARE: the job failed but reported no usable exit code
	ExitTempFail = 75 // EX_TEMPFAIL: the job vanished and its outcome was inferred
)

// Info is the normalized outcome of a finished job. It is never modified after
// creation. Pointer fields are always nil: no resource manager reports them.
type Info struct {
	ExitStatus int  `json:"exit_status"`
	Successful bool `json:"successful"`

	PercentCPU float64 `json:"percent_cpu"`
	WallTime   float64 `json:"wall_time"`
	CPUTime    float64 `json:"cpu_time"`
	UserTime   float64 `json:"user_time"`
	SystemTime float64 `json:"system_time"`

	AvgRSSMem   float64  `json:"avg_rss_mem"`
	MaxRSSMemKB float64  `json:"max_rss_mem_kb"`
	AvgVMSMemKB *float64 `json:"avg_vms_mem_kb"`
	MaxVMSMemKB float64  `json:"max_vms_mem_kb"`

	IOReadCount  int64   `json:"io_read_count"`
	IOWriteCount int64   `json:"io_write_count"`
	IOWait       float64 `json:"io_wait"`
	IOReadKB     float64 `json:"io_read_kb"`
	IOWriteKB    float64 `json:"io_write_kb"`

	CtxSwitchVoluntary   int64 `json:"ctx_switch_voluntary"`
	CtxSwitchInvoluntary int64 `json:"ctx_switch_involuntary"`

	AvgNumThreads *int `json:"avg_num_threads"`
	MaxNumThreads *int `json:"max_num_threads"`
	AvgNumFDs     *int `json:"avg_num_fds"`
	MaxNumFDs     *int `json:"max_num_fds"`

	Memory float64 `json:"memory"`
}

// Normalize converts a finished job's accounting into an Info.
//
// A job is successful only if it exited on its own with status 0, without a
// signal and without being aborted. Any other outcome is reported with a
// non-zero exit status, taken from the accounting record when the wait result
// carries 0, and ExitSoftware when both are 0.
func Normalize(ji *drm.JobInfo) Info {
	u := ji.Usage

	// Sizes were validated by drm.DecodeUsage.
	maxRSS, _ := SizeToKB(u.MaxRSS)
	maxVMS, _ := SizeToKB(u.MaxVM)

	info := Info{
		ExitStatus: ji.ExitStatus,

		PercentCPU: PercentCPU(u.CPU, u.WallClock),
		WallTime:   u.WallClock,
		CPUTime:    u.CPU,
		UserTime:   u.UserTime,
		SystemTime: u.SystemTime,

		AvgRSSMem:   u.AvgRSS,
		MaxRSSMemKB: maxRSS,
		MaxVMSMemKB: maxVMS,

		IOReadCount:  int64(u.InBlock),
		IOWriteCount: int64(u.OutBlock),
		IOWait:       u.IOWait,
		IOReadKB:     u.IO,
		IOWriteKB:    u.IO,

		CtxSwitchVoluntary:   int64(u.VoluntaryCtxSwitches),
		CtxSwitchInvoluntary: int64(u.InvoluntaryCtxSwitches),

		Memory: u.Mem,
	}

	failed := ji.ExitStatus != 0 || ji.HasSignal || ji.WasAborted || !ji.HasExited
	if !failed {
		info.Successful = true
		return info
	}

	if info.ExitStatus == 0 && u.ExitStatus != nil {
		info.ExitStatus = *u.ExitStatus
	}
	if info.ExitStatus == 0 {
		info.ExitStatus = ExitSoftware
	}
	return info
}

// Fallback returns a record for a job whose accounting is unavailable.
// All metrics are zero.
func Fallback(exitStatus int) Info {
	return Info{
		ExitStatus: exitStatus,
		Successful: exitStatus == 0,
	}
}

// PercentCPU is cpu/wall. A zero wall time yields 1, not 0 or NaN; the engine
// relies on that convention for jobs that finish within the clock resolution.
func PercentCPU(cpu, wall float64) float64 {
	if wall == 0 {
		return 1
	}
	return cpu / wall
}

// SizeToKB converts a vendor size to kibibytes. Plain numbers are bytes.
// Suffixed values (K, M, G, T with optional "iB"/"B") are binary multiples.
// An empty value is 0.
func SizeToKB(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if b, err := strconv.ParseFloat(s, 64); err == nil {
		return b / 1024, nil
	}
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return float64(b) / 1024, nil
}
