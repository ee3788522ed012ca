package docker

import (
	"strconv"
	"time"

	"drmadapter/internal/drm"

	"github.com/docker/docker/api/types/container"
	"golang.org/x/sys/unix"
)

// usageSample is the cumulative resource usage of a container as of sampledAt.
// Counters only grow; a later sample never lowers them.
type usageSample struct {
	cpuNs      uint64
	userNs     uint64
	kernelNs   uint64
	maxMem     uint64
	readBytes  uint64
	writeBytes uint64
	readOps    uint64
	writeOps   uint64
	sampledAt  time.Time
}

func (s usageSample) merge(o usageSample) usageSample {
	return usageSample{
		cpuNs:      max(s.cpuNs, o.cpuNs),
		userNs:     max(s.userNs, o.userNs),
		kernelNs:   max(s.kernelNs, o.kernelNs),
		maxMem:     max(s.maxMem, o.maxMem),
		readBytes:  max(s.readBytes, o.readBytes),
		writeBytes: max(s.writeBytes, o.writeBytes),
		readOps:    max(s.readOps, o.readOps),
		writeOps:   max(s.writeOps, o.writeOps),
		sampledAt:  later(s.sampledAt, o.sampledAt),
	}
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// sampleFromStats extracts a usageSample from a one-shot stats response.
func sampleFromStats(st *container.StatsResponse) usageSample {
	s := usageSample{
		cpuNs:     st.CPUStats.CPUUsage.TotalUsage,
		userNs:    st.CPUStats.CPUUsage.UsageInUsermode,
		kernelNs:  st.CPUStats.CPUUsage.UsageInKernelmode,
		maxMem:    max(st.MemoryStats.MaxUsage, st.MemoryStats.Usage),
		sampledAt: st.Read,
	}
	for _, e := range st.BlkioStats.IoServiceBytesRecursive {
		switch e.Op {
		case "read", "Read":
			s.readBytes += e.Value
		case "write", "Write":
			s.writeBytes += e.Value
		}
	}
	for _, e := range st.BlkioStats.IoServicedRecursive {
		switch e.Op {
		case "read", "Read":
			s.readOps += e.Value
		case "write", "Write":
			s.writeOps += e.Value
		}
	}
	if s.sampledAt.IsZero() {
		s.sampledAt = time.Now()
	}
	return s
}

// stateOf maps a container's state to a job state.
func stateOf(st *container.State) drm.JobState {
	if st == nil {
		return drm.StateUndetermined
	}
	switch st.Status {
	case "created":
		return drm.StateQueuedActive
	case "running", "restarting":
		return drm.StateRunning
	case "paused":
		return drm.StateUserSuspended
	case "exited", "dead":
		if st.ExitCode == 0 && st.Error == "" && !st.OOMKilled {
			return drm.StateDone
		}
		return drm.StateFailed
	case "removing":
		return drm.StateFailed
	default:
		return drm.StateUndetermined
	}
}

// finished reports whether a container will not run again.
func finished(st *container.State) bool {
	if st == nil {
		return false
	}
	return st.Status == "exited" || st.Status == "dead"
}

// rawJobInfo builds the wait result for an exited container. Exit codes above
// 128 are reported as termination by signal, following the shell convention.
func rawJobInfo(id drm.JobID, st *container.State, s usageSample) *drm.RawJobInfo {
	info := &drm.RawJobInfo{
		JobID:         id,
		ExitStatus:    st.ExitCode,
		HasExited:     st.Error == "",
		WasAborted:    st.Error != "",
		ResourceUsage: accountingRecord(st, s),
	}
	if st.ExitCode > 128 && st.ExitCode < 128+65 {
		info.HasSignal = true
		info.TerminatingSignal = unix.SignalName(unix.Signal(st.ExitCode - 128))
	} else if st.OOMKilled {
		info.HasSignal = true
		info.TerminatingSignal = unix.SignalName(unix.SIGKILL)
	}
	return info
}

// accountingRecord renders usage with the key names and units of a grid
// engine accounting record, so the normalizer treats every backend alike.
// Sizes are plain byte counts.
func accountingRecord(st *container.State, s usageSample) map[string]string {
	rec := map[string]string{
		"exit_status":  strconv.Itoa(st.ExitCode),
		"ru_wallclock": formatFloat(wallClock(st)),
		"cpu":          formatFloat(nsToSeconds(s.cpuNs)),
		"ru_utime":     formatFloat(nsToSeconds(s.userNs)),
		"ru_stime":     formatFloat(nsToSeconds(s.kernelNs)),
		"ru_maxrss":    strconv.FormatUint(s.maxMem, 10),
		"maxvmem":      strconv.FormatUint(s.maxMem, 10),
		"ru_inblock":   strconv.FormatUint(s.readOps, 10),
		"ru_oublock":   strconv.FormatUint(s.writeOps, 10),
		"io":           formatFloat(float64(s.readBytes+s.writeBytes) / 1024),
	}
	return rec
}

func wallClock(st *container.State) float64 {
	started, err := time.Parse(time.RFC3339Nano, st.StartedAt)
	if err != nil || started.IsZero() {
		return 0
	}
	ended, err := time.Parse(time.RFC3339Nano, st.FinishedAt)
	if err != nil || ended.Before(started) {
		return 0
	}
	return ended.Sub(started).Seconds()
}

func nsToSeconds(ns uint64) float64 {
	return float64(ns) / float64(time.Second)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
