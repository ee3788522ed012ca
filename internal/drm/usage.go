package drm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
)

// ResourceUsage is vendor accounting validated into typed fields.
// Numeric fields default to zero when the vendor omits them. Size fields keep
// the vendor's textual form because units differ between resource managers.
type ResourceUsage struct {
	WallClock  float64 `mapstructure:"ru_wallclock"`
	CPU        float64 `mapstructure:"cpu"`
	UserTime   float64 `mapstructure:"ru_utime"`
	SystemTime float64 `mapstructure:"ru_stime"`

	AvgRSS float64 `mapstructure:"ru_ixrss"`
	MaxRSS string  `mapstructure:"ru_maxrss"`
	MaxVM  string  `mapstructure:"maxvmem"`
	Mem    float64 `mapstructure:"mem"`

	InBlock  float64 `mapstructure:"ru_inblock"`
	OutBlock float64 `mapstructure:"ru_oublock"`
	IOWait   float64 `mapstructure:"iow"`
	IO       float64 `mapstructure:"io"`

	VoluntaryCtxSwitches   float64 `mapstructure:"ru_nvcsw"`
	InvoluntaryCtxSwitches float64 `mapstructure:"ru_nivcsw"`

	// ExitStatus is the accounting record's own exit status. Resource
	// managers do not always agree with the wait result, so it is kept apart.
	ExitStatus *int `mapstructure:"exit_status"`
}

// JobInfo is a finished job with validated accounting.
type JobInfo struct {
	JobID             JobID
	ExitStatus        int
	HasExited         bool
	HasSignal         bool
	WasAborted        bool
	TerminatingSignal string
	Usage             ResourceUsage
}

// DecodeUsage validates a vendor usage map. Values are weakly typed, so "12",
// "12.0000" and "1.2e1" all decode into numeric fields. Unknown keys are ignored.
func DecodeUsage(raw map[string]string) (ResourceUsage, error) {
	var ru ResourceUsage
	if len(raw) == 0 {
		return ru, nil
	}

	// exit_status is reported as a float string ("137.0000") by some vendors,
	// which weak decoding cannot place into an int.
	in := make(map[string]any, len(raw))
	for k, v := range raw {
		in[k] = v
	}
	if v, ok := raw["exit_status"]; ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return ru, fmt.Errorf("invalid exit_status %q: %w", v, err)
		}
		if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
			return ru, fmt.Errorf("invalid exit_status %q: out of range", v)
		}
		in["exit_status"] = int(f)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &ru,
	})
	if err != nil {
		return ru, err
	}
	if err := dec.Decode(in); err != nil {
		return ru, fmt.Errorf("invalid resource usage: %w", err)
	}
	if err := validateSize("ru_maxrss", ru.MaxRSS); err != nil {
		return ru, err
	}
	if err := validateSize("maxvmem", ru.MaxVM); err != nil {
		return ru, err
	}
	return ru, nil
}

// validateSize accepts an empty value, a plain byte count, or a size with a
// binary unit suffix.
func validateSize(field, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return nil
	}
	if _, err := units.RAMInBytes(v); err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	return nil
}

// Validate converts a raw vendor record into a JobInfo.
func (r *RawJobInfo) Validate() (*JobInfo, error) {
	ru, err := DecodeUsage(r.ResourceUsage)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.JobID, err)
	}
	return &JobInfo{
		JobID:             r.JobID,
		ExitStatus:        r.ExitStatus,
		HasExited:         r.HasExited,
		HasSignal:         r.HasSignal,
		WasAborted:        r.WasAborted,
		TerminatingSignal: r.TerminatingSignal,
		Usage:             ru,
	}, nil
}
