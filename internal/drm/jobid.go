package drm

import (
	"fmt"
	"strconv"
	"strings"
)

// JobID identifies a job in the resource manager. It is an integer on the wire.
type JobID int64

// ParseJobID parses the decimal form produced by JobID.String.
func ParseJobID(s string) (JobID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid job id %q: must be positive", s)
	}
	return JobID(n), nil
}

func (id JobID) String() string {
	return strconv.FormatInt(int64(id), 10)
}
