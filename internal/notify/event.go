package notify

import (
	"fmt"
	"time"

	"drmadapter/internal/job"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
)

// Event types.
const (
	TypeCompleted = "drm.job.completed"
	TypeFailed    = "drm.job.failed"
	TypeRecovered = "drm.job.recovered"
)

// CloudEvent is a CloudEvents 1.0 event in structured JSON mode.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// NewCompletionEvent builds the event for a finished task. The subject is the
// task uid; data carries the job id and the normalized outcome under the same
// keys the outcome uses in JSON.
func NewCompletionEvent(source string, c job.Completion) (*CloudEvent, error) {
	data := make(map[string]any)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &data,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(c.Info); err != nil {
		return nil, fmt.Errorf("encode outcome of task %s: %w", c.Task.UID, err)
	}
	if c.Task.JobID != nil {
		data["job_id"] = c.Task.JobID.String()
	}
	data["recovered"] = c.Recovered

	eventType := TypeCompleted
	switch {
	case c.Recovered:
		eventType = TypeRecovered
	case !c.Info.Successful:
		eventType = TypeFailed
	}

	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         c.Task.UID,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}, nil
}
