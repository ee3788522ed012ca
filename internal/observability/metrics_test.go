package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	metrics, handler, err := NewMetrics(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, metrics)
	assert.NotNil(t, handler)
}

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := newMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	return m, reader
}

// sums collects every int64 sum data point, keyed by metric name and the
// value of attr (empty when the point has no such attribute).
func sums(t *testing.T, reader *sdkmetric.ManualReader, attr attribute.Key) map[string]map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			points := make(map[string]int64)
			for _, dp := range sum.DataPoints {
				key := ""
				if v, ok := dp.Attributes.Value(attr); ok {
					key = v.Emit()
				}
				points[key] += dp.Value
			}
			out[md.Name] = points
		}
	}
	return out
}

func TestRecordJobMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.RecordJobSubmitted(ctx)
	m.RecordJobSubmitted(ctx)
	m.RecordJobSubmitted(ctx)
	m.RecordSubmitFailed(ctx)
	m.RecordJobCompleted(ctx, true, 5.5)
	m.RecordJobCompleted(ctx, false, 120)
	m.RecordJobRecovered(ctx)

	got := sums(t, reader, attrSuccess)
	assert.Equal(t, int64(3), got["jobs_submitted_total"][""])
	assert.Equal(t, int64(1), got["job_submit_failures_total"][""])
	assert.Equal(t, map[string]int64{"true": 1, "false": 1}, got["jobs_completed_total"])
	assert.Equal(t, int64(2), got["job_errors_total"][""])
	assert.Equal(t, int64(1), got["jobs_recovered_total"][""])
	assert.Equal(t, int64(0), got["jobs_outstanding"][""])
}

func TestRecordWaitFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.RecordWaitFailure(ctx, "ambiguous")
	m.RecordWaitFailure(ctx, "ambiguous")
	m.RecordWaitFailure(ctx, "other")

	got := sums(t, reader, attrKind)
	assert.Equal(t, map[string]int64{"ambiguous": 2, "other": 1}, got["drm_wait_failures_total"])
}

func TestRecordNotifyMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, reader := newTestMetrics(t)

	m.RecordNotifyDelivered(ctx, 0.05)
	m.RecordNotifyFailed(ctx)
	m.RecordNotifyDropped(ctx)
	m.RecordNotifyRequeued(ctx)
	m.RecordNotifyQueueSize(ctx, 4)

	got := sums(t, reader, attrKind)
	assert.Equal(t, int64(1), got["notify_delivered_total"][""])
	assert.Equal(t, int64(1), got["notify_failed_total"][""])
	assert.Equal(t, int64(1), got["notify_dropped_total"][""])
	assert.Equal(t, int64(1), got["notify_requeued_total"][""])
}
