package observability

import (
	"context"
	"net/http"

	"drmadapter/internal/job"
	"drmadapter/internal/notify"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the adapter's metrics:
// - Traffic: jobs submitted and completed
// - Errors: submission failures, failed jobs, wait failures by kind
// - Latency: job wall time, notification delivery time
// - Saturation: outstanding jobs, notification queue size
type Metrics struct {
	meter metric.Meter

	// Job metrics
	JobsSubmitted     metric.Int64Counter
	JobSubmitFailures metric.Int64Counter
	JobsCompleted     metric.Int64Counter
	JobErrorsTotal    metric.Int64Counter
	JobsRecovered     metric.Int64Counter
	JobWallTime       metric.Float64Histogram
	JobsOutstanding   metric.Int64UpDownCounter
	WaitFailures      metric.Int64Counter

	// Notifier metrics
	NotifyDuration   metric.Float64Histogram
	NotifyDelivered  metric.Int64Counter
	NotifyFailed     metric.Int64Counter
	NotifyDropped    metric.Int64Counter
	NotifyRequeued   metric.Int64Counter
	NotifyQueueSize  metric.Int64Gauge
	NotifyBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider)
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("drmadapter")
	m := &Metrics{meter: meter}
	var err error

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted to the resource manager"),
	)
	if err != nil {
		return nil, err
	}

	m.JobSubmitFailures, err = meter.Int64Counter(
		"job_submit_failures_total",
		metric.WithDescription("Total number of rejected job submissions"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of jobs reaped with accounting"),
	)
	if err != nil {
		return nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs that finished unsuccessfully"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsRecovered, err = meter.Int64Counter(
		"jobs_recovered_total",
		metric.WithDescription("Total number of jobs whose failure was inferred after accounting was lost"),
	)
	if err != nil {
		return nil, err
	}

	m.JobWallTime, err = meter.Float64Histogram(
		"job_wall_time_seconds",
		metric.WithDescription("Wall clock time of completed jobs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 300, 900, 1800, 3600, 14400, 43200, 86400),
	)
	if err != nil {
		return nil, err
	}

	m.JobsOutstanding, err = meter.Int64UpDownCounter(
		"jobs_outstanding",
		metric.WithDescription("Number of submitted jobs not yet reaped (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.WaitFailures, err = meter.Int64Counter(
		"drm_wait_failures_total",
		metric.WithDescription("Total number of failed waits on the resource manager, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Completion callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total completion events delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total completion events failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total completion events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyRequeued, err = meter.Int64Counter(
		"notify_requeued_total",
		metric.WithDescription("Total completion events requeued due to open circuit"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of events in the notifier queue (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordJobSubmitted records a job accepted by the resource manager.
func (m *Metrics) RecordJobSubmitted(ctx context.Context) {
	m.JobsSubmitted.Add(ctx, 1)
	m.JobsOutstanding.Add(ctx, 1)
}

// RecordSubmitFailed records a rejected submission.
func (m *Metrics) RecordSubmitFailed(ctx context.Context) {
	m.JobSubmitFailures.Add(ctx, 1)
}

// RecordJobCompleted records a job reaped with accounting.
func (m *Metrics) RecordJobCompleted(ctx context.Context, successful bool, wallSeconds float64) {
	attrs := metric.WithAttributes(successAttr(successful))
	m.JobsCompleted.Add(ctx, 1, attrs)
	m.JobWallTime.Record(ctx, wallSeconds, attrs)
	m.JobsOutstanding.Add(ctx, -1)

	if !successful {
		m.JobErrorsTotal.Add(ctx, 1)
	}
}

// RecordJobRecovered records a job whose failure was inferred.
func (m *Metrics) RecordJobRecovered(ctx context.Context) {
	m.JobsRecovered.Add(ctx, 1)
	m.JobErrorsTotal.Add(ctx, 1)
	m.JobsOutstanding.Add(ctx, -1)
}

// RecordWaitFailure records a failed wait. kind is one of the drm.Kind names.
func (m *Metrics) RecordWaitFailure(ctx context.Context, kind string) {
	m.WaitFailures.Add(ctx, 1, WithKind(kind))
}

// RecordNotifyDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed event delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyRequeued records a requeued event.
func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}

var (
	_ job.MetricsRecorder    = (*Metrics)(nil)
	_ notify.MetricsRecorder = (*Metrics)(nil)
)
