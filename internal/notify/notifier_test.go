package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"drmadapter/internal/drm"
	"drmadapter/internal/job"
	"drmadapter/internal/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completion(uid string, id drm.JobID, info usage.Info) job.Completion {
	return job.Completion{
		Task: &job.Task{UID: uid, JobID: &id},
		Info: info,
	}
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		BufferSize:     100,
		Workers:        2,
		HTTPTimeout:    5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func closeNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Close(ctx))
}

func TestNotifier_Notify(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received []*http.Request
		bodies   [][]byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, r)
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Key = "secret"
	n := New(cfg, nil)

	info := usage.Info{ExitStatus: 0, Successful: true, WallTime: 12, PercentCPU: 0.5}
	require.NoError(t, n.Notify(completion("task-1", 42, info)))

	require.Eventually(t, func() bool { return n.Stats().Delivered == 1 }, 5*time.Second, 10*time.Millisecond)
	closeNotifier(t, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	r := received[0]
	assert.Equal(t, "application/cloudevents+json", r.Header.Get("Content-Type"))
	assert.Equal(t, TypeCompleted, r.Header.Get("Ce-Type"))
	assert.Equal(t, "task-1", r.Header.Get("Ce-Subject"))
	assert.Equal(t, defaultSource, r.Header.Get("Ce-Source"))
	assert.Equal(t, Sign(bodies[0], "secret"), r.Header.Get("X-Signature-256"))

	var event CloudEvent
	require.NoError(t, json.Unmarshal(bodies[0], &event))
	assert.Equal(t, "1.0", event.SpecVersion)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "42", event.Data["job_id"])
	assert.Equal(t, true, event.Data["successful"])
	assert.Equal(t, 12.0, event.Data["wall_time"])
	assert.Equal(t, false, event.Data["recovered"])
	assert.Contains(t, event.Data, "avg_vms_mem_kb")
	assert.Nil(t, event.Data["avg_vms_mem_kb"])
}

func TestNotifier_NoSignatureWithoutKey(t *testing.T) {
	t.Parallel()

	var sig atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get("X-Signature-256"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(testConfig(server.URL), nil)
	require.NoError(t, n.Notify(completion("t", 1, usage.Fallback(0))))
	require.Eventually(t, func() bool { return n.Stats().Delivered == 1 }, 5*time.Second, 10*time.Millisecond)
	closeNotifier(t, n)

	assert.Equal(t, "", sig.Load())
}

func TestNotifier_Retry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(testConfig(server.URL), nil)
	require.NoError(t, n.Notify(completion("t", 1, usage.Fallback(0))))
	require.Eventually(t, func() bool { return n.Stats().Delivered == 1 }, 5*time.Second, 10*time.Millisecond)
	closeNotifier(t, n)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(2), n.Stats().RetriesTotal)
}

func TestNotifier_NoRetryOn4xx(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n := New(testConfig(server.URL), nil)
	require.NoError(t, n.Notify(completion("t", 1, usage.Fallback(0))))
	require.Eventually(t, func() bool { return n.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
	closeNotifier(t, n)

	assert.Equal(t, int32(1), attempts.Load())
	assert.Zero(t, n.Stats().BreakersOpen, "client errors do not open the circuit")
}

func TestNotifier_CircuitBreaker(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Workers = 1
	cfg.MaxRetries = 0
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = time.Hour
	n := New(cfg, nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, n.Notify(completion("t", drm.JobID(i+1), usage.Fallback(1))))
	}

	require.Eventually(t, func() bool {
		s := n.Stats()
		return s.Failed == 2 && s.Requeued == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), attempts.Load(), "open circuit stops delivery attempts")
	assert.Equal(t, 1, n.Stats().BreakersOpen)
	closeNotifier(t, n)
}

func TestNotifier_BufferFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.BufferSize = 1
	cfg.Workers = 1
	metrics := &countingMetrics{}
	n := New(cfg, metrics)

	var full int
	for i := 0; i < 5; i++ {
		if err := n.Notify(completion("t", drm.JobID(i+1), usage.Fallback(0))); errors.Is(err, ErrBufferFull) {
			full++
		}
	}
	close(release)

	assert.Positive(t, full)
	assert.Equal(t, int64(full), n.Stats().Dropped)
	assert.Equal(t, int64(full), metrics.dropped.Load())
	closeNotifier(t, n)
}

func TestNotifier_GracefulShutdown(t *testing.T) {
	t.Parallel()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Workers = 1
	n := New(cfg, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(completion("t", drm.JobID(i+1), usage.Fallback(0))))
	}
	closeNotifier(t, n)

	assert.Equal(t, int32(5), received.Load(), "queued events are delivered before Close returns")
	assert.ErrorIs(t, n.Notify(completion("late", 9, usage.Fallback(0))), ErrClosed)
	assert.NoError(t, n.Close(context.Background()), "second close is a no-op")
}

func TestNotifier_ShutdownAccountsForRequeuedEvents(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxRetries = 0
	cfg.BreakerThreshold = 1
	cfg.BreakerCooldown = time.Millisecond
	cfg.MaxRequeues = 1000
	n := New(cfg, nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, n.Notify(completion("t", drm.JobID(i+1), usage.Fallback(1))))
	}
	require.Eventually(t, func() bool { return n.Stats().Requeued > 0 }, 5*time.Second, time.Millisecond)
	closeNotifier(t, n)

	s := n.Stats()
	assert.Equal(t, int64(20), s.Queued)
	assert.Equal(t, s.Queued, s.Delivered+s.Failed+s.Dropped, "every queued event is delivered, failed or dropped")
	assert.Zero(t, s.QueueDepth)
}

type countingMetrics struct {
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64
}

func (m *countingMetrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.delivered.Add(1)
}
func (m *countingMetrics) RecordNotifyFailed(ctx context.Context)                { m.failed.Add(1) }
func (m *countingMetrics) RecordNotifyDropped(ctx context.Context)               { m.dropped.Add(1) }
func (m *countingMetrics) RecordNotifyRequeued(ctx context.Context)              { m.requeued.Add(1) }
func (m *countingMetrics) RecordNotifyQueueSize(ctx context.Context, size int64) {}
