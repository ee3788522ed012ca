// Package notify posts a CloudEvent for every finished task to a callback
// endpoint. Delivery is asynchronous with bounded buffering, retry with
// exponential backoff, and a circuit breaker per destination host.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"drmadapter/internal/job"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier is closed")

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total events queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer or max requeues
	Requeued     int64 // requeued due to open circuit
	RetriesTotal int64 // total retry attempts
	BreakersOpen int   // currently open breakers
}

type delivery struct {
	event    *CloudEvent
	dest     string
	requeues int
}

// Notifier delivers completion events from an in-memory queue with a
// worker pool. If the buffer is full, events are dropped.
type Notifier struct {
	queue   chan *delivery
	sender  *sender
	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg        sync.WaitGroup
	requeueWG sync.WaitGroup
	shutdown  chan struct{}
	closed    atomic.Bool
}

// New starts a notifier. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		queue:    make(chan *delivery, cfg.BufferSize),
		sender:   newSender(cfg.HTTPTimeout),
		cfg:      cfg,
		logger:   slog.With("component", "notifier"),
		metrics:  metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}

	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "destination", extractHost(cfg.URL))
	return n
}

func (n *Notifier) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifyQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

// Notify queues the completion event for c. It never blocks.
func (n *Notifier) Notify(c job.Completion) error {
	if n.closed.Load() {
		return ErrClosed
	}

	event, err := NewCompletionEvent(n.cfg.Source, c)
	if err != nil {
		return err
	}

	select {
	case n.queue <- &delivery{event: event, dest: n.cfg.URL}:
		n.queued.Add(1)
		return nil
	default:
		n.drop("Event dropped, buffer full", event, 0)
		return ErrBufferFull
	}
}

// Stats returns current notifier statistics.
func (n *Notifier) Stats() Stats {
	n.breakerMu.Lock()
	open := 0
	for _, cb := range n.breakers {
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	n.breakerMu.Unlock()

	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Requeued:     n.requeued.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		BreakersOpen: open,
	}
}

// Close stops accepting events and delivers what is queued. The context
// deadline bounds the drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		n.requeueWG.Wait()
		n.dropRemaining()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *Notifier) drainQueue() {
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		default:
			return
		}
	}
}

// breaker returns the circuit breaker for host, creating it on first use.
func (n *Notifier) breaker(host string) *gobreaker.CircuitBreaker {
	n.breakerMu.Lock()
	defer n.breakerMu.Unlock()

	if cb, ok := n.breakers[host]; ok {
		return cb
	}
	threshold := n.cfg.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     n.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A rejected event says nothing about the endpoint's health.
			return err == nil || IsClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Info("Circuit state changed", "destination", name, "from", from.String(), "to", to.String())
		},
	})
	n.breakers[host] = cb
	return cb
}

// deliver sends one event with retry inside the destination's breaker.
func (n *Notifier) deliver(d *delivery) {
	host := extractHost(d.dest)
	cb := n.breaker(host)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, n.sendWithRetry(ctx, d)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		n.requeue(d, host)
		return
	case err != nil:
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", host, "type", d.event.Type, "subject", d.event.Subject, "error", err)
		return
	}

	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, d *delivery) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.cfg.InitialBackoff
	eb.MaxInterval = n.cfg.MaxBackoff
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(n.cfg.MaxRetries)), ctx)

	op := func() error {
		err := n.sender.send(ctx, d.dest, d.event, n.cfg.Key)
		if IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		n.retriesTotal.Add(1)
		n.logger.Debug("Retrying delivery", "subject", d.event.Subject, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, policy, onRetry)
}

// requeue puts an event back in the queue after the breaker cooldown.
func (n *Notifier) requeue(d *delivery, host string) {
	if d.requeues >= n.cfg.MaxRequeues {
		n.drop("Event dropped, max requeues reached", d.event, d.requeues)
		return
	}

	d.requeues++
	n.requeued.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyRequeued(context.Background())
	}

	n.requeueWG.Add(1)
	go func() {
		defer n.requeueWG.Done()
		select {
		case <-n.shutdown:
			n.drop("Event dropped on shutdown, circuit open", d.event, d.requeues)
			return
		case <-time.After(n.cfg.BreakerCooldown):
		}
		if n.closed.Load() {
			n.drop("Event dropped on shutdown, circuit open", d.event, d.requeues)
			return
		}

		select {
		case n.queue <- d:
			n.logger.Debug("Event requeued", "destination", host, "type", d.event.Type, "requeues", d.requeues)
		default:
			n.drop("Event dropped on requeue, buffer full", d.event, d.requeues)
		}
	}()
}

// dropRemaining counts events requeued after the workers stopped.
func (n *Notifier) dropRemaining() {
	for {
		select {
		case d := <-n.queue:
			n.drop("Event dropped on shutdown", d.event, d.requeues)
		default:
			return
		}
	}
}

func (n *Notifier) drop(msg string, event *CloudEvent, requeues int) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDropped(context.Background())
	}
	n.logger.Warn(msg, "type", event.Type, "subject", event.Subject, "requeues", requeues)
}

// OpenBreakers returns the number of destinations whose circuit is open.
func (n *Notifier) OpenBreakers() int {
	return n.Stats().BreakersOpen
}
