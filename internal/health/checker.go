// Package health provides liveness and readiness checks for the monitor.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ReadinessChecker verifies a dependency is ready to accept work.
// Implemented by *session.Manager.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// BreakerReporter reports how many callback destinations have an open circuit.
type BreakerReporter interface {
	OpenBreakers() int
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on the resource manager session and,
// optionally, the completion notifier.
type Checker struct {
	backend  ReadinessChecker
	notifier BreakerReporter
	timeout  time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a health checker. notifier may be nil.
func NewChecker(backend ReadinessChecker, notifier BreakerReporter) *Checker {
	return &Checker{
		backend:  backend,
		notifier: notifier,
		timeout:  5 * time.Second,
	}
}

// Liveness reports that the process is alive. It does not touch the
// resource manager.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks the resource manager session. An open notifier circuit
// degrades the response but does not make it unhealthy: completions are
// still reaped and logged.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "monitor is shutting down"},
			},
		}
	}

	// Use cached result if recent
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	checks := make(map[string]CheckResult)
	overallStatus := StatusHealthy

	backendCheck := c.checkBackend(ctx)
	checks["drm"] = backendCheck
	if backendCheck.Status != StatusHealthy {
		overallStatus = StatusUnhealthy
	}

	if c.notifier != nil {
		notifierCheck := c.checkNotifier()
		checks["notifier"] = notifierCheck
		if notifierCheck.Status != StatusHealthy && overallStatus == StatusHealthy {
			overallStatus = StatusDegraded
		}
	}

	response := &Response{
		Status: overallStatus,
		Checks: checks,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) checkBackend(ctx context.Context) CheckResult {
	if c.backend == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "resource manager not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.Ready(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

func (c *Checker) checkNotifier() CheckResult {
	if open := c.notifier.OpenBreakers(); open > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d callback destination(s) unreachable", open),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady reports whether the monitor can do its work, possibly degraded.
func (r *Response) IsReady() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// SetShuttingDown makes readiness checks fail from now on.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
