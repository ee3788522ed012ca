package api

import (
	"net/http"

	"drmadapter/internal/health"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs           JobController
	HealthChecker  *health.Checker
	MetricsHandler http.Handler // Prometheus scrape endpoint; nil to omit
	APIKey         string
}

// NewRouter creates the monitor's operations router.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Jobs, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Probes and scraping - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	// Job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.KillJob)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
