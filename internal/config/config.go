// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// MonitorConfig holds configuration for the job monitor process.
type MonitorConfig struct {
	MetricsPort       string
	APIKey            string
	WaitTimeout       time.Duration // Upper bound on one blocking wait for completions
	PollInterval      time.Duration // Pause between wait cycles that reaped nothing
	OutputDir         string        // Where task stdout/stderr files are written
	NativeSpec        string        // Default native specification for submitted tasks
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration // Bound on flushing pending callbacks at exit
}

// LoadMonitorConfig loads monitor configuration from environment variables.
func LoadMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		WaitTimeout:       GetDurationEnv("DRM_WAIT_TIMEOUT", time.Second),
		PollInterval:      GetDurationEnv("DRM_POLL_INTERVAL", 0),
		OutputDir:         GetEnv("DRM_OUTPUT_DIR", "."),
		NativeSpec:        GetEnv("DRM_NATIVE_SPEC", ""),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 0),
		ShutdownTimeout:   GetDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
