package notify

import (
	"time"

	"drmadapter/internal/config"
)

// Delivery defaults.
const (
	defaultBufferSize       = 1000
	defaultWorkers          = 2
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxRetries       = 3
	defaultInitialBackoff   = 100 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
	defaultSource           = "drmadapter/monitor"
)

// Config holds configuration for the completion notifier.
type Config struct {
	URL    string // callback endpoint; empty disables notification
	Key    string // HMAC key for signing, empty = no signing
	Source string // CloudEvent source attribute

	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 2)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxRetries  int           // retries after the first attempt (default: 3)

	InitialBackoff   time.Duration // first retry delay (default: 100ms)
	MaxBackoff       time.Duration // retry delay cap (default: 5s)
	BreakerThreshold uint32        // consecutive failures that open the circuit (default: 5)
	BreakerCooldown  time.Duration // how long the circuit stays open (default: 30s)
	MaxRequeues      int           // requeues while the circuit is open before dropping (default: 10)
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URL:         config.GetEnv("CALLBACK_URL", ""),
		Key:         config.GetSecret("CALLBACK_KEY"),
		Source:      config.GetEnv("CALLBACK_SOURCE", defaultSource),
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", defaultBufferSize),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", defaultWorkers),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", defaultHTTPTimeout),
		MaxRetries:  config.GetIntEnv("NOTIFY_RETRIES", defaultMaxRetries),
	}
	return cfg.withDefaults()
}

// Enabled reports whether a callback endpoint is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = defaultSource
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	return c
}
