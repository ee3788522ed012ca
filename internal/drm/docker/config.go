package docker

import (
	"time"

	"drmadapter/internal/config"
)

// Config holds configuration for the Docker-backed resource manager.
type Config struct {
	Image         string        // Default image for jobs that don't name one
	Network       string        // Default network mode (empty uses the daemon default)
	ExtraHosts    []string      // Extra /etc/hosts entries (e.g., ["nfs.local:host-gateway"])
	StatsInterval time.Duration // Minimum time between usage samples of a running job
	User          string        // uid:gid the job runs as (default: the adapter's own)
}

// LoadConfigFromEnv loads backend configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Image:         config.GetEnv("DRM_DOCKER_IMAGE", "alpine:3.20"),
		Network:       config.GetEnv("DRM_DOCKER_NETWORK", ""),
		ExtraHosts:    config.GetListEnv("DRM_DOCKER_EXTRA_HOSTS"),
		StatsInterval: config.GetDurationEnv("DRM_DOCKER_STATS_INTERVAL", 5*time.Second),
		User:          config.GetEnv("DRM_DOCKER_USER", ""),
	}
}
