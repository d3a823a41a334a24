package audit

import (
	"jobfiles/internal/config"
	"jobfiles/pkg/backoff"
	"time"
)

// Delivery defaults.
const (
	defaultBufferSize  = 1000
	defaultWorkers     = 2
	defaultHTTPTimeout = 10 * time.Second
	defaultSource      = "jobfiles-service"
)

// Config holds configuration for the webhook sink.
type Config struct {
	URL         string         // webhook endpoint
	Key         string         // HMAC key, empty = unsigned
	Source      string         // CloudEvents source (default: jobfiles-service)
	BufferSize  int            // pending events buffer (default: 1000)
	Workers     int            // concurrent delivery goroutines (default: 2)
	HTTPTimeout time.Duration  // per-request timeout (default: 10s)
	Retry       backoff.Policy // zero value uses backoff defaults
}

// LoadConfigFromEnv builds a sink configuration for url and key, reading
// tuning knobs from the environment.
func LoadConfigFromEnv(url, key string) Config {
	cfg := Config{
		URL:         url,
		Key:         key,
		Source:      config.GetEnv("AUDIT_SOURCE", defaultSource),
		BufferSize:  config.GetIntEnv("AUDIT_BUFFER_SIZE", defaultBufferSize),
		Workers:     config.GetIntEnv("AUDIT_WORKERS", defaultWorkers),
		HTTPTimeout: config.GetDurationEnv("AUDIT_HTTP_TIMEOUT", defaultHTTPTimeout),
	}
	return cfg.withDefaults()
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
	return c
}
