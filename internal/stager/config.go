package stager

import (
	"jobfiles/internal/config"
	"time"
)

// Config holds configuration for the stager.
type Config struct {
	ManifestPath  string
	JobKey        string
	Workspace     string        // local paths in the manifest resolve against this
	Timeout       time.Duration // bounds the whole run, including the wait for the job
	HTTPTimeout   time.Duration
	RetryAttempts int
	WaitForSignal bool // publish only after SIGUSR1/SIGTERM; otherwise stage and exit
}

// LoadConfigFromEnv loads stager configuration from environment variables.
// Command-line flags override these in the stager binary.
func LoadConfigFromEnv() *Config {
	key := config.GetEnv("JOB_KEY", "")
	if key == "" {
		key = config.GetSecretFile(config.GetEnv("JOB_KEY_FILE", ""))
	}
	return &Config{
		ManifestPath:  config.GetEnv("STAGE_MANIFEST", "/workspace/.jobfiles.yaml"),
		JobKey:        key,
		Workspace:     config.GetEnv("WORKSPACE", "/workspace"),
		Timeout:       config.GetDurationEnv("STAGE_TIMEOUT", 30*time.Minute),
		HTTPTimeout:   config.GetDurationEnv("STAGE_HTTP_TIMEOUT", 5*time.Minute),
		RetryAttempts: config.GetIntEnv("STAGE_RETRIES", 4),
		WaitForSignal: true,
	}
}
