// Package config provides configuration loading from an optional YAML file
// and environment variables.
//
// The file named by JOBFILES_CONFIG supplies base values. Environment
// variables always win over the file, so a container can override a single
// setting without editing the mounted config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Object store backends.
const (
	ObjectStoreDisk   = "disk"
	ObjectStoreDocker = "docker"
)

// ServiceConfig holds configuration for the job files service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string        // Protects the key-minting endpoint; empty disables it
	TokenSecret       string        // Secret the capability token MAC keys derive from
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	DatabasePath string // SQLite job/dataset database
	FilesDir     string // Root of dataset files
	JobWorkDir   string // Root of job working directories (disk backend)
	ObjectStore  string // "disk" or "docker"

	MaxUploadBytes int64 // Upper bound on a single write request body

	AuditURL string // Webhook receiving access events (empty disables auditing)
	AuditKey string // HMAC key for signing audit events
}

// fileConfig is the YAML shape of the optional config file.
type fileConfig struct {
	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metrics_port"`
	APIKeyFile        string        `yaml:"api_key_file"`
	TokenSecretFile   string        `yaml:"token_secret_file"`
	ShutdownDrainWait time.Duration `yaml:"shutdown_drain_wait"`
	Database          string        `yaml:"database"`
	FilesDir          string        `yaml:"files_dir"`
	JobWorkDir        string        `yaml:"job_work_dir"`
	ObjectStore       string        `yaml:"object_store"`
	MaxUploadSize     string        `yaml:"max_upload_size"`
	Audit             struct {
		URL     string `yaml:"url"`
		KeyFile string `yaml:"key_file"`
	} `yaml:"audit"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Port:              "8080",
		MetricsPort:       "9090",
		ShutdownDrainWait: 5 * time.Second,
		Database:          "/var/lib/jobfiles/jobs.db",
		FilesDir:          "/var/lib/jobfiles/files",
		JobWorkDir:        "/var/lib/jobfiles/job_work",
		ObjectStore:       ObjectStoreDisk,
		MaxUploadSize:     "1GiB",
	}
}

// loadFile parses a YAML config file on top of the built-in defaults.
// An empty path returns the defaults.
func loadFile(path string) (fileConfig, error) {
	fc := defaultFileConfig()
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return fc, nil
}

// LoadServiceConfig loads service configuration from the optional config
// file and environment variables.
func LoadServiceConfig() (*ServiceConfig, error) {
	fc, err := loadFile(GetEnv("JOBFILES_CONFIG", ""))
	if err != nil {
		return nil, err
	}

	cfg := &ServiceConfig{
		Port:              GetEnv("PORT", fc.Port),
		MetricsPort:       GetEnv("METRICS_PORT", fc.MetricsPort),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", fc.APIKeyFile)),
		TokenSecret:       GetSecretFile(GetEnv("TOKEN_SECRET_FILE", fc.TokenSecretFile)),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", fc.ShutdownDrainWait),
		DatabasePath:      GetEnv("DATABASE_PATH", fc.Database),
		FilesDir:          GetEnv("FILES_DIR", fc.FilesDir),
		JobWorkDir:        GetEnv("JOB_WORK_DIR", fc.JobWorkDir),
		ObjectStore:       GetEnv("OBJECT_STORE", fc.ObjectStore),
		AuditURL:          GetEnv("AUDIT_URL", fc.Audit.URL),
		AuditKey:          GetSecretFile(GetEnv("AUDIT_KEY_FILE", fc.Audit.KeyFile)),
	}

	if cfg.MaxUploadBytes, err = ParseSize(GetEnv("MAX_UPLOAD_SIZE", fc.MaxUploadSize)); err != nil {
		return nil, fmt.Errorf("max upload size: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServiceConfig) validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("token secret is required (TOKEN_SECRET_FILE)")
	}
	switch c.ObjectStore {
	case ObjectStoreDisk, ObjectStoreDocker:
	default:
		return fmt.Errorf("unknown object store %q (want %q or %q)", c.ObjectStore, ObjectStoreDisk, ObjectStoreDocker)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes)
	}
	return nil
}
