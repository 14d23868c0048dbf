// Package config loads and validates the scanfleet server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/errors"
)

const (
	defaultAPIPort        = 18000
	defaultHotLevel       = 0
	defaultLockTimeout    = 3 * time.Second
	defaultGCProbability  = 0.05
	defaultStaleHorizon   = 24 * time.Hour
	defaultLoopSleep      = 60 * time.Second
	defaultRescanChunk    = 1000
	defaultMaxRequestSize = 256 * 1024 * 1024
)

// Config represents the complete server configuration
type Config struct {
	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Database configuration
	Database db.Config `yaml:"database" json:"database"`

	// Agent API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Scheduler configuration
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Planner configuration
	Planner PlannerConfig `yaml:"planner" json:"planner"`

	// Job output archive configuration
	Archive ArchiveConfig `yaml:"archive" json:"archive"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	// PID file location
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Working directory, also holds planner state files
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// Run the planner loop inside the daemon
	RunPlanner bool `yaml:"run_planner" json:"run_planner"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// APIConfig holds agent API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// Static agent keys accepted besides the database keys
	APIKeys []string `yaml:"api_keys" json:"api_keys"`

	// Disable authentication, only for local development
	AuthDisabled bool `yaml:"auth_disabled" json:"auth_disabled"`

	// CORS allowed origins
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	// Request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Maximum request size, job outputs are uploaded inline
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable request logging for API
	RequestLogging bool `yaml:"request_logging" json:"request_logging"`
}

// SchedulerConfig holds assignment and heat accounting settings
type SchedulerConfig struct {
	// Maximum concurrent jobs per network bucket, zero or less disables throttling
	HotLevel int `yaml:"hot_level" json:"hot_level"`

	// Bounded wait for the scheduler advisory lock
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`

	// Chance of a heatmap garbage collection pass after output
	GCProbability float64 `yaml:"gc_probability" json:"gc_probability"`

	// Stop handing out work
	Maintenance bool `yaml:"maintenance" json:"maintenance"`

	// Directory holding received job outputs
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// Running jobs older than this are reported as stale
	StaleHorizon time.Duration `yaml:"stale_horizon" json:"stale_horizon"`
}

// ArchiveConfig selects where drained job outputs are kept
type ArchiveConfig struct {
	// Backend name: filesystem, minio or azblob
	Backend string `yaml:"backend" json:"backend"`

	// Filesystem backend root
	Path string `yaml:"path" json:"path"`

	MinIO MinIOConfig `yaml:"minio" json:"minio"`
	Azure AzureConfig `yaml:"azure" json:"azure"`
}

// MinIOConfig holds S3 compatible archive settings
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// AzureConfig holds Azure Blob archive settings
type AzureConfig struct {
	ConnectionString string `yaml:"connection_string" json:"connection_string"`
	Container        string `yaml:"container" json:"container"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PIDFile:         "/var/run/scanfleet.pid",
			WorkDir:         "/var/lib/scanfleet",
			RunPlanner:      true,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: db.DefaultConfig(),
		API: APIConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1",
			Port:           defaultAPIPort,
			AllowedOrigins: []string{},
			RequestTimeout: 60 * time.Second,
			MaxRequestSize: defaultMaxRequestSize,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stdout",
			RequestLogging: true,
		},
		Scheduler: SchedulerConfig{
			HotLevel:      defaultHotLevel,
			LockTimeout:   defaultLockTimeout,
			GCProbability: defaultGCProbability,
			OutputDir:     "/var/lib/scanfleet/scheduler",
			StaleHorizon:  defaultStaleHorizon,
		},
		Planner: PlannerConfig{
			LoopSleep:       defaultLoopSleep,
			RescanChunkSize: defaultRescanChunk,
		},
		Archive: ArchiveConfig{
			Backend: "filesystem",
			Path:    "/var/lib/scanfleet/archive",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// JSON is a subset of YAML, one decoder covers both extensions
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(path), err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.ErrConfigMissing("database.host")
	}
	if c.Database.Database == "" {
		return errors.ErrConfigMissing("database.database")
	}
	if c.Database.Username == "" {
		return errors.ErrConfigMissing("database.username")
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return errors.ErrConfigInvalid("api.port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.ErrConfigMissing("api.listen_addr")
		}
	}

	if c.Scheduler.LockTimeout <= 0 {
		return errors.ErrConfigInvalid("scheduler.lock_timeout", c.Scheduler.LockTimeout)
	}
	if c.Scheduler.GCProbability < 0 || c.Scheduler.GCProbability > 1 {
		return errors.ErrConfigInvalid("scheduler.gc_probability", c.Scheduler.GCProbability)
	}
	if c.Scheduler.OutputDir == "" {
		return errors.ErrConfigMissing("scheduler.output_dir")
	}

	switch c.Archive.Backend {
	case "filesystem":
		if c.Archive.Path == "" {
			return errors.ErrConfigMissing("archive.path")
		}
	case "minio":
		if c.Archive.MinIO.Endpoint == "" || c.Archive.MinIO.Bucket == "" {
			return errors.ErrConfigMissing("archive.minio.endpoint/bucket")
		}
	case "azblob":
		if c.Archive.Azure.ConnectionString == "" || c.Archive.Azure.Container == "" {
			return errors.ErrConfigMissing("archive.azure.connection_string/container")
		}
	default:
		return errors.ErrConfigInvalid("archive.backend", c.Archive.Backend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return c.Planner.Validate()
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}
