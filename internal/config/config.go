// Package config provides configuration loading and management for cloudkv.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/cloudkv/internal/telemetry"
)

const (
	// StorageTypeMemory keeps values in process memory only
	StorageTypeMemory = "memory"

	// StorageTypeFile stores values in a JSON document on disk
	StorageTypeFile = "file"

	// StorageTypeSQLite stores values in a SQLite database file
	StorageTypeSQLite = "sqlite"

	// StorageTypePostgres stores values in PostgreSQL
	StorageTypePostgres = "postgres"
)

const (
	// DefaultStoreName is used when storeName is not configured
	DefaultStoreName = "default"

	// DefaultPollInterval is how often a waiting sync re-checks the initial sync flag
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultSyncTimeout bounds how long a sync waits for the initial sync signal
	DefaultSyncTimeout = 5 * time.Second

	// DefaultLogLevel is the level of the coordinator's diagnostic messages
	DefaultLogLevel = "info"

	// DefaultAddress is the HTTP listen address
	DefaultAddress = ":8080"

	// EnvPrefix is the prefix of environment variables read by the CLI
	EnvPrefix = "CLOUDKV"

	// PasswordEnvVar holds the database password when no password file is configured
	PasswordEnvVar = "CLOUDKV_DATABASE_PASSWORD"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// StoreName identifies the store in logs, status files and metrics.
	// Defaults to "default" if not specified
	StoreName string `yaml:"storeName,omitempty"`

	// Storage selects and configures the key-value backend
	Storage StorageConfig `yaml:"storage"`

	// Sync tunes the initial-sync coordinator
	Sync *SyncConfig `yaml:"sync,omitempty"`

	// Server configures the HTTP API
	Server *ServerConfig `yaml:"server,omitempty"`

	// StatusDir is where sync status files are written. Status is not
	// persisted when empty
	StatusDir string `yaml:"statusDir,omitempty"`

	// Telemetry configures tracing and metrics
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// StorageConfig defines the backend. At most one backend may be configured;
// memory is used when none is.
type StorageConfig struct {
	Memory   *MemoryConfig   `yaml:"memory,omitempty"`
	File     *FileConfig     `yaml:"file,omitempty"`
	SQLite   *SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres *DatabaseConfig `yaml:"postgres,omitempty"`
}

// MemoryConfig configures the in-memory backend
type MemoryConfig struct {
	// RejectSynchronize makes every flush report failure, which is useful to
	// exercise clients against a store that refuses to sync
	RejectSynchronize bool `yaml:"rejectSynchronize,omitempty"`
}

// FileConfig configures the JSON file backend
type FileConfig struct {
	// Path is the path to the JSON document
	Path string `yaml:"path"`

	// LockRetryDelay is how often a flush retries a contended file lock (e.g., "50ms")
	LockRetryDelay string `yaml:"lockRetryDelay,omitempty"`

	// WatchInterval is how often the document is polled for foreign changes
	// (e.g., "250ms"); "0s" disables polling
	WatchInterval string `yaml:"watchInterval,omitempty"`
}

// SQLiteConfig configures the SQLite backend
type SQLiteConfig struct {
	// Path is the path to the database file
	Path string `yaml:"path"`

	// WatchInterval is how often the database is polled for commits by other
	// connections (e.g., "250ms"); "0s" disables polling
	WatchInterval string `yaml:"watchInterval,omitempty"`
}

// DatabaseConfig defines PostgreSQL connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// Channel is the LISTEN/NOTIFY channel carrying change events
	Channel string `yaml:"channel,omitempty"`
}

// SyncConfig tunes the initial-sync coordinator
type SyncConfig struct {
	// PollInterval is how often a waiting sync re-checks the flag (e.g., "250ms")
	PollInterval string `yaml:"pollInterval,omitempty"`

	// Timeout bounds the wait for the initial sync signal (e.g., "5s")
	Timeout string `yaml:"timeout,omitempty"`

	// LogLevel is the level of the coordinator's diagnostic messages
	// (debug, info, warn, error)
	LogLevel string `yaml:"logLevel,omitempty"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	// Address is the listen address, defaults to ":8080"
	Address string `yaml:"address,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from CLOUDKV_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(PasswordEnvVar); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s environment variable", PasswordEnvVar,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// Default returns the configuration used when no config file is given
func Default() *Config {
	return &Config{}
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetStoreName returns the store name, using "default" if not specified
func (c *Config) GetStoreName() string {
	if c.StoreName == "" {
		return DefaultStoreName
	}
	return c.StoreName
}

// GetAddress returns the HTTP listen address
func (c *Config) GetAddress() string {
	if c.Server == nil || c.Server.Address == "" {
		return DefaultAddress
	}
	return c.Server.Address
}

// GetType returns the inferred backend type based on which block is present
func (s *StorageConfig) GetType() string {
	switch {
	case s.File != nil:
		return StorageTypeFile
	case s.SQLite != nil:
		return StorageTypeSQLite
	case s.Postgres != nil:
		return StorageTypePostgres
	default:
		return StorageTypeMemory
	}
}

// GetPollInterval returns the configured poll interval or the default
func (s *SyncConfig) GetPollInterval() time.Duration {
	return parseDurationOrDefault(s, func(c *SyncConfig) string { return c.PollInterval }, DefaultPollInterval)
}

// GetTimeout returns the configured sync timeout or the default
func (s *SyncConfig) GetTimeout() time.Duration {
	return parseDurationOrDefault(s, func(c *SyncConfig) string { return c.Timeout }, DefaultSyncTimeout)
}

// GetLogLevel returns the configured diagnostic level or the default
func (s *SyncConfig) GetLogLevel() slog.Level {
	name := DefaultLogLevel
	if s != nil && s.LogLevel != "" {
		name = s.LogLevel
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		slog.Warn("Invalid sync log level, using default", "level", name, "default", DefaultLogLevel)
		return slog.LevelInfo
	}
	return level
}

func parseDurationOrDefault(s *SyncConfig, field func(*SyncConfig) string, def time.Duration) time.Duration {
	if s == nil || field(s) == "" {
		return def
	}
	d, err := time.ParseDuration(field(s))
	if err != nil || d <= 0 {
		slog.Warn("Invalid sync duration, using default", "value", field(s), "default", def)
		return def
	}
	return d
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error
	if err := validateStorageCount(&c.Storage); err != nil {
		errs = append(errs, err)
	}
	if err := validateStorageSpecificConfig(&c.Storage); err != nil {
		errs = append(errs, err)
	}
	if err := validateSyncConfig(c.Sync); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// validateStorageCount ensures at most one backend is configured
func validateStorageCount(s *StorageConfig) error {
	count := 0
	for _, set := range []bool{s.Memory != nil, s.File != nil, s.SQLite != nil, s.Postgres != nil} {
		if set {
			count++
		}
	}
	if count > 1 {
		return fmt.Errorf("storage: only one of memory, file, sqlite, or postgres may be specified")
	}
	return nil
}

func validateStorageSpecificConfig(s *StorageConfig) error {
	switch {
	case s.File != nil:
		if s.File.Path == "" {
			return fmt.Errorf("storage: file.path is required")
		}
		if s.File.LockRetryDelay != "" {
			if _, err := time.ParseDuration(s.File.LockRetryDelay); err != nil {
				return fmt.Errorf("storage: file.lockRetryDelay must be a valid duration: %w", err)
			}
		}
		if err := validateWatchInterval("file", s.File.WatchInterval); err != nil {
			return err
		}
	case s.SQLite != nil:
		if s.SQLite.Path == "" {
			return fmt.Errorf("storage: sqlite.path is required")
		}
		if err := validateWatchInterval("sqlite", s.SQLite.WatchInterval); err != nil {
			return err
		}
	case s.Postgres != nil:
		if s.Postgres.Host == "" {
			return fmt.Errorf("storage: postgres.host is required")
		}
		if s.Postgres.Database == "" {
			return fmt.Errorf("storage: postgres.database is required")
		}
	}
	return nil
}

func validateWatchInterval(backend, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("storage: %s.watchInterval must be a valid duration: %w", backend, err)
	}
	if d < 0 {
		return fmt.Errorf("storage: %s.watchInterval must not be negative", backend)
	}
	return nil
}

func validateSyncConfig(s *SyncConfig) error {
	if s == nil {
		return nil
	}

	durations := []struct{ name, value string }{
		{"pollInterval", s.PollInterval},
		{"timeout", s.Timeout},
	}
	for _, field := range durations {
		name, value := field.name, field.value
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("sync.%s must be a valid duration (e.g., '250ms', '5s'): %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("sync.%s must be positive, got %s", name, value)
		}
	}

	if s.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
			return fmt.Errorf("sync.logLevel: %w", err)
		}
	}
	return nil
}
