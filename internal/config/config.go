// Package config loads Satellite's runtime configuration with the
// usual precedence: built-in defaults, then an optional YAML file,
// then environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Replication ReplicationConfig `yaml:"replication"`
	Backoff     BackoffConfig     `yaml:"backoff"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
	DebugServer DebugServerConfig `yaml:"debug_server"`
}

// DatabaseConfig points at the local SQLite database holding both user
// tables and the oplog/shadow/meta bookkeeping tables.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ReplicationConfig holds the snapshot and apply tunables.
type ReplicationConfig struct {
	// ServerURL is the websocket endpoint of the replication server the
	// connection controller dials.
	ServerURL string `yaml:"server_url"`
	// PollingInterval is how often the snapshot engine checks for
	// pending local writes when not otherwise triggered.
	PollingInterval Duration `yaml:"polling_interval"`
	// MinSnapshotWindow is the minimum spacing enforced between two
	// consecutive snapshots by the throttled snapshot variant.
	MinSnapshotWindow Duration `yaml:"min_snapshot_window"`
	// FKChecks is loaded from YAML and the environment; the apply engine
	// does not read it (its foreign-key handling is governed by
	// Compensations).
	FKChecks bool `yaml:"fk_checks"`
	// Compensations enables compensation-upsert generation when an
	// incoming DELETE/GONE removes a parent row that a locally held
	// child row still references; when off, that apply fails instead.
	Compensations bool `yaml:"compensations"`
	// CompactionInterval is how often the oplog compaction backstop
	// runs. It has nothing to do with the ordinary GC path (entries are
	// deleted as soon as they're acknowledged); it only catches entries
	// that somehow outlived their acknowledgement window.
	CompactionInterval Duration `yaml:"compaction_interval"`
	// CompactionRetention is how long a stamped oplog entry is allowed
	// to live before the compaction backstop treats it as stale.
	CompactionRetention Duration `yaml:"compaction_retention"`
}

// BackoffConfig configures the connection controller's reconnect
// backoff schedule.
type BackoffConfig struct {
	InitialMs int     `yaml:"initial_ms"`
	MaxMs     int     `yaml:"max_ms"`
	Factor    float64 `yaml:"factor"`
	Jitter    float64 `yaml:"jitter"`
}

// AuthConfig holds the bearer token used to authenticate the
// replication connection. Env-only, never persisted in the YAML file.
type AuthConfig struct {
	Token string `yaml:"-"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DebugServerConfig configures the optional read-only introspection
// HTTP surface.
type DebugServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("SATELLITE_CONFIG_PATH", "config/satellite.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "data/satellite.db",
		},
		Replication: ReplicationConfig{
			ServerURL:           "ws://localhost:5133/ws",
			PollingInterval:     Duration(1 * time.Second),
			MinSnapshotWindow:   Duration(40 * time.Millisecond),
			FKChecks:            true,
			Compensations:       true,
			CompactionInterval:  Duration(1 * time.Hour),
			CompactionRetention: Duration(24 * time.Hour),
		},
		Backoff: BackoffConfig{
			InitialMs: 250,
			MaxMs:     10_000,
			Factor:    2.0,
			Jitter:    0.2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DebugServer: DebugServerConfig{
			Enabled: false,
			Port:    7482,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("SATELLITE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Replication
	if v := os.Getenv("SATELLITE_SERVER_URL"); v != "" {
		cfg.Replication.ServerURL = v
	}
	if v := os.Getenv("SATELLITE_POLLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.PollingInterval = Duration(d)
		}
	}
	if v := os.Getenv("SATELLITE_MIN_SNAPSHOT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.MinSnapshotWindow = Duration(d)
		}
	}
	if v := os.Getenv("SATELLITE_FK_CHECKS"); v != "" {
		cfg.Replication.FKChecks = v == "true" || v == "1"
	}
	if v := os.Getenv("SATELLITE_COMPENSATIONS"); v != "" {
		cfg.Replication.Compensations = v == "true" || v == "1"
	}
	if v := os.Getenv("SATELLITE_COMPACTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.CompactionInterval = Duration(d)
		}
	}
	if v := os.Getenv("SATELLITE_COMPACTION_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.CompactionRetention = Duration(d)
		}
	}

	// Backoff
	if v := os.Getenv("SATELLITE_BACKOFF_INITIAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backoff.InitialMs = n
		}
	}
	if v := os.Getenv("SATELLITE_BACKOFF_MAX_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backoff.MaxMs = n
		}
	}
	if v := os.Getenv("SATELLITE_BACKOFF_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Backoff.Factor = f
		}
	}
	if v := os.Getenv("SATELLITE_BACKOFF_JITTER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Backoff.Jitter = f
		}
	}

	// Auth
	if v := os.Getenv("SATELLITE_AUTH_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}

	// Log
	if v := os.Getenv("SATELLITE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SATELLITE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Debug server
	if v := os.Getenv("SATELLITE_DEBUG_SERVER_ENABLED"); v != "" {
		cfg.DebugServer.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SATELLITE_DEBUG_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DebugServer.Port = n
		}
	}
}

// validate checks that required configuration values are set.
// In dev mode (SATELLITE_DEV_MODE=true), auth token validation is skipped.
func (c *Config) validate() error {
	// Dev mode bypasses auth token validation
	devMode := os.Getenv("SATELLITE_DEV_MODE") == "true"

	if !devMode && c.Auth.Token == "" {
		return errors.New("SATELLITE_AUTH_TOKEN is required")
	}
	if c.Backoff.Factor <= 1.0 {
		return errors.New("backoff.factor must be greater than 1.0")
	}
	if c.Backoff.MaxMs < c.Backoff.InitialMs {
		return errors.New("backoff.max_ms must be >= backoff.initial_ms")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
