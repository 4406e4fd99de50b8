package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"SATELLITE_DB_PATH",
		"SATELLITE_SERVER_URL",
		"SATELLITE_POLLING_INTERVAL",
		"SATELLITE_MIN_SNAPSHOT_WINDOW",
		"SATELLITE_FK_CHECKS",
		"SATELLITE_COMPENSATIONS",
		"SATELLITE_BACKOFF_INITIAL_MS",
		"SATELLITE_BACKOFF_MAX_MS",
		"SATELLITE_BACKOFF_FACTOR",
		"SATELLITE_BACKOFF_JITTER",
		"SATELLITE_AUTH_TOKEN",
		"SATELLITE_LOG_LEVEL",
		"SATELLITE_LOG_FORMAT",
		"SATELLITE_DEBUG_SERVER_ENABLED",
		"SATELLITE_DEBUG_SERVER_PORT",
		"SATELLITE_CONFIG_PATH",
		"SATELLITE_DEV_MODE",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func setDevModeEnv(t *testing.T) {
	t.Helper()
	os.Setenv("SATELLITE_DEV_MODE", "true")
}

func setProdEnv(t *testing.T) {
	t.Helper()
	os.Setenv("SATELLITE_AUTH_TOKEN", "test-token")
}

func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "data/satellite.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "data/satellite.db")
	}
	if dur(cfg.Replication.PollingInterval) != 1*time.Second {
		t.Errorf("Replication.PollingInterval = %v, want 1s", dur(cfg.Replication.PollingInterval))
	}
	if dur(cfg.Replication.MinSnapshotWindow) != 40*time.Millisecond {
		t.Errorf("Replication.MinSnapshotWindow = %v, want 40ms", dur(cfg.Replication.MinSnapshotWindow))
	}
	if !cfg.Replication.FKChecks {
		t.Error("Replication.FKChecks should default to true")
	}
	if !cfg.Replication.Compensations {
		t.Error("Replication.Compensations should default to true")
	}
	if cfg.Backoff.InitialMs != 250 {
		t.Errorf("Backoff.InitialMs = %d, want 250", cfg.Backoff.InitialMs)
	}
	if cfg.Backoff.MaxMs != 10_000 {
		t.Errorf("Backoff.MaxMs = %d, want 10000", cfg.Backoff.MaxMs)
	}
	if cfg.Backoff.Factor != 2.0 {
		t.Errorf("Backoff.Factor = %v, want 2.0", cfg.Backoff.Factor)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.DebugServer.Enabled {
		t.Error("DebugServer.Enabled should default to false")
	}
	if cfg.DebugServer.Port != 7482 {
		t.Errorf("DebugServer.Port = %d, want 7482", cfg.DebugServer.Port)
	}
}

func TestLoad_ValidationFailsWithoutAuthToken(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Error("Load() expected error when auth token missing, got nil")
	}
}

func TestLoad_ValidationPassesWithAuthToken(t *testing.T) {
	clearEnv(t)
	setProdEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Token != "test-token" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "test-token")
	}
}

func TestLoad_DevModeBypassesValidation(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Token != "" {
		t.Errorf("Auth.Token = %q, want empty", cfg.Auth.Token)
	}
}

func TestLoad_InvalidBackoffFactorRejected(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	os.Setenv("SATELLITE_BACKOFF_FACTOR", "1.0")

	_, err := Load()
	if err == nil {
		t.Error("Load() expected error for backoff.factor <= 1.0")
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	os.Setenv("SATELLITE_DB_PATH", "/custom/path.db")
	os.Setenv("SATELLITE_LOG_LEVEL", "debug")
	os.Setenv("SATELLITE_POLLING_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if dur(cfg.Replication.PollingInterval) != 5*time.Second {
		t.Errorf("Replication.PollingInterval = %v, want 5s", dur(cfg.Replication.PollingInterval))
	}
}

func TestLoad_EmptyEnvVarDoesNotOverride(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	os.Setenv("SATELLITE_DB_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "data/satellite.db" {
		t.Errorf("Database.Path = %q, want default", cfg.Database.Path)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yamlContent := `
database:
  path: /yaml/path.db
replication:
  polling_interval: 2s
log:
  level: warn
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Database.Path != "/yaml/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/yaml/path.db")
	}
	if dur(cfg.Replication.PollingInterval) != 2*time.Second {
		t.Errorf("Replication.PollingInterval = %v, want 2s", dur(cfg.Replication.PollingInterval))
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yamlContent := `
database:
  path: /yaml/path.db
log:
  level: warn
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	os.Setenv("SATELLITE_CONFIG_PATH", configPath)
	os.Setenv("SATELLITE_DB_PATH", "/env/path.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/env/path.db" {
		t.Errorf("Database.Path = %q, want %q (env override)", cfg.Database.Path, "/env/path.db")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q (from YAML)", cfg.Log.Level, "warn")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")
	invalidYAML := `
database:
  path: ok
  this is invalid yaml [
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	os.Setenv("SATELLITE_CONFIG_PATH", "/nonexistent/path/config.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() should not error on missing file, got: %v", err)
	}
	if cfg.Database.Path != "data/satellite.db" {
		t.Errorf("Database.Path = %q, want default", cfg.Database.Path)
	}
}

func TestLoadFromFile_DurationParsing(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "durations.yaml")
	yamlContent := `
replication:
  polling_interval: 5m30s
  min_snapshot_window: 90ms
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if dur(cfg.Replication.PollingInterval) != 5*time.Minute+30*time.Second {
		t.Errorf("Replication.PollingInterval = %v, want 5m30s", dur(cfg.Replication.PollingInterval))
	}
	if dur(cfg.Replication.MinSnapshotWindow) != 90*time.Millisecond {
		t.Errorf("Replication.MinSnapshotWindow = %v, want 90ms", dur(cfg.Replication.MinSnapshotWindow))
	}
}

func TestLoadFromFile_ExplicitFalseOverridesDefault(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "falsy.yaml")
	yamlContent := `
replication:
  fk_checks: false
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Replication.FKChecks {
		t.Error("Replication.FKChecks = true, want false (explicit)")
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad_duration.yaml")
	yamlContent := `
replication:
  polling_interval: not_a_duration
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("LoadFromFile() expected error for invalid duration, got nil")
	}
}

func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := &Config{
		Auth: AuthConfig{Token: "super-secret-token"},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}

	yamlStr := string(data)
	if strings.Contains(yamlStr, "super-secret-token") {
		t.Errorf("YAML contains Auth.Token secret: %s", yamlStr)
	}
}

func TestLoad_AllEnvVarMappings(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	os.Setenv("SATELLITE_DB_PATH", "/env/db.sqlite")
	os.Setenv("SATELLITE_POLLING_INTERVAL", "3s")
	os.Setenv("SATELLITE_MIN_SNAPSHOT_WINDOW", "75ms")
	os.Setenv("SATELLITE_FK_CHECKS", "false")
	os.Setenv("SATELLITE_COMPENSATIONS", "false")
	os.Setenv("SATELLITE_BACKOFF_INITIAL_MS", "500")
	os.Setenv("SATELLITE_BACKOFF_MAX_MS", "30000")
	os.Setenv("SATELLITE_BACKOFF_FACTOR", "1.5")
	os.Setenv("SATELLITE_BACKOFF_JITTER", "0.5")
	os.Setenv("SATELLITE_AUTH_TOKEN", "tok-123")
	os.Setenv("SATELLITE_LOG_LEVEL", "error")
	os.Setenv("SATELLITE_LOG_FORMAT", "text")
	os.Setenv("SATELLITE_DEBUG_SERVER_ENABLED", "true")
	os.Setenv("SATELLITE_DEBUG_SERVER_PORT", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/env/db.sqlite" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/env/db.sqlite")
	}
	if dur(cfg.Replication.PollingInterval) != 3*time.Second {
		t.Errorf("Replication.PollingInterval = %v, want 3s", dur(cfg.Replication.PollingInterval))
	}
	if dur(cfg.Replication.MinSnapshotWindow) != 75*time.Millisecond {
		t.Errorf("Replication.MinSnapshotWindow = %v, want 75ms", dur(cfg.Replication.MinSnapshotWindow))
	}
	if cfg.Replication.FKChecks {
		t.Error("Replication.FKChecks should be false")
	}
	if cfg.Replication.Compensations {
		t.Error("Replication.Compensations should be false")
	}
	if cfg.Backoff.InitialMs != 500 {
		t.Errorf("Backoff.InitialMs = %d, want 500", cfg.Backoff.InitialMs)
	}
	if cfg.Backoff.MaxMs != 30000 {
		t.Errorf("Backoff.MaxMs = %d, want 30000", cfg.Backoff.MaxMs)
	}
	if cfg.Backoff.Factor != 1.5 {
		t.Errorf("Backoff.Factor = %v, want 1.5", cfg.Backoff.Factor)
	}
	if cfg.Backoff.Jitter != 0.5 {
		t.Errorf("Backoff.Jitter = %v, want 0.5", cfg.Backoff.Jitter)
	}
	if cfg.Auth.Token != "tok-123" {
		t.Errorf("Auth.Token = %q, want %q", cfg.Auth.Token, "tok-123")
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "error")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
	if !cfg.DebugServer.Enabled {
		t.Error("DebugServer.Enabled should be true")
	}
	if cfg.DebugServer.Port != 9999 {
		t.Errorf("DebugServer.Port = %d, want 9999", cfg.DebugServer.Port)
	}
}
