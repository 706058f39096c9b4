// Package config provides file- and environment-based configuration for the
// bot runner.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigEnvVar names the optional YAML configuration file.
const ConfigEnvVar = "BOTRUNNER_CONFIG"

// Config holds all configuration for the bot runner.
type Config struct {
	Server ServerConfig `yaml:"server"`

	// DatabaseDSN selects the Postgres store. Empty keeps state in memory.
	DatabaseDSN string `yaml:"database_dsn"`

	// WorkspaceRoot holds one directory per deployment.
	WorkspaceRoot string `yaml:"workspace_root"`

	Log        LogConfig        `yaml:"log"`
	Limits     LimitsConfig     `yaml:"limits"`
	Ports      PortsConfig      `yaml:"ports"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Installer  InstallerConfig  `yaml:"installer"`
	Logs       LogsConfig       `yaml:"logs"`
	Secrets    SecretsConfig    `yaml:"secrets"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins are accepted on websocket upgrades. Empty means same-origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LimitsConfig caps client-supplied data.
type LimitsConfig struct {
	MaxArchiveSize int64 `yaml:"max_archive_size"`
	MaxFileSize    int64 `yaml:"max_file_size"`
}

// PortsConfig configures the port allocator.
type PortsConfig struct {
	Host  string `yaml:"host"`
	Start int    `yaml:"start"`
}

// SupervisorConfig holds worker start and restart timings.
type SupervisorConfig struct {
	StartGrace     time.Duration `yaml:"start_grace"`
	TrialDelay     time.Duration `yaml:"trial_delay"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	RestartSettle  time.Duration `yaml:"restart_settle"`
	AutoRestart    bool          `yaml:"auto_restart"`
	MaxRestarts    int           `yaml:"max_restarts"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	StableAfter    time.Duration `yaml:"stable_after"`
}

// InstallerConfig configures the dependency installer.
type InstallerConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// LogsConfig configures journals and log persistence.
type LogsConfig struct {
	MaxLines      int           `yaml:"max_lines"`
	SnapshotLines int           `yaml:"snapshot_lines"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// SecretsConfig holds the age key pair used to seal connection strings at
// rest. Both empty disables sealing.
type SecretsConfig struct {
	// AgeRecipient is the public key. Format: age1...
	AgeRecipient string `yaml:"age_recipient"`
	// AgeIdentity is the private key. Format: AGE-SECRET-KEY-1...
	AgeIdentity string `yaml:"age_identity"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		WorkspaceRoot: "${HOME}/.botrunner/deployments",
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Limits: LimitsConfig{
			MaxArchiveSize: 100 << 20,
			MaxFileSize:    10 << 20,
		},
		Ports: PortsConfig{
			Host:  "127.0.0.1",
			Start: 10000,
		},
		Supervisor: SupervisorConfig{
			StartGrace:     3 * time.Second,
			TrialDelay:     time.Second,
			StopGrace:      5 * time.Second,
			RestartSettle:  time.Second,
			AutoRestart:    true,
			MaxRestarts:    3,
			RestartBackoff: 5 * time.Second,
			BackoffFactor:  2,
			StableAfter:    time.Minute,
		},
		Installer: InstallerConfig{
			StepTimeout: 10 * time.Minute,
		},
		Logs: LogsConfig{
			MaxLines:      10000,
			SnapshotLines: 200,
			FlushInterval: time.Second,
			BatchSize:     500,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// BOTRUNNER_CONFIG if set, then environment variables, and validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigEnvVar); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults and environment
// overrides but without a file or validation. Useful for testing.
func LoadWithDefaults() *Config {
	cfg := Default()
	cfg.applyEnv()
	cfg.expandVariables()
	return cfg
}

// loadFile merges a YAML file into c. Keys absent from the file keep their
// current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("BOTRUNNER_HOST", c.Server.Host)
	c.Server.Port = getIntEnv("BOTRUNNER_PORT", c.Server.Port)
	c.Server.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	if origins := os.Getenv("BOTRUNNER_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	c.DatabaseDSN = getEnv("DATABASE_URL", c.DatabaseDSN)
	c.WorkspaceRoot = getEnv("BOTRUNNER_WORKSPACE", c.WorkspaceRoot)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.JSON = getBoolEnv("LOG_JSON", c.Log.JSON)

	c.Limits.MaxArchiveSize = getInt64Env("MAX_ARCHIVE_SIZE", c.Limits.MaxArchiveSize)
	c.Limits.MaxFileSize = getInt64Env("MAX_FILE_SIZE", c.Limits.MaxFileSize)

	c.Ports.Host = getEnv("PORT_HOST", c.Ports.Host)
	c.Ports.Start = getIntEnv("PORT_START", c.Ports.Start)

	c.Supervisor.StartGrace = getDurationEnv("START_GRACE", c.Supervisor.StartGrace)
	c.Supervisor.TrialDelay = getDurationEnv("TRIAL_DELAY", c.Supervisor.TrialDelay)
	c.Supervisor.StopGrace = getDurationEnv("STOP_GRACE", c.Supervisor.StopGrace)
	c.Supervisor.RestartSettle = getDurationEnv("RESTART_SETTLE", c.Supervisor.RestartSettle)
	c.Supervisor.AutoRestart = getBoolEnv("AUTO_RESTART", c.Supervisor.AutoRestart)
	c.Supervisor.MaxRestarts = getIntEnv("MAX_RESTARTS", c.Supervisor.MaxRestarts)
	c.Supervisor.RestartBackoff = getDurationEnv("RESTART_BACKOFF", c.Supervisor.RestartBackoff)

	c.Installer.StepTimeout = getDurationEnv("INSTALL_STEP_TIMEOUT", c.Installer.StepTimeout)

	c.Logs.MaxLines = getIntEnv("LOG_MAX_LINES", c.Logs.MaxLines)
	c.Logs.FlushInterval = getDurationEnv("LOG_FLUSH_INTERVAL", c.Logs.FlushInterval)

	c.Secrets.AgeRecipient = getEnv("AGE_RECIPIENT", c.Secrets.AgeRecipient)
	c.Secrets.AgeIdentity = getEnv("AGE_IDENTITY", c.Secrets.AgeIdentity)
}

// expandVariables expands ${HOME} and other environment references in paths.
func (c *Config) expandVariables() {
	c.WorkspaceRoot = os.ExpandEnv(c.WorkspaceRoot)
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	if c.Limits.MaxArchiveSize <= 0 {
		return fmt.Errorf("max_archive_size must be positive")
	}
	if c.Limits.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be positive")
	}
	if c.Ports.Start <= 0 || c.Ports.Start > 65535 {
		return fmt.Errorf("port start %d out of range", c.Ports.Start)
	}
	if c.Supervisor.StartGrace <= 0 {
		return fmt.Errorf("start_grace must be positive")
	}
	if c.Supervisor.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be at least 1")
	}
	if (c.Secrets.AgeRecipient == "") != (c.Secrets.AgeIdentity == "") {
		return fmt.Errorf("age_recipient and age_identity must be set together")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
