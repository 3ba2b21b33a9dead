// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the llm-supervisor skill.
// It loads a YAML file, applies defaults for absent keys and normalizes values so
// the hook handlers never have to second-guess what they were given.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/traylinx/llm-supervisor/internal/secret"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrMissingLocalModel is returned by Validate when no local model is configured.
var ErrMissingLocalModel = errors.New("config: local-model is required")

// Config represents the skill configuration, loaded from a YAML file.
type Config struct {
	// SupervisorConfig holds the settings the hook handlers read on every invocation.
	SupervisorConfig `yaml:",inline"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes logs to a rotating file under the State Box logs directory.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogMaxSizeMB is the size at which the log file is rotated.
	LogMaxSizeMB int `yaml:"log-max-size-mb" json:"log-max-size-mb"`

	// StateDir overrides the State Box root directory.
	StateDir string `yaml:"state-dir" json:"state-dir"`

	// State selects where the supervisor record is persisted.
	State StateConfig `yaml:"state" json:"state"`

	// Hooks configures automation rules triggered by supervisor events.
	Hooks HooksConfig `yaml:"hooks" json:"hooks"`

	// Plugins configures Lua classifier scripts.
	Plugins PluginConfig `yaml:"plugins" json:"plugins"`

	// Audit configures the JSON-lines audit trail of mode transitions.
	Audit AuditConfig `yaml:"audit" json:"audit"`

	// Telemetry configures the OpenTelemetry metric exporter.
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Server configures the reference host HTTP API.
	Server ServerConfig `yaml:"server" json:"-"`
}

// StateConfig selects and configures the key/value backend.
type StateConfig struct {
	// Backend is one of memory, file, sqlite, postgres or object. Default: file.
	Backend string `yaml:"backend" json:"backend"`

	// Key is the record key. Default: llm-supervisor:state.
	Key string `yaml:"key" json:"key"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite-path" json:"sqlite-path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres-dsn" json:"-"`

	// Table is the table name used by the SQL backends. Default: skill_state.
	Table string `yaml:"table" json:"table"`

	// Object configures the S3-compatible object storage backend.
	Object ObjectStoreConfig `yaml:"object" json:"object"`
}

// ObjectStoreConfig configures an S3-compatible bucket used as the state backend.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	UseSSL    bool   `yaml:"use-ssl" json:"use-ssl"`
}

// HooksConfig configures the automation rule manager.
type HooksConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
	Watch   bool   `yaml:"watch" json:"watch"`
}

// PluginConfig configures Lua classifier scripts.
type PluginConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
	// EnabledPlugins lists the plugin directories to load. Nothing is loaded when empty.
	EnabledPlugins []string `yaml:"enabled-plugins" json:"enabled-plugins"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max-size-mb" json:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups" json:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days" json:"max-age-days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	// Exporter is none or stdout. Default: none.
	Exporter        string `yaml:"exporter" json:"exporter"`
	IntervalSeconds int    `yaml:"interval-seconds" json:"interval-seconds"`
}

// ServerConfig configures the reference host HTTP API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ManagementKey protects state-changing endpoints. Plaintext values are
	// replaced with their bcrypt hash when the config is loaded.
	ManagementKey string `yaml:"management-key"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	cfg.SupervisorConfig = DefaultSupervisorConfig()
	cfg.LogMaxSizeMB = 10
	cfg.State.Backend = BackendFile
	cfg.State.Key = DefaultStateKey
	cfg.State.Table = "skill_state"
	cfg.Hooks.Enabled = false
	cfg.Hooks.Watch = true
	cfg.Plugins.Enabled = false
	cfg.Audit.Enabled = true
	cfg.Audit.MaxSizeMB = 20
	cfg.Audit.MaxBackups = 5
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true
	cfg.Telemetry.Exporter = "none"
	cfg.Telemetry.IntervalSeconds = 60
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8765
}

// LoadConfig reads and parses a configuration file. The file must exist.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads and parses a configuration file. When optional is true a
// missing or empty file yields the default configuration instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if optional && len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}

	return Parse(data)
}

// Parse decodes YAML configuration data. Defaults are set before unmarshal so
// absent keys keep them.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	cfg.applyDefaults()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applySecrets()

	if cfg.Server.ManagementKey != "" && !looksLikeBcrypt(cfg.Server.ManagementKey) {
		hashed, err := hashSecret(cfg.Server.ManagementKey)
		if err != nil {
			return nil, fmt.Errorf("failed to hash management key: %w", err)
		}
		cfg.Server.ManagementKey = hashed
	}

	cfg.Sanitize()
	return &cfg, nil
}

// applySecrets overrides credentials with their environment variables.
func (cfg *Config) applySecrets() {
	cfg.Server.ManagementKey = secret.ManagementKey(cfg.Server.ManagementKey)
	cfg.State.PostgresDSN = secret.PostgresDSN(cfg.State.PostgresDSN)
	cfg.State.Object.AccessKey = secret.ObjectAccessKey(cfg.State.Object.AccessKey)
	cfg.State.Object.SecretKey = secret.ObjectSecretKey(cfg.State.Object.SecretKey)
}

// Sanitize normalizes every section.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}

	cfg.SanitizeSupervisor()

	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	if cfg.State.Backend == "" {
		cfg.State.Backend = BackendFile
	}
	cfg.State.Key = strings.TrimSpace(cfg.State.Key)
	if cfg.State.Key == "" {
		cfg.State.Key = DefaultStateKey
	}
	cfg.State.Table = strings.TrimSpace(cfg.State.Table)
	if cfg.State.Table == "" {
		cfg.State.Table = "skill_state"
	}
	cfg.State.Object.Prefix = strings.Trim(strings.TrimSpace(cfg.State.Object.Prefix), "/")

	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 10
	}
	if cfg.Audit.MaxSizeMB <= 0 {
		cfg.Audit.MaxSizeMB = 20
	}
	if cfg.Audit.MaxBackups < 0 {
		cfg.Audit.MaxBackups = 0
	}
	if cfg.Audit.MaxAgeDays < 0 {
		cfg.Audit.MaxAgeDays = 0
	}
	cfg.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.IntervalSeconds <= 0 {
		cfg.Telemetry.IntervalSeconds = 60
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		cfg.Server.Port = 8765
	}
}

// Validate reports configuration that cannot be used to run the skill.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.LocalModel) == "" {
		return ErrMissingLocalModel
	}
	switch cfg.State.Backend {
	case BackendMemory, BackendFile:
	case BackendSQLite:
		if cfg.State.SQLitePath == "" {
			return fmt.Errorf("config: state.sqlite-path is required for the sqlite backend")
		}
	case BackendPostgres:
		if cfg.State.PostgresDSN == "" {
			return fmt.Errorf("config: state.postgres-dsn is required for the postgres backend")
		}
	case BackendObject:
		if cfg.State.Object.Endpoint == "" || cfg.State.Object.Bucket == "" {
			return fmt.Errorf("config: state.object.endpoint and state.object.bucket are required for the object backend")
		}
	default:
		return fmt.Errorf("config: unknown state backend %q", cfg.State.Backend)
	}
	return nil
}

// CheckManagementKey reports whether key matches the configured management key.
// An unset management key rejects every request.
func (cfg *Config) CheckManagementKey(key string) bool {
	if cfg == nil || cfg.Server.ManagementKey == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(cfg.Server.ManagementKey), []byte(key)) == nil
}

func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

func hashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}
