// Package config provides configuration types and defaults for springmod.
package config

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/astubbs/spring-modules-sub002/internal/log"
)

// Config holds all configuration options for springmod.
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker" yaml:"broker"`
	Index   IndexConfig   `mapstructure:"index" yaml:"index"`
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// BrokerConfig configures the sqlite persistence broker.
type BrokerConfig struct {
	// Path is the sqlite database file.
	Path string `mapstructure:"path" yaml:"path"`

	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`

	// MaxOpenConns caps the connection pool. Zero means unlimited.
	MaxOpenConns int `mapstructure:"max_open_conns" yaml:"max_open_conns"`

	// Isolation is the default isolation level for units of work:
	// "default", "read_uncommitted", "serializable" or "linearizable".
	Isolation string `mapstructure:"isolation" yaml:"isolation"`

	// TxTimeout bounds every unit of work. Zero means no deadline.
	TxTimeout time.Duration `mapstructure:"tx_timeout" yaml:"tx_timeout"`

	// AutoMigrate applies pending migrations when the broker opens.
	AutoMigrate bool `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// IndexConfig configures the directory search index.
type IndexConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`

	// Watch refreshes the shared reader when another process commits.
	Watch bool `mapstructure:"watch" yaml:"watch"`

	// MaxSegments triggers a merge on commit once exceeded. Zero disables
	// merging.
	MaxSegments int `mapstructure:"max_segments" yaml:"max_segments"`

	// LockTimeout is how long a writer waits for write.lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
}

// CacheConfig configures the document read-through cache.
type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/springmod/traces/traces.jsonl
	FilePath string `mapstructure:"file_path" yaml:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// LogConfig configures the debug log.
type LogConfig struct {
	// Path enables file logging when set.
	Path  string `mapstructure:"path" yaml:"path"`
	Level string `mapstructure:"level" yaml:"level"`
}

// DefaultDir is the project-local directory holding config and data.
const DefaultDir = ".springmod"

// DefaultTracesFilePath returns ~/.config/springmod/traces/traces.jsonl, or
// "" when the home directory is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "springmod", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			Path:         filepath.Join(DefaultDir, "springmod.db"),
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 4,
			Isolation:    "default",
			TxTimeout:    30 * time.Second,
			AutoMigrate:  true,
		},
		Index: IndexConfig{
			Dir:         filepath.Join(DefaultDir, "index"),
			Watch:       true,
			MaxSegments: 8,
			LockTimeout: 2 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             10 * time.Minute,
			CleanupInterval: 30 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ParseIsolation maps a configured isolation name to a sql.IsolationLevel.
// Names are case-insensitive; "-" and " " are treated as "_".
func ParseIsolation(name string) (sql.IsolationLevel, error) {
	normalized := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(name)))
	switch normalized {
	case "", "default":
		return sql.LevelDefault, nil
	case "read_uncommitted":
		return sql.LevelReadUncommitted, nil
	case "serializable":
		return sql.LevelSerializable, nil
	case "linearizable":
		return sql.LevelLinearizable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unsupported isolation level %q (sqlite supports default, read_uncommitted, serializable, linearizable)", name)
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := ValidateBroker(c.Broker); err != nil {
		return err
	}
	if err := ValidateIndex(c.Index); err != nil {
		return err
	}
	if err := ValidateCache(c.Cache); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// ValidateBroker checks broker configuration for errors.
func ValidateBroker(b BrokerConfig) error {
	if b.Path == "" {
		return fmt.Errorf("broker.path is required")
	}
	if b.BusyTimeout < 0 {
		return fmt.Errorf("broker.busy_timeout must not be negative, got %v", b.BusyTimeout)
	}
	if b.MaxOpenConns < 0 {
		return fmt.Errorf("broker.max_open_conns must not be negative, got %d", b.MaxOpenConns)
	}
	if b.TxTimeout < 0 {
		return fmt.Errorf("broker.tx_timeout must not be negative, got %v", b.TxTimeout)
	}
	if _, err := ParseIsolation(b.Isolation); err != nil {
		return fmt.Errorf("broker.isolation: %w", err)
	}
	return nil
}

// ValidateIndex checks index configuration for errors.
func ValidateIndex(i IndexConfig) error {
	if i.Dir == "" {
		return fmt.Errorf("index.dir is required")
	}
	if i.MaxSegments < 0 {
		return fmt.Errorf("index.max_segments must not be negative, got %d", i.MaxSegments)
	}
	if i.LockTimeout < 0 {
		return fmt.Errorf("index.lock_timeout must not be negative, got %v", i.LockTimeout)
	}
	return nil
}

// ValidateCache checks cache configuration for errors.
func ValidateCache(c CacheConfig) error {
	if !c.Enabled {
		return nil
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when the cache is enabled, got %v", c.TTL)
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("cache.cleanup_interval must not be negative, got %v", c.CleanupInterval)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Path requirements only matter once tracing is on
	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# springmod configuration

# Persistence broker (sqlite)
broker:
  path: .springmod/springmod.db
  busy_timeout: 5s
  max_open_conns: 4
  # default | read_uncommitted | serializable | linearizable
  isolation: default
  tx_timeout: 30s
  auto_migrate: true

# Directory search index
index:
  dir: .springmod/index
  watch: true          # refresh the shared reader when the manifest changes
  max_segments: 8      # merge segments on commit beyond this count (0 = never)
  lock_timeout: 2s

# Document read-through cache
cache:
  enabled: true
  ttl: 10m
  cleanup_interval: 30m

# Distributed tracing (OpenTelemetry)
tracing:
  enabled: false
  exporter: file       # none | file | stdout | otlp
  # file_path: ~/.config/springmod/traces/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0

# Debug log
log:
  # path: .springmod/debug.log
  level: info          # debug | info | warn | error
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
