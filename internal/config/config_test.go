package config

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Validate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestParseIsolation(t *testing.T) {
	tests := []struct {
		name string
		want sql.IsolationLevel
	}{
		{"", sql.LevelDefault},
		{"default", sql.LevelDefault},
		{"read_uncommitted", sql.LevelReadUncommitted},
		{"Read-Uncommitted", sql.LevelReadUncommitted},
		{"read uncommitted", sql.LevelReadUncommitted},
		{"SERIALIZABLE", sql.LevelSerializable},
		{" linearizable ", sql.LevelLinearizable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIsolation(tt.name)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseIsolation_Unsupported(t *testing.T) {
	for _, name := range []string{"read_committed", "repeatable_read", "snapshot", "bogus"} {
		_, err := ParseIsolation(name)
		require.Error(t, err, name)
		require.Contains(t, err.Error(), "unsupported isolation level")
	}
}

func TestValidateBroker(t *testing.T) {
	base := Defaults().Broker

	tests := []struct {
		name    string
		mutate  func(*BrokerConfig)
		wantErr string
	}{
		{"valid", func(*BrokerConfig) {}, ""},
		{"missing path", func(b *BrokerConfig) { b.Path = "" }, "broker.path is required"},
		{"negative busy timeout", func(b *BrokerConfig) { b.BusyTimeout = -time.Second }, "broker.busy_timeout"},
		{"negative pool", func(b *BrokerConfig) { b.MaxOpenConns = -1 }, "broker.max_open_conns"},
		{"negative tx timeout", func(b *BrokerConfig) { b.TxTimeout = -time.Second }, "broker.tx_timeout"},
		{"bad isolation", func(b *BrokerConfig) { b.Isolation = "read_committed" }, "broker.isolation"},
		{"zero tx timeout", func(b *BrokerConfig) { b.TxTimeout = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := base
			tt.mutate(&b)
			err := ValidateBroker(b)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateIndex(t *testing.T) {
	require.NoError(t, ValidateIndex(Defaults().Index))

	err := ValidateIndex(IndexConfig{})
	require.ErrorContains(t, err, "index.dir is required")

	err = ValidateIndex(IndexConfig{Dir: "idx", MaxSegments: -1})
	require.ErrorContains(t, err, "index.max_segments")

	err = ValidateIndex(IndexConfig{Dir: "idx", LockTimeout: -time.Second})
	require.ErrorContains(t, err, "index.lock_timeout")
}

func TestValidateCache(t *testing.T) {
	require.NoError(t, ValidateCache(CacheConfig{}), "disabled cache skips checks")
	require.NoError(t, ValidateCache(Defaults().Cache))

	err := ValidateCache(CacheConfig{Enabled: true})
	require.ErrorContains(t, err, "cache.ttl must be positive")

	err = ValidateCache(CacheConfig{Enabled: true, TTL: time.Minute, CleanupInterval: -time.Minute})
	require.ErrorContains(t, err, "cache.cleanup_interval")
}

func TestValidateTracing_Empty(t *testing.T) {
	require.NoError(t, ValidateTracing(TracingConfig{}), "empty tracing config should be valid")
}

func TestValidateTracing_SampleRate(t *testing.T) {
	require.Error(t, ValidateTracing(TracingConfig{SampleRate: -0.1}))
	require.Error(t, ValidateTracing(TracingConfig{SampleRate: 1.5}))
	require.NoError(t, ValidateTracing(TracingConfig{SampleRate: 0.5}))
}

func TestValidateTracing_Exporter(t *testing.T) {
	for _, exporter := range []string{"none", "file", "stdout", "otlp"} {
		require.NoError(t, ValidateTracing(TracingConfig{Exporter: exporter, OTLPEndpoint: "x:1"}), exporter)
	}
	err := ValidateTracing(TracingConfig{Exporter: "jaeger"})
	require.ErrorContains(t, err, "tracing.exporter")
}

func TestValidateTracing_OTLPEndpointRequiredWhenEnabled(t *testing.T) {
	err := ValidateTracing(TracingConfig{Enabled: true, Exporter: "otlp"})
	require.ErrorContains(t, err, "tracing.otlp_endpoint is required")

	// Disabled tracing does not care
	require.NoError(t, ValidateTracing(TracingConfig{Exporter: "otlp"}))
}

func TestWriteDefaultConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(configPath))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.Equal(t, DefaultConfigTemplate(), string(data))
}

// The commented template must decode to exactly what Defaults returns.
func TestDefaultConfigTemplate_MatchesDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(configPath))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.Equal(t, Defaults(), cfg)
}
