package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/tracing"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config

	provider   *tracing.Provider
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "springmod",
	Short: "Scoped resources and units of work over sqlite and a search index",
	Long: `springmod stores documents in a sqlite database and a directory search
index, sharing sessions, readers and writers across a unit of work.`,
	Version:            version,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .springmod/config.yaml, then ~/.config/springmod/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"log at debug level")
}

// userConfigDir is where the user-wide config file lives.
func userConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "springmod")
}

// loadConfig reads the config file into a fresh viper instance on top of
// the defaults. Lookup order:
//  1. path, when set
//  2. .springmod/config.yaml (current directory)
//  3. ~/.config/springmod/config.yaml (user config)
//
// A missing file is not an error; the returned path is empty then.
// SPRINGMOD_<SECTION>_<KEY> environment variables override the file.
func loadConfig(path string) (config.Config, string, error) {
	v := viper.New()
	setDefaults(v, config.Defaults())
	v.SetEnvPrefix("SPRINGMOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	localPath := filepath.Join(config.DefaultDir, "config.yaml")
	switch {
	case path != "":
		v.SetConfigFile(path)
	case fileExists(localPath):
		v.SetConfigFile(localPath)
	default:
		if dir := userConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config.Config{}, "", fmt.Errorf("reading config: %w", err)
		}
	}

	var c config.Config
	if err := v.Unmarshal(&c); err != nil {
		return config.Config{}, "", fmt.Errorf("decoding config: %w", err)
	}
	return c, v.ConfigFileUsed(), nil
}

func setDefaults(v *viper.Viper, d config.Config) {
	v.SetDefault("broker.path", d.Broker.Path)
	v.SetDefault("broker.busy_timeout", d.Broker.BusyTimeout)
	v.SetDefault("broker.max_open_conns", d.Broker.MaxOpenConns)
	v.SetDefault("broker.isolation", d.Broker.Isolation)
	v.SetDefault("broker.tx_timeout", d.Broker.TxTimeout)
	v.SetDefault("broker.auto_migrate", d.Broker.AutoMigrate)

	v.SetDefault("index.dir", d.Index.Dir)
	v.SetDefault("index.watch", d.Index.Watch)
	v.SetDefault("index.max_segments", d.Index.MaxSegments)
	v.SetDefault("index.lock_timeout", d.Index.LockTimeout)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)

	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.level", d.Log.Level)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, path, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	level := log.ParseLevel(cfg.Log.Level)
	switch {
	case debugFlag || os.Getenv("SPRINGMOD_DEBUG") != "":
		level = log.LevelDebug
	case cfg.Log.Path == "":
		level = max(level, log.LevelWarn)
	}
	if err := initLogging(cfg.Log.Path, cmd.ErrOrStderr(), level); err != nil {
		return err
	}
	log.Debug(log.CatConfig, "Loaded config", "path", path)

	if err := config.ValidateTracing(cfg.Tracing); err != nil {
		return fmt.Errorf("invalid tracing configuration: %w", err)
	}
	provider, err = tracing.NewProvider(tracingConfig(cfg.Tracing))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if provider != nil {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.ErrorErr(log.CatTrace, "Failed to shut down tracing", err)
		}
		provider = nil
	}
	if logCleanup != nil {
		logCleanup()
		logCleanup = nil
	}
	return nil
}

// initLogging writes to the file at path, or to w when path is empty.
func initLogging(path string, w io.Writer, level log.Level) error {
	if path == "" {
		log.InitWriter(w, level)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	cleanup, err := log.Init(path)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	logCleanup = cleanup
	log.SetMinLevel(level)
	return nil
}

func tracingConfig(c config.TracingConfig) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = c.Enabled
	tc.Exporter = c.Exporter
	tc.FilePath = c.FilePath
	if tc.FilePath == "" {
		tc.FilePath = config.DefaultTracesFilePath()
	}
	tc.OTLPEndpoint = c.OTLPEndpoint
	tc.SampleRate = c.SampleRate
	return tc
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
