package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/log"
)

var (
	initBrokerPath string
	initIndexDir   string
	initForce      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a commented default config file to --config, or to
.springmod/config.yaml when no path is given.

Examples:
  springmod init
  springmod init --broker-path data/docs.db --index-dir data/index
  springmod init --config ~/.config/springmod/config.yaml --force`,
	Args: cobra.NoArgs,
	// The config file may not exist yet, so only logging is set up.
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initLogging("", cmd.ErrOrStderr(), log.LevelWarn)
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := runInit(cfgFile, initBrokerPath, initIndexDir, initForce)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote config to %s\n", path)
		return err
	},
}

func init() {
	initCmd.Flags().StringVar(&initBrokerPath, "broker-path", "", "sqlite database path (overrides the default)")
	initCmd.Flags().StringVar(&initIndexDir, "index-dir", "", "search index directory (overrides the default)")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

// runInit writes the default config to path and applies the overrides.
// It returns the path written.
func runInit(path, brokerPath, indexDir string, force bool) (string, error) {
	if path == "" {
		path = filepath.Join(config.DefaultDir, "config.yaml")
	}
	if fileExists(path) && !force {
		return "", fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := config.WriteDefaultConfig(path); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}

	defaults := config.Defaults()
	if brokerPath != "" {
		b := defaults.Broker
		b.Path = brokerPath
		if err := config.SaveBroker(path, b); err != nil {
			return "", err
		}
	}
	if indexDir != "" {
		i := defaults.Index
		i.Dir = indexDir
		if err := config.SaveIndex(path, i); err != nil {
			return "", err
		}
	}
	return path, nil
}
