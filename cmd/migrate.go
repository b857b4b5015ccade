package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/presentation"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Apply pending schema migrations to the broker database, each in its
own transaction, and print the applied migrations as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()
		return runMigrate(ctx, cfg, provider.Tracer(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(ctx context.Context, c config.Config, tracer trace.Tracer, out io.Writer) (err error) {
	c.Broker.AutoMigrate = false
	rt, err := openRuntime(ctx, c, tracer)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	applied, err := rt.broker.Migrate(ctx)
	if err != nil {
		return err
	}
	migrations, err := rt.broker.AppliedMigrations(ctx)
	if err != nil {
		return err
	}
	return presentation.NewFormatter(out).FormatMigrations(presentation.FromMigrations(applied, migrations))
}
