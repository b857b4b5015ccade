package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/presentation"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the index",
	Long: `Search the index for documents containing every term of the query and
print the hits as JSON, best first.

Examples:
  springmod search "unit of work"
  springmod search session --limit 5 | jq '.[].id'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()
		return runSearch(ctx, cfg, provider.Tracer(), cmd.OutOrStdout(), args[0], searchLimit)
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of hits (0 for all)")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(ctx context.Context, c config.Config, tracer trace.Tracer, out io.Writer, query string, limit int) (err error) {
	c.Index.Watch = false
	rt, err := openRuntime(ctx, c, tracer)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	hits, err := rt.index.Search(ctx, query, limit)
	if err != nil {
		return err
	}
	return presentation.NewFormatter(out).FormatHits(presentation.FromHits(hits))
}
