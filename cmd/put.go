package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/broker"
	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/presentation"
)

var (
	putTitle  string
	putLabels []string
)

var putCmd = &cobra.Command{
	Use:   "put <id> <body>",
	Short: "Store and index a document",
	Long: `Store a document in the broker database and add it to the search index
in one unit of work. An existing document with the same ID is replaced.
Use "-" as the ID to generate one.

Examples:
  springmod put notes-1 "sessions are bound per unit of work"
  springmod put - "generated id" --title Scratch -l draft -l scratch`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()

		id := args[0]
		if id == "-" {
			id = ""
		}
		doc := &broker.Document{ID: id, Title: putTitle, Body: args[1], Labels: putLabels}
		return runPut(ctx, cfg, provider.Tracer(), cmd.OutOrStdout(), doc)
	},
}

func init() {
	putCmd.Flags().StringVarP(&putTitle, "title", "t", "", "document title")
	putCmd.Flags().StringSliceVarP(&putLabels, "label", "l", nil, "document label (repeatable)")
	rootCmd.AddCommand(putCmd)
}

func runPut(ctx context.Context, c config.Config, tracer trace.Tracer, out io.Writer, doc *broker.Document) (err error) {
	rt, err := openRuntime(ctx, c, tracer)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	if err := rt.put(ctx, doc); err != nil {
		return err
	}
	return presentation.NewFormatter(out).FormatDocument(presentation.FromDocument(doc))
}
