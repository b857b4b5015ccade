package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/broker"
	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/index"
	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/presentation"
	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
)

// exerciseLabel marks every document the exercise writes.
const exerciseLabel = "exercise"

var exerciseDocs int

var exerciseCmd = &cobra.Command{
	Use:   "exercise",
	Short: "Run a scripted unit of work and report resource lifecycle counts",
	Long: `Run a scripted workload across the broker, the index and the cache:

  1. one unit of work stores and indexes --docs documents, sharing one
     session, one connection, one index reader and one index writer
  2. a second unit of work stores a document and fails; it must leave no trace
  3. the documents are read twice through the cache and searched

The report lists how many handles each resource key created and closed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := commandContext(cmd)
		defer stop()
		return runExercise(ctx, cfg, provider.Tracer(), cmd.OutOrStdout(), exerciseDocs)
	},
}

func init() {
	exerciseCmd.Flags().IntVarP(&exerciseDocs, "docs", "n", 5, "number of documents to write")
	rootCmd.AddCommand(exerciseCmd)
}

var errDiscarded = errors.New("discarded unit of work")

func runExercise(ctx context.Context, c config.Config, tracer trace.Tracer, out io.Writer, docs int) (err error) {
	if docs < 1 {
		return fmt.Errorf("--docs must be at least 1, got %d", docs)
	}

	rt, err := openRuntime(ctx, c, tracer)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, &err)

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go logEvents(rt.events.Subscribe(listenCtx,
		pubsub.CreatedEvent, pubsub.ClosedEvent, pubsub.CommittedEvent, pubsub.RolledBackEvent))

	report, err := exercise(ctx, rt, docs)
	if err != nil {
		return err
	}
	return presentation.NewFormatter(out).FormatReport(report)
}

func exercise(ctx context.Context, rt *runtime, n int) (presentation.ExerciseReportDTO, error) {
	var report presentation.ExerciseReportDTO

	ids, err := exerciseWrite(ctx, rt, n)
	if err != nil {
		return report, err
	}

	report.DiscardedUnitGone, err = exerciseDiscard(ctx, rt)
	if err != nil {
		return report, err
	}

	for range 2 {
		for _, id := range ids {
			if _, err := rt.store.Get(ctx, id); err != nil {
				return report, err
			}
		}
	}

	hits, err := rt.index.Search(ctx, exerciseLabel, 0)
	if err != nil {
		return report, err
	}
	report.SearchHits = len(hits)

	stats, err := rt.index.Stats(ctx)
	if err != nil {
		return report, err
	}
	report.Index = presentation.FromIndexStats(stats)

	stored, err := rt.store.List(ctx, broker.ListFilter{Label: exerciseLabel})
	if err != nil {
		return report, err
	}
	report.Documents = len(stored)
	report.CacheEntries = cacheEntries(rt.store)
	cacheStats := rt.store.CacheStats()
	report.CacheHits, report.CacheMisses = cacheStats.Hits, cacheStats.Misses

	for _, ec := range rt.events.snapshot() {
		report.Events = append(report.Events, presentation.EventCountDTO{
			Key: ec.key.String(), Event: string(ec.eventType), Count: ec.count,
		})
	}

	// The shared index reader stays open across releases, so the index key
	// is expected to create more handles than it closes.
	unclosed := rt.events.unclosed()
	report.SharedReaderReuses = unclosed[index.Key.String()]
	delete(unclosed, index.Key.String())
	report.Balanced = len(unclosed) == 0
	if !report.Balanced {
		report.Unclosed = unclosed
	}

	log.Info(log.CatConfig, "Exercise finished", "docs", n, "balanced", report.Balanced,
		"sessions", rt.events.count(broker.SessionKey, pubsub.CreatedEvent),
		"dropped_events", rt.events.Dropped())
	return report, nil
}

// exerciseWrite stores and indexes n documents in one unit of work and
// checks, through the raw connection, that the session sees them before
// commit.
func exerciseWrite(ctx context.Context, rt *runtime, n int) ([]string, error) {
	ids := make([]string, 0, n)
	err := rt.broker.InTransaction(ctx, resource.Options{Name: "exercise"}, func(ctx context.Context, _ *broker.Session) error {
		err := rt.index.Session(ctx, func(ctx context.Context) error {
			for i := range n {
				doc := &broker.Document{
					Title:  fmt.Sprintf("Exercise document %d", i+1),
					Body:   "scoped resources shared across one unit of work",
					Labels: []string{exerciseLabel},
				}
				if err := rt.store.Put(ctx, doc); err != nil {
					return err
				}
				if err := rt.index.Add(ctx, toIndexDocument(doc)); err != nil {
					return err
				}
				ids = append(ids, doc.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		return rt.broker.Connection(ctx, func(ctx context.Context, conn *sql.Conn) error {
			var count int
			if err := conn.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM document_labels WHERE label = ?`, exerciseLabel,
			).Scan(&count); err != nil {
				return fmt.Errorf("counting documents: %w", err)
			}
			if count < n {
				return fmt.Errorf("connection sees %d documents, want at least %d", count, n)
			}
			return nil
		})
	})
	return ids, err
}

// exerciseDiscard stores a document in a unit of work that then fails and
// reports whether the document is gone afterwards.
func exerciseDiscard(ctx context.Context, rt *runtime) (bool, error) {
	doc := &broker.Document{Title: "Discarded", Body: "never committed"}
	err := rt.broker.InTransaction(ctx, resource.Options{Name: "discard"}, func(ctx context.Context, _ *broker.Session) error {
		if err := rt.store.Put(ctx, doc); err != nil {
			return err
		}
		return errDiscarded
	})
	if !errors.Is(err, errDiscarded) {
		return false, fmt.Errorf("discarded unit of work: %w", err)
	}

	_, err = rt.store.Get(ctx, doc.ID)
	var notFound *broker.DocumentNotFoundError
	if errors.As(err, &notFound) {
		return true, nil
	}
	return false, err
}

func cacheEntries(store *broker.DocumentStore) int {
	c := store.Cache()
	if c == nil {
		return 0
	}
	if counted, ok := c.Target().(interface{ Len() int }); ok {
		return counted.Len()
	}
	return 0
}
