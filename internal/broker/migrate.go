package broker

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
	"github.com/astubbs/spring-modules-sub002/internal/tracing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL
)`

// Migration describes one applied schema migration.
type Migration struct {
	Version   uint
	Name      string
	AppliedAt time.Time
}

// Migrate applies pending migrations in version order, each in its own unit
// of work, and returns how many it applied. A failing migration rolls back
// and stops the run; earlier ones stay applied.
func (b *Broker) Migrate(ctx context.Context) (int, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("loading migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	return b.migrate(ctx, src)
}

func (b *Broker) migrate(ctx context.Context, src source.Driver) (int, error) {
	if err := b.Execute(ctx, func(ctx context.Context, s *Session) error {
		_, err := s.Exec(ctx, createMigrationsTable)
		return err
	}); err != nil {
		return 0, fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied, err := b.AppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}
	done := make(map[uint]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}

	count := 0
	version, err := src.First()
	for err == nil {
		if !done[version] {
			if err := b.applyMigration(ctx, src, version); err != nil {
				return count, err
			}
			count++
		}
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return count, fmt.Errorf("reading migrations: %w", err)
	}

	log.Info(log.CatBroker, "Migrations complete", "applied", count, "path", b.cfg.Path)
	return count, nil
}

func (b *Broker) applyMigration(ctx context.Context, src source.Driver, version uint) error {
	r, name, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}
	body, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}

	return tracing.WithSpan(ctx, b.tracer, tracing.SpanPrefixBroker+"migrate", func(ctx context.Context, span trace.Span) error {
		opts := resource.Options{
			Name:        "migrate " + name,
			Propagation: resource.PropagationRequiresNew,
			Isolation:   sql.LevelSerializable,
		}
		err := b.InTransaction(ctx, opts, func(ctx context.Context, s *Session) error {
			if _, err := s.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := s.Exec(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				int64(version), name, time.Now().Unix(),
			)
			return err
		})
		if err != nil {
			log.ErrorErr(log.CatBroker, "Migration failed", err, "version", version, "name", name)
			return fmt.Errorf("applying migration %d (%s): %w", version, name, err)
		}
		span.AddEvent(tracing.EventMigrationApplied)
		log.Info(log.CatBroker, "Applied migration", "version", version, "name", name)
		return nil
	},
		attribute.Int64(tracing.AttrMigrationVersion, int64(version)),
		attribute.String(tracing.AttrMigrationName, name),
		attribute.String(tracing.AttrBrokerPath, b.cfg.Path),
	)
}

// AppliedMigrations lists applied migrations in version order. It returns
// an empty list before the first Migrate.
func (b *Broker) AppliedMigrations(ctx context.Context) ([]Migration, error) {
	var out []Migration
	err := b.Execute(ctx, func(ctx context.Context, s *Session) error {
		var exists int
		if err := s.QueryRow(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}

		rows, err := s.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				m         Migration
				version   int64
				appliedAt int64
			)
			if err := rows.Scan(&version, &m.Name, &appliedAt); err != nil {
				return err
			}
			m.Version = uint(version)
			m.AppliedAt = time.Unix(appliedAt, 0)
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	return out, nil
}
