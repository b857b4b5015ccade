package broker

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
)

// Registry keys of the broker's resources.
var (
	SessionKey    = resource.NewKey("sqlite", "session")
	ConnectionKey = resource.NewKey("sqlite", "connection")
)

// connectionCoResource binds the session's connection under ConnectionKey
// for the duration of a unit of work, so plain connection users join it.
type connectionCoResource struct{}

var _ resource.CoResource[*Session] = connectionCoResource{}

func (connectionCoResource) Key() resource.Key { return ConnectionKey }

// Prepare switches the connection to read-uncommitted when asked and
// reports the previous level so Restore can switch it back.
func (connectionCoResource) Prepare(ctx context.Context, s *Session, opts resource.Options) (resource.Holder, *sql.IsolationLevel, error) {
	holder := resource.NewResourceHolder(s.conn)
	if opts.Isolation != sql.LevelReadUncommitted {
		return holder, nil, nil
	}

	var current int
	if err := s.QueryRow(ctx, "PRAGMA read_uncommitted").Scan(&current); err != nil {
		return nil, nil, fmt.Errorf("reading read_uncommitted: %w", err)
	}
	if current == 1 {
		return holder, nil, nil
	}
	if _, err := s.Exec(ctx, "PRAGMA read_uncommitted = 1"); err != nil {
		return nil, nil, fmt.Errorf("setting read_uncommitted: %w", err)
	}
	previous := sql.LevelDefault
	log.Debug(log.CatBroker, "Switched connection to read uncommitted", "session", s.id)
	return holder, &previous, nil
}

func (connectionCoResource) Restore(ctx context.Context, holder resource.Holder, previous *sql.IsolationLevel) error {
	if previous == nil {
		return nil
	}
	h, ok := holder.(*resource.ResourceHolder[*sql.Conn])
	if !ok {
		return fmt.Errorf("unexpected connection holder %T", holder)
	}
	value := 0
	if *previous == sql.LevelReadUncommitted {
		value = 1
	}
	_, err := h.Resource().ExecContext(context.WithoutCancel(ctx), fmt.Sprintf("PRAGMA read_uncommitted = %d", value))
	return err
}

// connFactory hands out plain pooled connections for work outside a unit
// of work.
type connFactory struct {
	db *sql.DB
}

func (f *connFactory) Create(ctx context.Context) (*sql.Conn, error) {
	return f.db.Conn(ctx)
}

func (f *connFactory) Close(ctx context.Context, c *sql.Conn) error {
	return c.Close()
}
