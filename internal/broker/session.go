package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
)

// Session is the broker's unit-of-work handle: one pooled connection and,
// while a unit of work is active, its native transaction.
type Session struct {
	id       string
	conn     *sql.Conn
	tx       *sql.Tx
	deadline time.Time
}

// ID identifies the session in logs and traces.
func (s *Session) ID() string { return s.id }

// Conn returns the connection the session runs on.
func (s *Session) Conn() *sql.Conn { return s.conn }

// InTransaction reports whether a native transaction is open.
func (s *Session) InTransaction() bool { return s.tx != nil }

// Deadline returns the deadline of the unit of work, if any.
func (s *Session) Deadline() (time.Time, bool) {
	return s.deadline, !s.deadline.IsZero()
}

func (s *Session) checkDeadline() error {
	if !s.deadline.IsZero() && !time.Now().Before(s.deadline) {
		return &TimedOutError{SessionID: s.id, Deadline: s.deadline}
	}
	return nil
}

// Exec runs a statement in the session's transaction, or directly on its
// connection when none is open.
func (s *Session) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := s.checkDeadline(); err != nil {
		return nil, err
	}
	if s.tx != nil {
		return s.tx.ExecContext(ctx, query, args...)
	}
	return s.conn.ExecContext(ctx, query, args...)
}

// Query runs a query the same way Exec runs a statement.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := s.checkDeadline(); err != nil {
		return nil, err
	}
	if s.tx != nil {
		return s.tx.QueryContext(ctx, query, args...)
	}
	return s.conn.QueryContext(ctx, query, args...)
}

// Row is the result of QueryRow.
type Row struct {
	row *sql.Row
	err error
}

// Scan copies the row's columns into dest. It returns sql.ErrNoRows when
// the query matched nothing.
func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.row.Scan(dest...)
}

// QueryRow runs a query expected to return at most one row.
func (s *Session) QueryRow(ctx context.Context, query string, args ...any) *Row {
	if err := s.checkDeadline(); err != nil {
		return &Row{err: err}
	}
	if s.tx != nil {
		return &Row{row: s.tx.QueryRowContext(ctx, query, args...)}
	}
	return &Row{row: s.conn.QueryRowContext(ctx, query, args...)}
}

// SessionFactory opens sessions on pooled connections and drives their
// native transactions.
type SessionFactory struct {
	db *sql.DB
}

var _ resource.TransactionalFactory[*Session] = (*SessionFactory)(nil)

// NewSessionFactory creates a factory over db.
func NewSessionFactory(db *sql.DB) *SessionFactory {
	return &SessionFactory{db: db}
}

func (f *SessionFactory) Create(ctx context.Context) (*Session, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	s := &Session{id: uuid.NewString(), conn: conn}
	log.Debug(log.CatBroker, "Opened session", "session", s.id)
	return s, nil
}

// Close rolls back a transaction left open and returns the connection to
// the pool.
func (f *SessionFactory) Close(ctx context.Context, s *Session) error {
	var errs []error
	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rolling back abandoned transaction: %w", err))
		}
		s.tx = nil
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing connection: %w", err))
	}
	log.Debug(log.CatBroker, "Closed session", "session", s.id)
	return errors.Join(errs...)
}

// Begin starts the native transaction. Read-uncommitted isolation is not a
// transaction option in sqlite; the connection co-resource applies it.
func (f *SessionFactory) Begin(ctx context.Context, s *Session, opts resource.Options) error {
	if s.tx != nil {
		return fmt.Errorf("session %s already has an open transaction", s.id)
	}
	isolation := opts.Isolation
	if isolation == sql.LevelReadUncommitted {
		isolation = sql.LevelDefault
	}
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{Isolation: isolation, ReadOnly: opts.ReadOnly})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	s.tx = tx
	if opts.Timeout > 0 {
		s.deadline = time.Now().Add(opts.Timeout)
	}
	return nil
}

func (f *SessionFactory) Commit(ctx context.Context, s *Session) error {
	if s.tx == nil {
		return fmt.Errorf("session %s has no open transaction", s.id)
	}
	tx := s.tx
	s.tx = nil
	s.deadline = time.Time{}
	return tx.Commit()
}

// Rollback rolls back the native transaction. A transaction the driver
// already rolled back because its context ended counts as rolled back.
func (f *SessionFactory) Rollback(ctx context.Context, s *Session) error {
	if s.tx == nil {
		return fmt.Errorf("session %s has no open transaction", s.id)
	}
	tx := s.tx
	s.tx = nil
	s.deadline = time.Time{}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
