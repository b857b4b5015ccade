// Package broker is the sqlite persistence broker. Sessions are scoped
// resources: inside a unit of work every call site shares the session bound
// in the context, outside one each call gets a private session that is
// closed when the call returns.
package broker

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
)

// Broker owns the connection pool and the resource plumbing around it.
type Broker struct {
	cfg       config.BrokerConfig
	isolation sql.IsolationLevel
	db        *sql.DB
	tracer    trace.Tracer

	factory     *SessionFactory
	manager     *resource.Manager[*Session]
	template    *resource.Template[*Session]
	sessions    *resource.Facade[*Session]
	connections *resource.Facade[*sql.Conn]
}

// Option configures a Broker.
type Option func(*options)

type options struct {
	events pubsub.Publisher[resource.Event]
	tracer trace.Tracer
}

// WithEvents publishes session and connection lifecycle events to p.
func WithEvents(p pubsub.Publisher[resource.Event]) Option {
	return func(o *options) { o.events = p }
}

// WithTracer records unit-of-work and migration spans with t.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// Open opens the database described by cfg and, when cfg.AutoMigrate is
// set, applies pending migrations.
func Open(ctx context.Context, cfg config.BrokerConfig, opts ...Option) (*Broker, error) {
	if err := config.ValidateBroker(cfg); err != nil {
		return nil, err
	}
	isolation, err := config.ParseIsolation(cfg.Isolation)
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	b := newBroker(db, cfg, isolation, o)

	if cfg.AutoMigrate {
		if _, err := b.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return b, nil
}

func newBroker(db *sql.DB, cfg config.BrokerConfig, isolation sql.IsolationLevel, o options) *Broker {
	var common []resource.Option
	if o.events != nil {
		common = append(common, resource.WithEvents(o.events))
	}

	factory := NewSessionFactory(db)
	managerOpts := append([]resource.Option{
		resource.WithCoResource[*Session](connectionCoResource{}),
	}, common...)
	manager := resource.NewManager[*Session](SessionKey, factory, managerOpts...)

	templateOpts := common
	if o.tracer != nil {
		templateOpts = append(templateOpts, resource.WithTracer(o.tracer))
	}

	sessionOpts := append([]resource.Option{resource.WithSynchronization()}, common...)
	connOpts := append([]resource.Option{
		resource.WithSynchronization(),
		resource.WithSynchronizationOrder(resource.DefaultSynchronizationOrder),
	}, common...)

	return &Broker{
		cfg:         cfg,
		isolation:   isolation,
		db:          db,
		tracer:      o.tracer,
		factory:     factory,
		manager:     manager,
		template:    resource.NewTemplate(manager, templateOpts...),
		sessions:    resource.NewFacade[*Session](SessionKey, factory, sessionOpts...),
		connections: resource.NewFacade[*sql.Conn](ConnectionKey, &connFactory{db: db}, connOpts...),
	}
}

// DB returns the underlying pool.
func (b *Broker) DB() *sql.DB { return b.db }

// Path returns the database file path.
func (b *Broker) Path() string { return b.cfg.Path }

// Manager returns the session transaction manager.
func (b *Broker) Manager() *resource.Manager[*Session] { return b.manager }

// Execute runs fn with the session bound in ctx, or with a private session
// that is released when fn returns. Inside a unit of work that has no
// session yet, the new session is bound and released at completion.
func (b *Broker) Execute(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	return b.sessions.Execute(ctx, fn)
}

// InTransaction runs fn in a unit of work. Zero isolation and timeout take
// the configured defaults.
func (b *Broker) InTransaction(ctx context.Context, opts resource.Options, fn func(ctx context.Context, s *Session) error) error {
	if opts.Isolation == sql.LevelDefault {
		opts.Isolation = b.isolation
	}
	if opts.Timeout == 0 {
		opts.Timeout = b.cfg.TxTimeout
	}
	return b.template.Execute(ctx, opts, func(ctx context.Context) error {
		return b.sessions.Execute(ctx, fn)
	})
}

// Connection runs fn with a raw connection. Inside a unit of work this is
// the session's connection, so statements join its transaction.
func (b *Broker) Connection(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	return b.connections.Execute(ctx, fn)
}

// CurrentSession returns the session bound in ctx.
func (b *Broker) CurrentSession(ctx context.Context) (*Session, bool) {
	holder, ok := resource.RegistryFromContext(ctx).Lookup(SessionKey).(*resource.ResourceHolder[*Session])
	if !ok {
		return nil, false
	}
	return holder.Resource(), true
}

// Close closes the connection pool.
func (b *Broker) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	log.Debug(log.CatBroker, "Closed database", "path", b.cfg.Path)
	return nil
}
