package resource

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
)

// Event is the payload of resource lifecycle events.
type Event struct {
	Key  Key
	TxID string
}

// Option configures a Facade, DualFacade, Manager or Template.
type Option func(*settings)

type settings struct {
	events      pubsub.Publisher[Event]
	synchronize bool
	order       int
	tracer      trace.Tracer
	co          any
}

func newSettings(opts []Option) settings {
	s := settings{order: ResourceSynchronizationOrder}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithEvents publishes lifecycle events (created, closed, bound, ...) to p.
func WithEvents(p pubsub.Publisher[Event]) Option {
	return func(s *settings) { s.events = p }
}

// WithSynchronization lets a Facade bind a resource it creates into an
// active unit of work instead of handing it out as private. The unit of work
// then releases it at completion.
func WithSynchronization() Option {
	return func(s *settings) { s.synchronize = true }
}

// WithSynchronizationOrder overrides the order of synchronizations
// registered by a Facade or Manager.
func WithSynchronizationOrder(order int) Option {
	return func(s *settings) { s.order = order }
}

// WithTracer sets the tracer used by Template for unit-of-work spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// WithCoResource makes a Manager co-register a secondary resource with every
// unit of work it begins.
func WithCoResource[R comparable](co CoResource[R]) Option {
	return func(s *settings) { s.co = co }
}

func (s *settings) publish(t pubsub.EventType, key Key, txID string) {
	if s.events != nil {
		s.events.Publish(t, Event{Key: key, TxID: txID})
	}
}

func coResourceFor[R comparable](s settings) CoResource[R] {
	if s.co == nil {
		return nil
	}
	co, ok := s.co.(CoResource[R])
	if !ok {
		panic(fmt.Sprintf("resource: co-resource %T does not match the manager's resource type", s.co))
	}
	return co
}
