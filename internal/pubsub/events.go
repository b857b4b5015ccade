// Package pubsub provides a generic publish/subscribe event system used for
// resource lifecycle notifications and live log listeners.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

// Resource lifecycle events.
const (
	CreatedEvent    EventType = "created"     // a handle was opened by a factory
	ClosedEvent     EventType = "closed"      // a handle was closed
	BoundEvent      EventType = "bound"       // a holder was bound into a registry
	UnboundEvent    EventType = "unbound"     // a holder was removed from a registry
	BegunEvent      EventType = "begun"       // a native transaction started
	CommittedEvent  EventType = "committed"   // a native transaction committed
	RolledBackEvent EventType = "rolled_back" // a native transaction rolled back
	SuspendedEvent  EventType = "suspended"
	ResumedEvent    EventType = "resumed"
)

// LoggedEvent carries a formatted log line.
const LoggedEvent EventType = "logged"

// Event represents a published event with a typed payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
