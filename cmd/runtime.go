package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/astubbs/spring-modules-sub002/internal/broker"
	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/index"
	"github.com/astubbs/spring-modules-sub002/internal/log"
	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
)

// runtime is everything a command needs: the broker, its document store,
// the index and the lifecycle events both publish.
type runtime struct {
	broker *broker.Broker
	store  *broker.DocumentStore
	index  *index.Index
	events *eventTally
}

func openRuntime(ctx context.Context, c config.Config, tracer trace.Tracer) (*runtime, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	events := newEventTally(pubsub.NewBrokerWithBuffer[resource.Event](256))
	b, err := broker.Open(ctx, c.Broker, broker.WithEvents(events), broker.WithTracer(tracer))
	if err != nil {
		return nil, fmt.Errorf("opening broker: %w", err)
	}
	idx, err := index.Open(c.Index, index.WithEvents(events), index.WithTracer(tracer))
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	return &runtime{
		broker: b,
		store:  broker.NewDocumentStore(b, c.Cache),
		index:  idx,
		events: events,
	}, nil
}

// put stores doc and indexes it in one unit of work. The index session
// commits before the database transaction, so a failed index write rolls
// the document back.
func (rt *runtime) put(ctx context.Context, doc *broker.Document) error {
	return rt.broker.InTransaction(ctx, resource.Options{Name: "put"}, func(ctx context.Context, _ *broker.Session) error {
		if err := rt.store.Put(ctx, doc); err != nil {
			return err
		}
		return rt.index.Session(ctx, func(ctx context.Context) error {
			return rt.index.Add(ctx, toIndexDocument(doc))
		})
	})
}

func toIndexDocument(doc *broker.Document) index.Document {
	return index.Document{ID: doc.ID, Title: doc.Title, Body: doc.Body, Labels: doc.Labels}
}

func (rt *runtime) Close() error {
	var errs []error
	if err := rt.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing index: %w", err))
	}
	if err := rt.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	rt.events.Close()
	return errors.Join(errs...)
}

// eventTally counts lifecycle events per type and resource key and
// forwards them to a pubsub broker for live subscribers.
type eventTally struct {
	broker *pubsub.Broker[resource.Event]

	mu     sync.Mutex
	counts map[resource.Key]map[pubsub.EventType]int
}

var _ pubsub.Publisher[resource.Event] = (*eventTally)(nil)

func newEventTally(b *pubsub.Broker[resource.Event]) *eventTally {
	return &eventTally{broker: b, counts: make(map[resource.Key]map[pubsub.EventType]int)}
}

func (t *eventTally) Publish(eventType pubsub.EventType, e resource.Event) {
	t.mu.Lock()
	byType, ok := t.counts[e.Key]
	if !ok {
		byType = make(map[pubsub.EventType]int)
		t.counts[e.Key] = byType
	}
	byType[eventType]++
	t.mu.Unlock()

	t.broker.Publish(eventType, e)
}

// Subscribe streams events of the given types until ctx is cancelled.
// No types means every event.
func (t *eventTally) Subscribe(ctx context.Context, types ...pubsub.EventType) <-chan pubsub.Event[resource.Event] {
	if len(types) == 0 {
		return t.broker.Subscribe(ctx)
	}
	return t.broker.SubscribeTypes(ctx, types...)
}

// Dropped is the number of events live subscribers were too slow for.
func (t *eventTally) Dropped() int64 {
	return t.broker.Dropped()
}

func (t *eventTally) count(key resource.Key, eventType pubsub.EventType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key][eventType]
}

// snapshot returns the counts sorted by key, then event type.
func (t *eventTally) snapshot() []eventCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []eventCount
	for key, byType := range t.counts {
		for eventType, n := range byType {
			out = append(out, eventCount{key: key, eventType: eventType, count: n})
		}
	}
	sortEventCounts(out)
	return out
}

// unclosed returns, per key, how many more handles were created than
// closed.
func (t *eventTally) unclosed() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int)
	for key, byType := range t.counts {
		if n := byType[pubsub.CreatedEvent] - byType[pubsub.ClosedEvent]; n != 0 {
			out[key.String()] = n
		}
	}
	return out
}

func (t *eventTally) Close() {
	t.broker.Close()
}

type eventCount struct {
	key       resource.Key
	eventType pubsub.EventType
	count     int
}

func sortEventCounts(counts []eventCount) {
	slices.SortFunc(counts, func(a, b eventCount) int {
		if c := strings.Compare(a.key.String(), b.key.String()); c != 0 {
			return c
		}
		return strings.Compare(string(a.eventType), string(b.eventType))
	})
}

// logEvents writes every event from ch at debug level until ch closes.
func logEvents(ch <-chan pubsub.Event[resource.Event]) {
	for e := range ch {
		log.Debug(log.CatResource, "Lifecycle event", "type", e.Type, "key", e.Payload.Key, "tx", e.Payload.TxID)
	}
}

// closeRuntime closes rt, reporting the close error only when nothing
// else failed.
func closeRuntime(rt *runtime, errp *error) {
	if err := rt.Close(); err != nil {
		if *errp != nil {
			log.ErrorErr(log.CatConfig, "Failed to close runtime", err)
			return
		}
		*errp = err
	}
}

// commandContext is cmd's context, cancelled on interrupt.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
