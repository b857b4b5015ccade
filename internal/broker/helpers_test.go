package broker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/pubsub"
	"github.com/astubbs/spring-modules-sub002/internal/resource"
)

// eventCounter is a synchronous Publisher counting events per type and key.
type eventCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newEventCounter() *eventCounter {
	return &eventCounter{counts: make(map[string]int)}
}

func (c *eventCounter) Publish(t pubsub.EventType, e resource.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[string(t)+" "+e.Key.String()]++
}

func (c *eventCounter) count(t pubsub.EventType, key resource.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[string(t)+" "+key.String()]
}

func testBrokerConfig(t *testing.T) config.BrokerConfig {
	t.Helper()
	cfg := config.Defaults().Broker
	cfg.Path = filepath.Join(t.TempDir(), "data", "springmod.db")
	return cfg
}

func newTestBroker(t *testing.T, mutate func(*config.BrokerConfig), opts ...Option) *Broker {
	t.Helper()
	cfg := testBrokerConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func countDocuments(t *testing.T, b *Broker) int {
	t.Helper()
	var n int
	require.NoError(t, b.DB().QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n))
	return n
}
