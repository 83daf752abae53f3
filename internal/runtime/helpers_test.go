package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/liveflow/internal/runtime/config"
	"github.com/drblury/liveflow/internal/runtime/logging"
	transportpkg "github.com/drblury/liveflow/internal/runtime/transport"
	"github.com/drblury/liveflow/transport"
)

func testConfig() *config.Config {
	return &config.Config{
		PubSubSystem:  "channel",
		TypingTimeout: time.Second,
		ProbeTimeout:  time.Second,
	}
}

func goChannelFactory(ps *gochannel.GoChannel) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transport.Transport{Publisher: ps, Subscriber: ps}, nil
	})
}

// newTestService builds a Service on a private in-memory pub/sub. deps may
// be modified before the Service is built.
func newTestService(t *testing.T, conf *config.Config, mutate func(*ServiceDependencies)) *Service {
	t.Helper()
	if conf == nil {
		conf = testConfig()
	}
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	deps := ServiceDependencies{
		TransportFactory: goChannelFactory(ps),
		Registry:         prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(&deps)
	}

	svc, err := NewService(context.Background(), conf, logging.NopLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// startService runs svc until the test ends and waits for the router to
// consume client events.
func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
}

type eventCollector struct {
	mu     sync.Mutex
	events []transportpkg.Event
}

func (c *eventCollector) handle(e transportpkg.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *eventCollector) snapshot() []transportpkg.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transportpkg.Event(nil), c.events...)
}

func (c *eventCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}
