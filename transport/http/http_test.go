package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/liveflow/transport"
)

// stubFactories swaps both factories for the duration of the test and
// records what Build passed them.
type stubFactories struct {
	pubCfg  watermillhttp.PublisherConfig
	addr    string
	pub     *mockPublisher
	pubErr  error
	subErr  error
	subUsed bool
}

func installStubs(t *testing.T, s *stubFactories) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory, SubscriberFactory = origPub, origSub
	})
	s.pub = &mockPublisher{}

	PublisherFactory = func(config watermillhttp.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		s.pubCfg = config
		if s.pubErr != nil {
			return nil, s.pubErr
		}
		return s.pub, nil
	}
	SubscriberFactory = func(addr string, _ watermillhttp.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		s.addr = addr
		s.subUsed = true
		if s.subErr != nil {
			return nil, s.subErr
		}
		return &mockSubscriber{}, nil
	}
}

func TestRegisteredOnImport(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, transport.HTTPCapabilities, caps)
	assert.False(t, caps.SupportsOrdering)
}

func TestTopicURL(t *testing.T) {
	assert.Equal(t, "http://gw/conversation.c1", TopicURL("http://gw/", "conversation.c1"))
	assert.Equal(t, "http://gw/events/presence.c1", TopicURL("http://gw/events", "presence.c1"))
	assert.Equal(t, "http://gw/probe.u1", TopicURL("http://gw//", "probe.u1"))
}

func TestBuildPostsConversationEventsToGateway(t *testing.T) {
	stubs := &stubFactories{}
	installStubs(t, stubs)

	tr, err := Build(context.Background(), &mockConfig{
		httpServerAddress: ":9000",
		httpPublisherURL:  "http://gateway.local/hooks",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, stubs.pub, tr.Publisher)
	assert.Equal(t, ":9000", stubs.addr)

	msg := message.NewMessage("m1", []byte(`{"sequence":1}`))
	msg.Metadata.Set("liveflow_event", "message:new")
	req, err := stubs.pubCfg.MarshalMessageFunc("conversation.c1", msg)
	require.NoError(t, err)
	assert.Equal(t, "http://gateway.local/hooks/conversation.c1", req.URL.String())
}

func TestBuildDefaultsServerAddress(t *testing.T) {
	stubs := &stubFactories{}
	installStubs(t, stubs)

	_, err := Build(context.Background(), &mockConfig{httpPublisherURL: "http://gw/"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, DefaultServerAddress, stubs.addr)
}

func TestBuildErrors(t *testing.T) {
	t.Run("gateway url missing", func(t *testing.T) {
		_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher URL is required")
	})

	t.Run("publisher fails", func(t *testing.T) {
		stubs := &stubFactories{pubErr: errors.New("bad gateway")}
		installStubs(t, stubs)

		_, err := Build(context.Background(), &mockConfig{httpPublisherURL: "http://gw/"}, watermill.NopLogger{})
		assert.ErrorIs(t, err, stubs.pubErr)
		assert.False(t, stubs.subUsed)
	})

	t.Run("server fails and publisher is closed", func(t *testing.T) {
		stubs := &stubFactories{subErr: errors.New("address in use")}
		installStubs(t, stubs)

		_, err := Build(context.Background(), &mockConfig{httpPublisherURL: "http://gw/", httpServerAddress: ":9001"}, watermill.NopLogger{})
		assert.ErrorIs(t, err, stubs.subErr)
		assert.ErrorContains(t, err, ":9001")
		assert.Equal(t, 1, stubs.pub.closed)
	})
}

type mockConfig struct {
	httpServerAddress string
	httpPublisherURL  string
}

func (m *mockConfig) GetPubSubSystem() string       { return "http" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetNATSMaxReconnects() int     { return 0 }
func (m *mockConfig) GetHTTPServerAddress() string  { return m.httpServerAddress }
func (m *mockConfig) GetHTTPPublisherURL() string   { return m.httpPublisherURL }

type mockPublisher struct {
	closed int
}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error {
	m.closed++
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
