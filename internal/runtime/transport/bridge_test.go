package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/metadata"
	"github.com/drblury/liveflow/internal/runtime/models"
)

func newTestBridge(t *testing.T, opts BridgeOptions) (*Bridge, *gochannel.GoChannel) {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return NewBridge(ps, ps, opts), ps
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestPublishSetsTopicAndMetadata(t *testing.T) {
	b, ps := newTestBridge(t, BridgeOptions{})
	ctx := context.Background()

	raw, err := ps.Subscribe(ctx, "conversation.c1")
	require.NoError(t, err)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "s", Content: "hi", ContentType: models.ContentText, Sequence: 7}
	require.NoError(t, b.Publish(ctx, "conversation:c1", models.EventMessageOrdered, msg))

	select {
	case got := <-raw:
		got.Ack()
		assert.Equal(t, models.EventMessageOrdered, got.Metadata.Get(metadata.KeyEvent))
		assert.Equal(t, "conversation:c1", got.Metadata.Get(metadata.KeyChannel))
		assert.Equal(t, "c1", got.Metadata.Get(metadata.KeyConversation))
		assert.Equal(t, "7", got.Metadata.Get(metadata.KeySequence))
		assert.Contains(t, string(got.Payload), `"conversationId":"c1"`)
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestPublishValidation(t *testing.T) {
	b, _ := newTestBridge(t, BridgeOptions{MaxMessageSize: 64})
	ctx := context.Background()

	assert.ErrorIs(t, b.Publish(ctx, "", models.EventMessage, nil), lferrors.ErrChannelRequired)

	big := models.Message{ConversationID: "c1", Content: strings.Repeat("x", 128)}
	assert.ErrorIs(t, b.Publish(ctx, "conversation:c1", models.EventMessage, big), lferrors.ErrMessageTooLarge)

	nilBridge := NewBridge(nil, nil, BridgeOptions{})
	assert.ErrorIs(t, nilBridge.Publish(ctx, "conversation:c1", models.EventMessage, big), lferrors.ErrPublisherRequired)
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                              { return nil }

func TestPublishWrapsTransportError(t *testing.T) {
	b := NewBridge(failingPublisher{}, nil, BridgeOptions{})
	err := b.Publish(context.Background(), "presence:c1", models.EventPresence, models.PresenceEvent{})
	assert.ErrorContains(t, err, "broker down")
	assert.ErrorContains(t, err, "presence:c1")
}

func TestSubscribeFiltersByEvent(t *testing.T) {
	b, _ := newTestBridge(t, BridgeOptions{})
	ctx := context.Background()

	typing := &collector{}
	all := &collector{}
	stopTyping, err := b.Subscribe(ctx, "typing:c1", models.EventTyping, typing.handle)
	require.NoError(t, err)
	defer stopTyping()
	stopAll, err := b.Subscribe(ctx, "typing:c1", "", all.handle)
	require.NoError(t, err)
	defer stopAll()

	ev := models.PresenceEvent{UserID: "u1", ConversationID: "c1", PreviousState: "idle", NewState: "typing", UpdateType: models.UpdateTyping}
	require.NoError(t, b.Publish(ctx, "typing:c1", models.EventTyping, ev))
	require.NoError(t, b.Publish(ctx, "typing:c1", "other", map[string]string{"k": "v"}))

	assert.Eventually(t, func() bool { return len(all.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got := typing.snapshot()
	require.Len(t, got, 1)

	var decoded models.PresenceEvent
	require.NoError(t, got[0].Decode(&decoded))
	assert.Equal(t, "typing", decoded.NewState)
	assert.Equal(t, "c1", got[0].Metadata[metadata.KeyConversation])
}

func TestPresenceSnapshot(t *testing.T) {
	b, _ := newTestBridge(t, BridgeOptions{})
	b.RegisterSnapshot("presence:", func(id string) any { return []string{"members of " + id} })

	got, ok := b.PresenceSnapshot("presence:c1")
	require.True(t, ok)
	assert.Equal(t, []string{"members of c1"}, got)

	_, ok = b.PresenceSnapshot("typing:c1")
	assert.False(t, ok)
}

func TestProbeRoundTrip(t *testing.T) {
	b, _ := newTestBridge(t, BridgeOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Simulated client: echo every probe back.
	stop, err := b.Subscribe(ctx, "probe:u1", models.EventProbe, func(e Event) {
		var p models.Probe
		if e.Decode(&p) == nil {
			b.AckProbe(p.ProbeID)
		}
	})
	require.NoError(t, err)
	defer stop()

	rtt, err := b.Probe(ctx, "u1")
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestProbeTimesOutWithoutAck(t *testing.T) {
	b, _ := newTestBridge(t, BridgeOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := b.Probe(ctx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, b.AckProbe("unknown"))

	_, err = b.Probe(context.Background(), "")
	assert.ErrorIs(t, err, lferrors.ErrUserRequired)
}

// stalledPublisher never returns from Publish until released.
type stalledPublisher struct {
	release chan struct{}
}

func (p *stalledPublisher) Publish(string, ...*message.Message) error {
	<-p.release
	return nil
}

func (p *stalledPublisher) Close() error { return nil }

func TestPublishStopsWaitingOnStalledPublisher(t *testing.T) {
	pub := &stalledPublisher{release: make(chan struct{})}
	defer close(pub.release)

	t.Run("context deadline", func(t *testing.T) {
		b := NewBridge(pub, nil, BridgeOptions{})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := b.Publish(ctx, "conversation:c1", models.EventMessage, models.Message{ConversationID: "c1"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("default timeout without deadline", func(t *testing.T) {
		b := NewBridge(pub, nil, BridgeOptions{PublishTimeout: 50 * time.Millisecond})

		start := time.Now()
		err := b.Publish(context.Background(), "conversation:c1", models.EventMessage, models.Message{ConversationID: "c1"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("cancelled context never publishes", func(t *testing.T) {
		b := NewBridge(pub, nil, BridgeOptions{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, b.Publish(ctx, "conversation:c1", models.EventMessage, nil), context.Canceled)
	})
}
