// Package transport adapts a Watermill publisher/subscriber pair to the
// channel/event contract liveflow components publish through.
//
// A channel such as "conversation:c1" maps to the topic "conversation.c1";
// the event name travels in the liveflow_event metadata key and the payload
// is JSON.
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/drblury/liveflow/internal/runtime/channels"
	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/ids"
	"github.com/drblury/liveflow/internal/runtime/jsoncodec"
	"github.com/drblury/liveflow/internal/runtime/keyed"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metadata"
	"github.com/drblury/liveflow/internal/runtime/models"
)

// Event is one decoded event received from a channel.
type Event struct {
	Channel  string
	Name     string
	Payload  []byte
	Metadata metadata.Metadata
}

// Decode unmarshals the JSON payload into v.
func (e Event) Decode(v any) error {
	return jsoncodec.Unmarshal(e.Payload, v)
}

// EventHandler receives subscribed events in arrival order.
type EventHandler func(Event)

// SnapshotFunc returns the current state behind a channel id, e.g. the
// members of a conversation for "presence:{id}".
type SnapshotFunc func(id string) any

// BridgeOptions configure a Bridge.
type BridgeOptions struct {
	// MaxMessageSize rejects encoded payloads above this many bytes.
	MaxMessageSize int
	// PublishTimeout bounds a publish whose context carries no deadline.
	// Zero leaves such publishes unbounded.
	PublishTimeout time.Duration
	Logger         logging.ServiceLogger
	Now            func() time.Time
}

// Bridge is safe for concurrent use.
type Bridge struct {
	pub     message.Publisher
	sub     message.Subscriber
	maxSize int
	timeout time.Duration
	logger  logging.ServiceLogger
	now     func() time.Time

	propagator propagation.TextMapPropagator

	snapshotMu sync.RWMutex
	snapshots  map[string]SnapshotFunc

	probes *keyed.Map[chan struct{}]
}

func NewBridge(pub message.Publisher, sub message.Subscriber, opts BridgeOptions) *Bridge {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bridge{
		pub:        pub,
		sub:        sub,
		maxSize:    opts.MaxMessageSize,
		timeout:    opts.PublishTimeout,
		logger:     logging.OrNop(opts.Logger).With(logging.LogFields{"component": "transport"}),
		now:        opts.Now,
		propagator: otel.GetTextMapPropagator(),
		snapshots:  make(map[string]SnapshotFunc),
		probes:     keyed.New[chan struct{}](0),
	}
}

// NewEventMessage encodes payload as a Watermill message carrying the
// standard liveflow metadata for event on channel.
func NewEventMessage(ctx context.Context, channel, event string, payload any) (*message.Message, error) {
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}

	conversationID, seq := routingOf(payload)
	md := metadata.ForEvent(event, channel, conversationID)
	if seq > 0 {
		md = md.WithSequence(seq)
	}

	msg := message.NewMessage(ids.NewMessageID(), body)
	msg.Metadata = metadata.ToWatermill(md)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return msg, nil
}

// Publish sends payload as event on channel. It returns the context error
// once ctx is done, even if the underlying publisher is still blocked.
func (b *Bridge) Publish(ctx context.Context, channel, event string, payload any) error {
	if b.pub == nil {
		return lferrors.ErrPublisherRequired
	}
	if channel == "" {
		return lferrors.ErrChannelRequired
	}
	msg, err := NewEventMessage(ctx, channel, event, payload)
	if err != nil {
		return err
	}
	if b.maxSize > 0 && len(msg.Payload) > b.maxSize {
		return fmt.Errorf("%w: %s on %s is %d bytes", lferrors.ErrMessageTooLarge, event, channel, len(msg.Payload))
	}
	if ctx != nil {
		b.propagator.Inject(ctx, propagation.MapCarrier(msg.Metadata))
	}
	if err := b.send(ctx, channels.Topic(channel), msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, channel, err)
	}
	return nil
}

// send runs the Watermill publish, which takes no context, and gives up
// when ctx is done. A publisher that never returns leaks its goroutine.
func (b *Bridge) send(ctx context.Context, topic string, msg *message.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- b.pub.Publish(topic, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		b.logger.Warn("Publish abandoned", logging.LogFields{"topic": topic, "message_uuid": msg.UUID})
		return ctx.Err()
	}
}

// Subscribe delivers events published on channel to handler until ctx is
// cancelled or the returned func is called. An empty event receives every
// event on the channel.
func (b *Bridge) Subscribe(ctx context.Context, channel, event string, handler EventHandler) (func(), error) {
	if b.sub == nil {
		return nil, fmt.Errorf("subscriber is not configured")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	messages, err := b.sub.Subscribe(ctx, channels.Topic(channel))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	go func() {
		for msg := range messages {
			name := msg.Metadata.Get(metadata.KeyEvent)
			if event == "" || name == event {
				handler(Event{
					Channel:  channel,
					Name:     name,
					Payload:  msg.Payload,
					Metadata: metadata.FromWatermill(msg.Metadata),
				})
			}
			msg.Ack()
		}
	}()
	return cancel, nil
}

// RegisterSnapshot serves PresenceSnapshot for channels starting with
// prefix, e.g. "presence:".
func (b *Bridge) RegisterSnapshot(prefix string, fn SnapshotFunc) {
	b.snapshotMu.Lock()
	b.snapshots[prefix] = fn
	b.snapshotMu.Unlock()
}

// PresenceSnapshot returns the current state behind channel from the
// registered provider.
func (b *Bridge) PresenceSnapshot(channel string) (any, bool) {
	b.snapshotMu.RLock()
	defer b.snapshotMu.RUnlock()
	for prefix, fn := range b.snapshots {
		if id, ok := strings.CutPrefix(channel, prefix); ok {
			return fn(id), true
		}
	}
	return nil, false
}

// Probe publishes a probe on the user's probe channel and waits for the
// client to echo it back through AckProbe. It returns the round trip time.
func (b *Bridge) Probe(ctx context.Context, userID string) (time.Duration, error) {
	if userID == "" {
		return 0, lferrors.ErrUserRequired
	}

	probe := models.Probe{ProbeID: ids.NewMessageID(), UserID: userID, SentAt: b.now().UTC()}
	ack := make(chan struct{}, 1)
	b.probes.Set(probe.ProbeID, ack)
	defer b.probes.Delete(probe.ProbeID)

	started := time.Now()
	if err := b.Publish(ctx, channels.Probe(userID), models.EventProbe, probe); err != nil {
		return 0, err
	}

	select {
	case <-ack:
		return time.Since(started), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// AckProbe completes the pending probe with probeID. It reports whether a
// probe was waiting.
func (b *Bridge) AckProbe(probeID string) bool {
	ack, ok := b.probes.Delete(probeID)
	if !ok {
		return false
	}
	select {
	case ack <- struct{}{}:
	default:
	}
	return true
}

// routingOf extracts the conversation and sequence used for partitioning
// and metadata.
func routingOf(payload any) (string, uint64) {
	switch p := payload.(type) {
	case models.Message:
		return p.ConversationID, p.Sequence
	case *models.Message:
		if p != nil {
			return p.ConversationID, p.Sequence
		}
	case models.Delivery:
		return p.ConversationID, p.Sequence
	case models.StatusUpdate:
		return p.ConversationID, 0
	case models.PresenceEvent:
		return p.ConversationID, 0
	}
	return "", 0
}
