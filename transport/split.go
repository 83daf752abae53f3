package transport

import (
	"context"
	"errors"
	"os"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/liveflow/internal/runtime/channels"
)

// InstanceID identifies this process to brokers that need a subscription per
// instance for fan-out. It must be stable across restarts so durable
// subscriptions are resumed.
var InstanceID = func() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "default"
	}
	return host
}

// IsClientEventTopic reports whether topic carries inbound client events.
// Each client event is handled by exactly one instance; every other topic
// fans out to all instances.
func IsClientEventTopic(topic string) bool {
	return topic == channels.Topic(channels.Inbound)
}

// SplitSubscriber sends the client event topic to Work, a subscriber that
// shares its deliveries with the other instances, and every other topic to
// FanOut.
type SplitSubscriber struct {
	Work   message.Subscriber
	FanOut message.Subscriber
}

func (s SplitSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if IsClientEventTopic(topic) {
		return s.Work.Subscribe(ctx, topic)
	}
	return s.FanOut.Subscribe(ctx, topic)
}

func (s SplitSubscriber) Close() error {
	return errors.Join(s.Work.Close(), s.FanOut.Close())
}
