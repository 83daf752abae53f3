// Package nats provides the NATS Core transport.
package nats

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/liveflow/transport"
)

const TransportName = "nats"

// DefaultMaxReconnects applies when the config leaves the limit at zero.
const DefaultMaxReconnects = 10

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// connectOptions builds the nats.go options shared by publisher and
// subscriber.
func connectOptions(cfg transport.Config) []natsgo.Option {
	maxReconnects := cfg.GetNATSMaxReconnects()
	if maxReconnects == 0 {
		maxReconnects = DefaultMaxReconnects
	}
	return []natsgo.Option{
		natsgo.Name("liveflow"),
		natsgo.MaxReconnects(maxReconnects),
		natsgo.RetryOnFailedConnect(true),
	}
}

// QueueGroupPrefix groups the instances consuming client events so NATS
// hands each event to one of them.
const QueueGroupPrefix = "liveflow"

// Build creates a NATS Core transport. JetStream stays off: live
// conversation events are not replayed, the offline queue covers absent
// recipients. Client events are consumed through a queue group, everything
// else through plain subscriptions that reach every instance.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, fmt.Errorf("nats: URL is required")
	}
	marshaler := &nats.NATSMarshaler{}
	options := connectOptions(cfg)
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats: publisher: %w", err)
	}

	subscribe := func(queueGroupPrefix string) (message.Subscriber, error) {
		return SubscriberFactory(nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: queueGroupPrefix,
			NatsOptions:      options,
			Unmarshaler:      marshaler,
			JetStream:        core,
		}, logger)
	}

	work, err := subscribe(QueueGroupPrefix)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("nats: client event subscriber: %w", err)
	}
	fanOut, err := subscribe("")
	if err != nil {
		_ = work.Close()
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("nats: conversation subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: transport.SplitSubscriber{Work: work, FanOut: fanOut},
	}, nil
}
