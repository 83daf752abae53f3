// Package transport defines the pub/sub backends liveflow publishes
// conversation events over. Each backend (channel, kafka, nats, rabbitmq,
// http) lives in its own sub-package and registers itself with the registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and the subscriber. When both are the same
// value it is closed once.
func (t Transport) Close() error {
	var pubErr, subErr error
	if t.Publisher != nil {
		pubErr = t.Publisher.Close()
	}
	if t.Subscriber != nil {
		if same, ok := t.Subscriber.(message.Publisher); !ok || same != t.Publisher {
			subErr = t.Subscriber.Close()
		}
	}
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports need without depending on the full
// config package.
type Config interface {
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSMaxReconnects() int

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string
}
