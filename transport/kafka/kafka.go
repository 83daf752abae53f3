// Package kafka provides the Kafka transport. Events are partitioned by
// conversation so one conversation's events stay in one partition.
package kafka

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/liveflow/internal/runtime/metadata"
	"github.com/drblury/liveflow/transport"
)

const TransportName = "kafka"

// DefaultConsumerGroup is used when the config leaves the group empty.
const DefaultConsumerGroup = "liveflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// PartitionKey keys an event by its conversation, falling back to the
// message UUID for events outside any conversation.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if conv := msg.Metadata.Get(metadata.KeyConversation); conv != "" {
		return conv, nil
	}
	return msg.UUID, nil
}

// FanOutGroup is the consumer group this instance reads conversation topics
// with. Every instance needs its own so all of them see every event.
func FanOutGroup(group, instance string) string {
	return group + "-" + instance
}

// Build creates the Kafka transport. Client events are read in the shared
// consumer group; conversation topics in a group per instance.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, fmt.Errorf("kafka: brokers are required")
	}
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(kafka.PublisherConfig{Brokers: brokers, Marshaler: marshaler}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka: publisher: %w", err)
	}

	subscribe := func(consumerGroup string) (message.Subscriber, error) {
		return SubscriberFactory(kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   marshaler,
			ConsumerGroup: consumerGroup,
		}, logger)
	}

	work, err := subscribe(group)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("kafka: subscriber %s: %w", group, err)
	}
	fanOutGroup := FanOutGroup(group, transport.InstanceID())
	fanOut, err := subscribe(fanOutGroup)
	if err != nil {
		_ = work.Close()
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("kafka: subscriber %s: %w", fanOutGroup, err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: transport.SplitSubscriber{Work: work, FanOut: fanOut},
	}, nil
}
