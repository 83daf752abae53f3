// Package http provides the webhook transport. Outbound conversation events
// are POSTed to a gateway at <publisher URL>/<topic>; client events arrive on
// an embedded HTTP server under /<topic>.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/liveflow/transport"
)

const TransportName = "http"

// DefaultServerAddress is where client events are accepted when
// http_server_address is empty.
const DefaultServerAddress = ":8090"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// TopicURL is the gateway endpoint for events on topic.
func TopicURL(base, topic string) string {
	return strings.TrimRight(base, "/") + "/" + topic
}

// Build wires the gateway publisher and the client-event server. The server
// starts listening in the background.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	gateway := cfg.GetHTTPPublisherURL()
	if gateway == "" {
		return transport.Transport{}, fmt.Errorf("http: publisher URL is required")
	}
	addr := cfg.GetHTTPServerAddress()
	if addr == "" {
		addr = DefaultServerAddress
	}

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(TopicURL(gateway, topic), msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("http: gateway publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("http: client event server on %s: %w", addr, err)
	}

	if server, ok := subscriber.(*http.Subscriber); ok {
		go serve(server, addr, logger)
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func serve(server *http.Subscriber, addr string, logger watermill.LoggerAdapter) {
	err := server.StartHTTPServer()
	if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		logger.Error("Client event server stopped", err, watermill.LogFields{"addr": addr})
	}
}
