// Package channel provides the in-memory Go channel transport. Every
// subscriber of a topic receives every event, which matches how liveflow
// fans conversation events out inside a single process. Events are handed
// to each subscriber concurrently, so arrival order is not publish order.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/liveflow/transport"
)

const TransportName = "channel"

// Options tunes the in-memory bus.
type Options struct {
	// Buffer is the per-subscriber queue length. A publish blocks once a
	// subscriber falls this far behind.
	Buffer int64

	// Replay hands late subscribers every event published before they
	// subscribed. Only meant for tests and demos: the bus then keeps every
	// event in memory.
	Replay bool
}

// DefaultOptions is what Build uses.
var DefaultOptions = Options{Buffer: 256}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// New returns an in-memory bus usable as both publisher and subscriber.
func New(opts Options, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultOptions.Buffer
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: opts.Buffer,
		Persistent:          opts.Replay,
	}, logger)
}

// Build creates a bus with DefaultOptions. The config carries nothing the
// channel backend needs.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	bus := New(DefaultOptions, logger)
	return transport.Transport{Publisher: bus, Subscriber: bus}, nil
}
