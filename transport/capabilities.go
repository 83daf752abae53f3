package transport

// Capabilities describes what a backend guarantees for conversation traffic.
type Capabilities struct {
	Name string

	// SupportsOrdering means messages on one topic arrive in publish order.
	// Clients still order by sequence number; the flag only tells whether
	// provisional events are likely to arrive out of order.
	SupportsOrdering bool

	SupportsAck  bool
	SupportsNack bool

	// SupportsTracing means message metadata survives the hop, so trace
	// context propagates.
	SupportsTracing bool

	SupportsBatching     bool
	SupportsPartitioning bool

	// SupportsDurability means published events survive a broker restart.
	SupportsDurability bool

	// MaxMessageSize is the largest payload in bytes (0 = unlimited/unknown).
	MaxMessageSize int
}

// SupportsReliableDelivery reports at-least-once semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// MessageLimit combines a configured size limit with the backend's own.
// Zero on either side means no limit from that side.
func (c Capabilities) MessageLimit(configured int) int {
	switch {
	case configured <= 0:
		return c.MaxMessageSize
	case c.MaxMessageSize <= 0:
		return configured
	case configured < c.MaxMessageSize:
		return configured
	default:
		return c.MaxMessageSize
	}
}

const defaultBrokerMessageSize = 1 << 20

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:            "channel",
		SupportsAck:     true,
		SupportsNack:    true,
		SupportsTracing: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsPartitioning: true,
		SupportsDurability:   true,
		MaxMessageSize:       defaultBrokerMessageSize,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsTracing:    true,
		SupportsDurability: true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  defaultBrokerMessageSize,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for transportName.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
