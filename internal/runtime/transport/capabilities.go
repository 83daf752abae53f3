package transport

import "github.com/drblury/liveflow/transport"

type Capabilities = transport.Capabilities

// CapabilitiesFor returns the registered capabilities of the configured
// backend.
func CapabilitiesFor(pubSubSystem string) Capabilities {
	return transport.GetCapabilities(pubSubSystem)
}

// Registered lists the capabilities of every backend compiled into the
// binary.
func Registered() []Capabilities {
	return transport.DefaultRegistry.Describe()
}
