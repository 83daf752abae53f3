// Package transports imports every built-in transport for registration with
// the default registry.
package transports

import (
	_ "github.com/drblury/liveflow/transport/channel"
	_ "github.com/drblury/liveflow/transport/http"
	_ "github.com/drblury/liveflow/transport/kafka"
	_ "github.com/drblury/liveflow/transport/nats"
	_ "github.com/drblury/liveflow/transport/rabbitmq"
)
