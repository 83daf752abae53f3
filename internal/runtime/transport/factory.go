package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/liveflow/internal/runtime/config"
	"github.com/drblury/liveflow/transport"

	_ "github.com/drblury/liveflow/transport/transports"
)

// Transport is the publisher/subscriber pair a Factory produces.
type Transport = transport.Transport

// Factory abstracts how the Service obtains its message transport.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory builds transports through the registry in
// github.com/drblury/liveflow/transport.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}
	t, err := transport.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build transport: %w", err)
	}
	return t, nil
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}
