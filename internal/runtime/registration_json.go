package runtime

import (
	"github.com/drblury/liveflow/internal/runtime/channels"
	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/handlers"
)

// ClientEventRegistration binds a typed JSON handler to one client event
// name on the inbound topic. T must be a pointer type.
type ClientEventRegistration[T any] struct {
	Event   string
	Handler handlers.JSONMessageHandler[T]
}

// RegisterClientEvent adds a handler for a client event. The built-in
// client.* events are registered by NewService; registering one of them
// again fails.
func RegisterClientEvent[T any](svc *Service, cfg ClientEventRegistration[T]) error {
	if svc == nil {
		return lferrors.ErrServiceRequired
	}
	if cfg.Event == "" {
		return lferrors.ErrEventRequired
	}

	wrapped, err := handlers.BuildJSONHandler(cfg.Handler, svc.Logger)
	if err != nil {
		return err
	}

	stats, err := svc.trackHandler(HandlerInfo{
		Name:         "client-event:" + cfg.Event,
		Event:        cfg.Event,
		ConsumeQueue: channels.Topic(channels.Inbound),
	})
	if err != nil {
		return err
	}
	return svc.dispatcher.Handle(cfg.Event, wrapHandlerWithStats(wrapped, stats, svc.errorClassifier))
}
