package runtime

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/liveflow/internal/runtime/channels"
	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
)

// MessageHandlerRegistration consumes a channel other than the client event
// stream, e.g. moderation notices, with a raw Watermill handler.
type MessageHandlerRegistration struct {
	Name string

	// ConsumeQueue is a liveflow channel ("moderation:c1") or a transport
	// topic ("moderation.c1"). The inbound client topic is reserved.
	ConsumeQueue string

	Handler message.NoPublishHandlerFunc

	// Subscriber defaults to the Service's transport.
	Subscriber message.Subscriber
}

// RegisterMessageHandler adds cfg to the router. Register before Start.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return lferrors.ErrServiceRequired
	}
	switch {
	case cfg.Handler == nil:
		return lferrors.ErrHandlerRequired
	case cfg.Name == "":
		return lferrors.ErrHandlerNameRequired
	case cfg.ConsumeQueue == "":
		return lferrors.ErrConsumeQueueRequired
	}

	topic := channels.Topic(cfg.ConsumeQueue)
	if topic == channels.Topic(channels.Inbound) {
		return fmt.Errorf("handler %q: %s is consumed by client events, use RegisterClientEvent", cfg.Name, topic)
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = svc.subscriber
	}

	stats, err := svc.trackHandler(HandlerInfo{Name: cfg.Name, ConsumeQueue: topic})
	if err != nil {
		return err
	}
	svc.router.AddNoPublisherHandler(cfg.Name, topic, cfg.Subscriber,
		wrapHandlerWithStats(cfg.Handler, stats, svc.errorClassifier))
	return nil
}

// trackHandler records info for Handlers and the API. Names are unique
// across raw handlers and client events.
func (s *Service) trackHandler(info HandlerInfo) (*HandlerStats, error) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	for _, h := range s.handlers {
		if h.Name == info.Name {
			return nil, fmt.Errorf("handler %q already registered", info.Name)
		}
	}
	info.Stats = newHandlerStats()
	s.handlers = append(s.handlers, &info)
	return info.Stats, nil
}

// Handlers returns the registered handlers and their statistics.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return append([]*HandlerInfo(nil), s.handlers...)
}

func wrapHandlerWithStats(handler message.NoPublishHandlerFunc, stats *HandlerStats, classifier ErrorClassifier) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		stats.onMessageStart()
		began := time.Now()
		err := handler(msg)
		stats.onMessageFinish(time.Since(began), err, classifier)
		return err
	}
}
