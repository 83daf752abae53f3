package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metadata"
)

// EventContext describes one inbound client event passing through the
// router.
type EventContext struct {
	Event       string
	MessageUUID string
	Metadata    message.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set for OnDone and OnError.
	Duration time.Duration
}

// EventHooks observe the inbound event lifecycle. Nil hooks are skipped.
type EventHooks struct {
	OnStart func(ctx EventContext)
	OnDone  func(ctx EventContext)
	OnError func(ctx EventContext, err error)
}

// Merge returns hooks calling h first and other second.
func (h EventHooks) Merge(other EventHooks) EventHooks {
	return EventHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func (h EventHooks) empty() bool {
	return h.OnStart == nil && h.OnDone == nil && h.OnError == nil
}

func chainHooks(a, b func(EventContext)) func(EventContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(EventContext, error)) func(EventContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// EventHooksMiddleware invokes hooks around every handled message.
func EventHooksMiddleware(hooks EventHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "event_hooks",
		Middleware: eventHooksMiddleware(hooks),
	}
}

func eventHooksMiddleware(hooks EventHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ec := EventContext{
				Event:       msg.Metadata.Get(metadata.KeyEvent),
				MessageUUID: msg.UUID,
				Metadata:    msg.Metadata,
				Context:     msg.Context(),
				StartedAt:   time.Now(),
			}
			if hooks.OnStart != nil {
				hooks.OnStart(ec)
			}

			msgs, err := h(msg)

			ec.Duration = time.Since(ec.StartedAt)
			switch {
			case err != nil && hooks.OnError != nil:
				hooks.OnError(ec, err)
			case err == nil && hooks.OnDone != nil:
				hooks.OnDone(ec)
			}
			return msgs, err
		}
	}
}

// LoggingHooks log every event at debug level and failures at error level.
func LoggingHooks(logger logging.ServiceLogger) EventHooks {
	logger = logging.OrNop(logger)
	return EventHooks{
		OnDone: func(ctx EventContext) {
			logger.Debug("Client event handled", logging.LogFields{
				"event":        ctx.Event,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnError: func(ctx EventContext, err error) {
			logger.Error("Client event failed", err, logging.LogFields{
				"event":        ctx.Event,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
	}
}
