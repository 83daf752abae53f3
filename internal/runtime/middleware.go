package runtime

import (
	"errors"
	"fmt"
	"time"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/handlers"
	"github.com/drblury/liveflow/internal/runtime/ids"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return !isPermanent(err) }
	}
	return cfg
}

// DefaultMiddlewares returns the standard middleware chain used by the
// Service constructor. Earlier entries wrap later ones.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		PoisonQueueMiddleware(nil),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics and serves
// /metrics on MetricsPort.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := wmmetrics.NewPrometheusMetricsBuilder(s.registerer, "liveflow", "inbound")
			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages.
func LogMessagesMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware continues the trace propagated in message metadata and
// wraps handler execution in a span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(s.tracer, s.propagator), nil
		},
	}
}

// RetryMiddleware retries failed handlers with exponential backoff. By
// default permanent failures (unprocessable events, duplicate or oversized
// messages) are not retried.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Middleware: middleware.Retry{
			MaxRetries:      normalized.MaxRetries,
			InitialInterval: normalized.InitialInterval,
			MaxInterval:     normalized.MaxInterval,
			ShouldRetry: func(params middleware.RetryParams) bool {
				return normalized.RetryIf(params.Err)
			},
		}.Middleware,
	}
}

// PoisonQueueMiddleware takes messages whose error matches filter out of
// circulation. With Config.PoisonQueue set they are published there;
// otherwise they are logged and acknowledged. The default filter matches the
// failures RetryMiddleware gives up on immediately.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			f := filter
			if f == nil {
				f = isPermanent
			}
			if s.Conf.PoisonQueue == "" {
				return dropPoisonMiddleware(f, s.Logger), nil
			}
			if s.publisher == nil {
				return nil, errors.New("publisher is required for poison queue middleware")
			}
			return middleware.PoisonQueueWithFilter(s.publisher, s.Conf.PoisonQueue, f)
		},
	}
}

// RecovererMiddleware converts panics into handler errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware adds cfg to the inbound router. Builders returning a
// nil middleware register nothing, which is how optional stages opt out.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}
	if cfg.Middleware == nil && cfg.Builder == nil {
		return fmt.Errorf("middleware %q: Middleware or Builder is required", cfg.Name)
	}

	mw := cfg.Middleware
	if mw == nil {
		built, err := cfg.Builder(s)
		if err != nil {
			return fmt.Errorf("middleware %q: %w", cfg.Name, err)
		}
		mw = built
	}
	if mw != nil {
		s.router.AddMiddleware(mw)
	}
	return nil
}

func isUnprocessable(err error) bool {
	var unprocessable *handlers.UnprocessableEventError
	return errors.As(err, &unprocessable)
}

// isPermanent reports failures a retry cannot fix: malformed client events
// and messages the router rejected outright.
func isPermanent(err error) bool {
	return isUnprocessable(err) ||
		errors.Is(err, lferrors.ErrDuplicateMessage) ||
		errors.Is(err, lferrors.ErrMessageTooLarge) ||
		errors.Is(err, lferrors.ErrUnknownContentType)
}

// correlationIDMiddleware stamps a correlation id on client events that
// arrive without one and copies it onto anything the handler produces.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	next := middleware.CorrelationID(h)
	return func(msg *message.Message) ([]*message.Message, error) {
		if middleware.MessageCorrelationID(msg) == "" {
			middleware.SetCorrelationID(ids.NewMessageID(), msg)
		}
		return next(msg)
	}
}

// logMessagesMiddleware logs routing headers only. Payloads may hold
// conversation content and are reported by size.
func logMessagesMiddleware(logger logging.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			fields := logging.LogFields{
				"message_uuid":   msg.UUID,
				"event":          msg.Metadata.Get(metadata.KeyEvent),
				"correlation_id": msg.Metadata.Get(metadata.KeyCorrelationID),
				"payload_bytes":  len(msg.Payload),
			}
			if conv := msg.Metadata.Get(metadata.KeyConversation); conv != "" {
				fields["conversation_id"] = conv
			}
			logger.Debug("Processing client event", fields)
			return h(msg)
		}
	}
}

func dropPoisonMiddleware(filter func(error) bool, logger logging.ServiceLogger) message.HandlerMiddleware {
	logger = logging.OrNop(logger)
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			produced, err := h(msg)
			if err == nil || !filter(err) {
				return produced, err
			}
			logger.Error("Dropping client event", err, logging.LogFields{
				"message_uuid": msg.UUID,
				"event":        msg.Metadata.Get(metadata.KeyEvent),
			})
			return nil, nil
		}
	}
}

func tracerMiddleware(tracer trace.Tracer, propagator propagation.TextMapPropagator) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			md := metadata.FromWatermill(msg.Metadata)
			parent := propagator.Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))

			attrs := []attribute.KeyValue{
				attribute.String("message.uuid", msg.UUID),
				attribute.String("liveflow.event", md.Event()),
			}
			if conv := md[metadata.KeyConversation]; conv != "" {
				attrs = append(attrs, attribute.String("liveflow.conversation", conv))
			}
			if seq, ok := md.Sequence(); ok {
				attrs = append(attrs, attribute.Int64("liveflow.sequence", int64(seq)))
			}

			ctx, span := tracer.Start(parent, "liveflow.inbound "+md.Event(),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()
			msg.SetContext(ctx)

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return produced, err
		}
	}
}
