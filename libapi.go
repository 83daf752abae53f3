package liveflow

import (
	runtimepkg "github.com/drblury/liveflow/internal/runtime"
	"github.com/drblury/liveflow/internal/runtime/channels"
	configpkg "github.com/drblury/liveflow/internal/runtime/config"
	"github.com/drblury/liveflow/internal/runtime/delivery"
	errspkg "github.com/drblury/liveflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/liveflow/internal/runtime/handlers"
	jsoncodec "github.com/drblury/liveflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/liveflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/liveflow/internal/runtime/metadata"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/offline"
	"github.com/drblury/liveflow/internal/runtime/presence"
	"github.com/drblury/liveflow/internal/runtime/quality"
	"github.com/drblury/liveflow/internal/runtime/router"
	"github.com/drblury/liveflow/internal/runtime/sequencer"
	transportpkg "github.com/drblury/liveflow/internal/runtime/transport"
	newtransport "github.com/drblury/liveflow/transport"
)

type (
	Config               = configpkg.Config
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	Transport            = transportpkg.Transport
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	// Conversation domain
	Message          = models.Message
	ContentType      = models.ContentType
	Delivery         = models.Delivery
	StatusUpdate     = models.StatusUpdate
	PresenceEvent    = models.PresenceEvent
	BroadcastOptions = router.Options
	BroadcastResult  = router.BroadcastResult
	Outcome          = router.Outcome
	SweepStats       = router.SweepStats
	DeliveryStatus   = delivery.Status
	DeliverySummary  = delivery.Summary
	DeliverySnapshot = delivery.Snapshot
	PresenceRecord   = presence.Record
	PresenceStatus   = presence.Status
	PresenceFunc     = presence.EventFunc
	QualityClass     = quality.Class
	QualitySample    = quality.Sample
	ConnectionHealth = quality.Health
	ConnectionReport = quality.Report
	OfflineStore     = offline.Store
	CounterStore     = sequencer.CounterStore

	// Client events
	ClientEventRegistration[T any] = runtimepkg.ClientEventRegistration[T]
	MessageHandlerRegistration     = runtimepkg.MessageHandlerRegistration
	JSONMessageContext[T any]      = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any]      = handlerpkg.JSONMessageHandler[T]
	MessageContextBase             = handlerpkg.MessageContextBase
	ClientReceipt                  = models.ClientReceipt
	ClientSignal                   = models.ClientSignal
	ClientQualitySample            = models.ClientQualitySample
	Event                          = transportpkg.Event
	EventHandler                   = transportpkg.EventHandler

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	UnprocessableEventError = handlerpkg.UnprocessableEventError

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ConfigValidationError = errspkg.ConfigValidationError

	// Event lifecycle hooks
	EventContext = runtimepkg.EventContext
	EventHooks   = runtimepkg.EventHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
	TransportInfo     = runtimepkg.TransportInfo

	UnknownTransportError = newtransport.UnknownTransportError
)

var (
	NewService = runtimepkg.NewService
	LoadConfig = configpkg.Load

	RegisterMessageHandler = runtimepkg.RegisterMessageHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	EventHooksMiddleware = runtimepkg.EventHooksMiddleware
	LoggingHooks         = runtimepkg.LoggingHooks

	// Channel names
	ConversationChannel = channels.Conversation
	PresenceChannel     = channels.Presence
	TypingChannel       = channels.Typing
	ModerationChannel   = channels.Moderation
	CoachingChannel     = channels.Coaching
	ProbeChannel        = channels.Probe
	ChannelTopic        = channels.Topic

	GetCapabilities   = newtransport.GetCapabilities
	RegisterTransport = newtransport.Register
	BuildTransport    = newtransport.Build

	RegisterTransportWithCapabilities = newtransport.RegisterWithCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrEventRequired        = errspkg.ErrEventRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrChannelRequired      = errspkg.ErrChannelRequired
	ErrMessageRequired      = errspkg.ErrMessageRequired
	ErrConversationRequired = errspkg.ErrConversationRequired
	ErrSenderRequired       = errspkg.ErrSenderRequired
	ErrUserRequired         = errspkg.ErrUserRequired
	ErrUnknownContentType   = errspkg.ErrUnknownContentType
	ErrMessageTooLarge      = errspkg.ErrMessageTooLarge
	ErrUnknownMessage       = errspkg.ErrUnknownMessage
	ErrDuplicateMessage     = errspkg.ErrDuplicateMessage
	ErrProbeTimeout         = errspkg.ErrProbeTimeout

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.NopLogger

	NewMetadata = metadatapkg.New
)

// Content types.
const (
	ContentText       = models.ContentText
	ContentSystem     = models.ContentSystem
	ContentModeration = models.ContentModeration
	ContentCoaching   = models.ContentCoaching
)

// Event names published on conversation channels and consumed from clients.
const (
	EventMessage        = models.EventMessage
	EventMessageOrdered = models.EventMessageOrdered
	EventDelivery       = models.EventDelivery
	EventStatusUpdate   = models.EventStatusUpdate
	EventPresence       = models.EventPresence
	EventTyping         = models.EventTyping
	EventProbe          = models.EventProbe
	EventProbeAck       = models.EventProbeAck

	ClientDelivered = models.ClientDelivered
	ClientRead      = models.ClientRead
	ClientTyping    = models.ClientTyping
	ClientActivity  = models.ClientActivity
	ClientQuality   = models.ClientQuality

	// InboundTopic is where clients publish the events above.
	InboundTopic = channels.Inbound
)

// Delivery statuses, presence states and quality classes.
const (
	StatusPending   = delivery.StatusPending
	StatusDelivered = delivery.StatusDelivered
	StatusRead      = delivery.StatusRead
	StatusFailed    = delivery.StatusFailed

	Online  = presence.Online
	Away    = presence.Away
	Offline = presence.Offline

	QualityExcellent = quality.Excellent
	QualityGood      = quality.Good
	QualityPoor      = quality.Poor
	QualityUnknown   = quality.Unknown
	QualityOffline   = quality.Offline
)

// Metadata keys set on every published event.
const (
	MetadataKeyEvent         = metadatapkg.KeyEvent
	MetadataKeyChannel       = metadatapkg.KeyChannel
	MetadataKeyConversation  = metadatapkg.KeyConversation
	MetadataKeySequence      = metadatapkg.KeySequence
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// RegisterClientEvent adds a typed handler for a client event published on
// InboundTopic.
func RegisterClientEvent[T any](svc *Service, cfg ClientEventRegistration[T]) error {
	return runtimepkg.RegisterClientEvent(svc, cfg)
}
