// Package router fans conversation messages out to their recipients.
//
// A broadcast is deduplicated, sequenced, published provisionally to the
// conversation channel, tracked, and then delivered to every recipient
// concurrently. Recipients that cannot be reached live are queued offline or
// failed. Once the sequencer releases the message in order, a final
// "message:ordered" event is published; clients order by sequence number,
// never by arrival.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/liveflow/internal/runtime/channels"
	"github.com/drblury/liveflow/internal/runtime/delivery"
	"github.com/drblury/liveflow/internal/runtime/keyed"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metrics"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/offline"
	"github.com/drblury/liveflow/internal/runtime/scheduler"
	"github.com/drblury/liveflow/internal/runtime/sequencer"
)

const (
	DefaultDuplicateWindow      = 5 * time.Minute
	DefaultDuplicateCapacity    = 10000
	DefaultFanoutConcurrency    = 32
	DefaultRecipientTimeout     = 5 * time.Second
	DefaultOfflineTTL           = 24 * time.Hour
	DefaultOfflineSweepInterval = 30 * time.Second
	DefaultOfflineBatchSize     = 10
	DefaultOfflineMaxRetries    = 3
	DefaultMessageRetention     = time.Hour

	publishTimeout = 5 * time.Second
)

// Publisher sends events to the transport.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Connections answers whether a recipient can be reached live.
type Connections interface {
	IsConnected(userID, conversationID string) bool
}

type Config struct {
	DuplicateWindow      time.Duration
	DuplicateCapacity    int
	FanoutConcurrency    int
	RecipientTimeout     time.Duration
	SuppressProvisional  bool
	OfflineTTL           time.Duration
	OfflineSweepInterval time.Duration
	OfflineBatchSize     int
	OfflineMaxRetries    int
	// MessageRetention bounds how long sent messages are kept for Retry.
	MessageRetention time.Duration
	// MaxMessageSize rejects encoded messages above this many bytes; zero
	// disables the check.
	MaxMessageSize int

	Sequencer   *sequencer.Sequencer
	Tracker     *delivery.Tracker
	Store       offline.Store
	Publisher   Publisher
	Connections Connections
	Scheduler   *scheduler.Scheduler
	Logger      logging.ServiceLogger
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	if c.DuplicateCapacity <= 0 {
		c.DuplicateCapacity = DefaultDuplicateCapacity
	}
	if c.FanoutConcurrency <= 0 {
		c.FanoutConcurrency = DefaultFanoutConcurrency
	}
	if c.RecipientTimeout <= 0 {
		c.RecipientTimeout = DefaultRecipientTimeout
	}
	if c.OfflineTTL <= 0 {
		c.OfflineTTL = DefaultOfflineTTL
	}
	if c.OfflineSweepInterval <= 0 {
		c.OfflineSweepInterval = DefaultOfflineSweepInterval
	}
	if c.OfflineBatchSize <= 0 {
		c.OfflineBatchSize = DefaultOfflineBatchSize
	}
	if c.OfflineMaxRetries <= 0 {
		c.OfflineMaxRetries = DefaultOfflineMaxRetries
	}
	if c.MessageRetention <= 0 {
		c.MessageRetention = DefaultMessageRetention
	}
	if c.Scheduler == nil {
		c.Scheduler = scheduler.New()
	}
	if c.Sequencer == nil {
		c.Sequencer = sequencer.New(sequencer.Options{Scheduler: c.Scheduler, Logger: c.Logger, Metrics: c.Metrics})
	}
	if c.Tracker == nil {
		c.Tracker = delivery.New(delivery.Options{Scheduler: c.Scheduler, Logger: c.Logger, Metrics: c.Metrics})
	}
	if c.Store == nil {
		c.Store = offline.NewMemoryStore(offline.Options{})
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/drblury/liveflow/router")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Router is safe for concurrent use.
type Router struct {
	cfg     Config
	logger  logging.ServiceLogger
	metrics *metrics.Metrics

	seq       *sequencer.Sequencer
	tracker   *delivery.Tracker
	store     offline.Store
	publisher Publisher
	conns     Connections

	dedupeMu sync.Mutex
	seen     *expirable.LRU[string, struct{}]
	sent     *expirable.LRU[string, models.Message]

	ordered *keyed.Map[func()]

	sweepMu sync.Mutex
	sweep   *scheduler.Task

	unsubscribeStatus func()
}

// New builds a Router. Publisher and Connections are required; a missing
// sequencer, tracker or store is replaced by an in-memory default.
func New(cfg Config) *Router {
	cfg = cfg.withDefaults()

	r := &Router{
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger).With(logging.LogFields{"component": "router"}),
		metrics:   cfg.Metrics,
		seq:       cfg.Sequencer,
		tracker:   cfg.Tracker,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		conns:     cfg.Connections,
		seen:      expirable.NewLRU[string, struct{}](cfg.DuplicateCapacity, nil, cfg.DuplicateWindow),
		sent:      expirable.NewLRU[string, models.Message](cfg.DuplicateCapacity, nil, cfg.MessageRetention),
		ordered:   keyed.New[func()](0),
	}
	r.unsubscribeStatus = r.tracker.OnStatus(r.publishStatus)
	return r
}

// Start launches the offline redelivery sweep.
func (r *Router) Start() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweep != nil && !r.sweep.Stopped() {
		return
	}
	r.sweep = r.cfg.Scheduler.Every(r.cfg.OfflineSweepInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OfflineSweepInterval)
		defer cancel()
		r.SweepOffline(ctx)
	})
}

// Stop halts the sweep and detaches from the tracker.
func (r *Router) Stop() {
	r.sweepMu.Lock()
	if r.sweep != nil {
		r.sweep.Stop()
	}
	r.sweepMu.Unlock()
	if r.unsubscribeStatus != nil {
		r.unsubscribeStatus()
	}
}

// ConfirmDelivery records that userID received messageID. latency is
// attached to the status update when positive.
func (r *Router) ConfirmDelivery(_ context.Context, messageID, userID string, latency time.Duration) bool {
	var md map[string]string
	if latency > 0 {
		md = map[string]string{"latencyMs": formatMillis(latency)}
	}
	return r.tracker.Confirm(messageID, userID, delivery.StatusDelivered, md)
}

// MarkAsRead records that userID read messageID.
func (r *Router) MarkAsRead(_ context.Context, messageID, userID string) bool {
	return r.tracker.Confirm(messageID, userID, delivery.StatusRead, nil)
}

// Summary returns the delivery counts for messageID.
func (r *Router) Summary(messageID string) (delivery.Summary, bool) {
	return r.tracker.Summarize(messageID)
}

// EndConversation releases the conversation's sequencing state and ordering
// callback.
func (r *Router) EndConversation(ctx context.Context, conversationID string) error {
	if unsubscribe, ok := r.ordered.Delete(conversationID); ok {
		unsubscribe()
	}
	return r.seq.EndConversation(ctx, conversationID)
}

// ensureOrdered registers the in-order publish for conversationID once.
func (r *Router) ensureOrdered(conversationID string) {
	r.ordered.GetOrCreate(conversationID, func() func() {
		return r.seq.OnOrdered(conversationID, r.publishOrdered)
	})
}

func (r *Router) publishOrdered(msg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, channels.Conversation(msg.ConversationID), models.EventMessageOrdered, msg); err != nil {
		r.logger.Error("Failed to publish ordered message", err, logging.LogFields{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
			"sequence":        msg.Sequence,
		})
	}
}

func (r *Router) publishStatus(update models.StatusUpdate) {
	if update.ConversationID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, channels.Conversation(update.ConversationID), models.EventStatusUpdate, update); err != nil {
		r.logger.Error("Failed to publish status update", err, logging.LogFields{
			"message_id": update.MessageID,
			"user_id":    update.UserID,
			"status":     update.Status,
		})
	}
}
