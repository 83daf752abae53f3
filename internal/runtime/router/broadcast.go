package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/liveflow/internal/runtime/channels"
	"github.com/drblury/liveflow/internal/runtime/delivery"
	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/ids"
	"github.com/drblury/liveflow/internal/runtime/jsoncodec"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metrics"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/offline"
)

// Outcome is how a broadcast resolved for one recipient.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	// OutcomeQueued recipients are pending in the offline queue.
	OutcomeQueued Outcome = "queued"
	OutcomeFailed Outcome = "failed"
)

var errNotConnected = errors.New("recipient not connected")

// Options tune a single broadcast.
type Options struct {
	// QueueOffline queues unreachable recipients instead of failing them.
	QueueOffline bool
	// Timeout bounds each recipient's delivery attempt.
	Timeout time.Duration
}

// BroadcastResult reports one outcome per recipient.
type BroadcastResult struct {
	MessageID        string             `json:"messageId"`
	Sequence         uint64             `json:"sequence"`
	Delivered        int                `json:"delivered"`
	Pending          int                `json:"pending"`
	Failed           int                `json:"failed"`
	FailedRecipients []string           `json:"failedRecipients,omitempty"`
	Outcomes         map[string]Outcome `json:"outcomes"`
}

func (res *BroadcastResult) add(userID string, o Outcome) {
	res.Outcomes[userID] = o
	switch o {
	case OutcomeDelivered:
		res.Delivered++
	case OutcomeQueued:
		res.Pending++
	case OutcomeFailed:
		res.Failed++
		res.FailedRecipients = append(res.FailedRecipients, userID)
	}
}

// Broadcast sequences msg and delivers it to recipients. Transport failures
// never surface as errors: they show up as failed or queued outcomes. The
// only errors are validation failures, ErrDuplicateMessage for an ID seen
// inside the duplicate window, and sequencing failures.
func (r *Router) Broadcast(ctx context.Context, msg models.Message, recipients []string, opts Options) (*BroadcastResult, error) {
	started := r.cfg.Now()
	if msg.ID == "" {
		msg.ID = ids.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = started
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if opts.Timeout <= 0 {
		opts.Timeout = r.cfg.RecipientTimeout
	}

	ctx, span := r.cfg.Tracer.Start(ctx, "liveflow.broadcast",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("liveflow.message_id", msg.ID),
			attribute.String("liveflow.conversation_id", msg.ConversationID),
			attribute.String("liveflow.content_type", string(msg.ContentType)),
			attribute.Int("liveflow.recipients", len(recipients)),
		))
	defer span.End()

	if err := r.validate(msg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !r.claim(msg.ID) {
		r.metrics.Duplicate()
		r.logger.Debug("Rejected duplicate message", logging.LogFields{"message_id": msg.ID})
		span.SetStatus(codes.Error, lferrors.ErrDuplicateMessage.Error())
		return nil, lferrors.ErrDuplicateMessage
	}

	seq, err := r.seq.NextSequence(ctx, msg.ConversationID)
	if err != nil {
		r.release(msg.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sequence")
		return nil, fmt.Errorf("assign sequence: %w", err)
	}
	sequenced := msg.WithSequence(seq)
	span.SetAttributes(attribute.Int64("liveflow.sequence", int64(seq)))

	r.ensureOrdered(msg.ConversationID)
	r.sent.Add(sequenced.ID, sequenced)

	if !r.cfg.SuppressProvisional {
		r.publish(ctx, channels.Conversation(msg.ConversationID), models.EventMessage, sequenced)
	}
	// The ordered stream never waits on recipient attempts.
	r.seq.Admit(sequenced)

	users := uniqueRecipients(recipients)
	if err := r.tracker.Track(delivery.Record{
		MessageID:      sequenced.ID,
		ConversationID: sequenced.ConversationID,
		SenderID:       sequenced.SenderID,
		Recipients:     users,
		CreatedAt:      started,
	}); err != nil {
		r.logger.Error("Failed to track delivery", err, logging.LogFields{"message_id": sequenced.ID})
	}

	result := r.fanOut(ctx, sequenced, users, opts)

	r.metrics.ObserveBroadcast(string(msg.ContentType), r.cfg.Now().Sub(started))
	span.SetAttributes(
		attribute.Int("liveflow.delivered", result.Delivered),
		attribute.Int("liveflow.pending", result.Pending),
		attribute.Int("liveflow.failed", result.Failed),
	)
	r.logger.Debug("Broadcast complete", logging.LogFields{
		"message_id":      sequenced.ID,
		"conversation_id": sequenced.ConversationID,
		"sequence":        seq,
		"delivered":       result.Delivered,
		"pending":         result.Pending,
		"failed":          result.Failed,
	})
	return result, nil
}

// Retry resets the failed recipients of messageID and attempts delivery to
// them again.
func (r *Router) Retry(ctx context.Context, messageID string, opts Options) (*BroadcastResult, error) {
	msg, ok := r.sent.Get(messageID)
	if !ok {
		return nil, lferrors.ErrUnknownMessage
	}
	users, err := r.tracker.Retry(messageID)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = r.cfg.RecipientTimeout
	}
	return r.fanOut(ctx, msg, users, opts), nil
}

func (r *Router) validate(msg models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if r.cfg.MaxMessageSize <= 0 {
		return nil
	}
	encoded, err := jsoncodec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(encoded) > r.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", lferrors.ErrMessageTooLarge, len(encoded), r.cfg.MaxMessageSize)
	}
	return nil
}

// claim records id in the duplicate window and reports whether it was new.
func (r *Router) claim(id string) bool {
	r.dedupeMu.Lock()
	defer r.dedupeMu.Unlock()
	if r.seen.Contains(id) {
		return false
	}
	r.seen.Add(id, struct{}{})
	return true
}

func (r *Router) release(id string) {
	r.dedupeMu.Lock()
	r.seen.Remove(id)
	r.dedupeMu.Unlock()
}

// fanOut attempts every recipient concurrently and waits for all of them.
func (r *Router) fanOut(ctx context.Context, msg models.Message, users []string, opts Options) *BroadcastResult {
	result := &BroadcastResult{
		MessageID: msg.ID,
		Sequence:  msg.Sequence,
		Outcomes:  make(map[string]Outcome, len(users)),
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.FanoutConcurrency)
	for _, user := range users {
		g.Go(func() error {
			outcome := r.deliver(ctx, msg, user, opts)
			r.metrics.RecipientOutcome(string(outcome))
			mu.Lock()
			result.add(user, outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.FailedRecipients)
	return result
}

func (r *Router) deliver(ctx context.Context, msg models.Message, user string, opts Options) Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	err := r.sendDirect(attemptCtx, msg, user)
	if err == nil {
		r.tracker.Confirm(msg.ID, user, delivery.StatusDelivered, map[string]string{"via": "direct"})
		return OutcomeDelivered
	}

	fields := logging.LogFields{"message_id": msg.ID, "user_id": user}
	if !opts.QueueOffline {
		r.tracker.Fail(msg.ID, user, err.Error())
		r.logger.Debug("Recipient delivery failed", fields)
		return OutcomeFailed
	}

	now := r.cfg.Now()
	key := offline.Key{UserID: user, ConversationID: msg.ConversationID}
	evicted, qerr := r.store.Enqueue(ctx, key, offline.Entry{
		Message:    msg,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(r.cfg.OfflineTTL),
	})
	if qerr != nil {
		r.logger.Error("Failed to queue offline message", qerr, fields)
		r.tracker.Fail(msg.ID, user, "offline queue unavailable")
		return OutcomeFailed
	}
	r.metrics.Offline(metrics.OfflineEnqueued, 1)
	r.failEvicted(user, evicted)
	return OutcomeQueued
}

// sendDirect publishes msg to user if the user is connected. Coaching
// messages go to the recipient's private channel.
func (r *Router) sendDirect(ctx context.Context, msg models.Message, user string) error {
	if r.conns == nil || !r.conns.IsConnected(user, msg.ConversationID) {
		return errNotConnected
	}
	channel := channels.Conversation(msg.ConversationID)
	if msg.ContentType == models.ContentCoaching {
		channel = channels.Coaching(user, msg.ConversationID)
	}
	return r.publisher.Publish(ctx, channel, models.EventDelivery, models.Delivery{RecipientID: user, Message: msg})
}

func (r *Router) publish(ctx context.Context, channel, event string, payload any) {
	if err := r.publisher.Publish(ctx, channel, event, payload); err != nil {
		r.logger.Error("Publish failed", err, logging.LogFields{"channel": channel, "event": event})
	}
}

// failEvicted marks recipients of evicted queue entries failed so overflow
// never loses a message silently.
func (r *Router) failEvicted(user string, evicted []offline.Entry) {
	if len(evicted) == 0 {
		return
	}
	r.metrics.Offline(metrics.OfflineEvicted, len(evicted))
	for _, e := range evicted {
		r.logger.Warn("Offline queue full, evicted oldest message", logging.LogFields{
			"message_id":      e.Message.ID,
			"user_id":         user,
			"conversation_id": e.Message.ConversationID,
		})
		r.tracker.Fail(e.Message.ID, user, "evicted from offline queue")
	}
}

func uniqueRecipients(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func formatMillis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', -1, 64)
}
