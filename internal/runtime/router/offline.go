package router

import (
	"context"
	"errors"

	"github.com/drblury/liveflow/internal/runtime/delivery"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metrics"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/offline"
)

// SweepStats summarizes one offline sweep.
type SweepStats struct {
	Expired     int `json:"expired"`
	Redelivered int `json:"redelivered"`
	Requeued    int `json:"requeued"`
	Dropped     int `json:"dropped"`
}

// Undelivered lists the messages queued for userID in conversationID
// without removing them.
func (r *Router) Undelivered(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	entries, err := r.store.Peek(ctx, offline.Key{UserID: userID, ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	return messagesOf(entries), nil
}

// DrainOfflineQueue removes and returns every queued message for userID in
// conversationID. The caller takes over delivery; the messages are marked
// delivered.
func (r *Router) DrainOfflineQueue(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	entries, err := r.store.Drain(ctx, offline.Key{UserID: userID, ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	r.metrics.Offline(metrics.OfflineDrained, len(entries))
	for _, e := range entries {
		r.tracker.Confirm(e.Message.ID, userID, delivery.StatusDelivered, map[string]string{"via": "drain"})
	}
	return messagesOf(entries), nil
}

// SweepOffline fails expired entries and retries delivery for recipients
// that have reconnected. Each queue gets at most one batch per sweep.
// Entries that fail more than the retry limit are dropped and failed.
func (r *Router) SweepOffline(ctx context.Context) SweepStats {
	var stats SweepStats

	expired, err := r.store.Prune(ctx)
	if err != nil {
		r.logger.Error("Failed to prune offline queues", err, nil)
	}
	for key, entries := range expired {
		for _, e := range entries {
			r.tracker.Fail(e.Message.ID, key.UserID, "offline message expired")
		}
		stats.Expired += len(entries)
	}
	r.metrics.Offline(metrics.OfflineDropped, stats.Expired)

	keys, err := r.store.Keys(ctx)
	if err != nil {
		r.logger.Error("Failed to list offline queues", err, nil)
		return stats
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		if r.conns == nil || !r.conns.IsConnected(key.UserID, key.ConversationID) {
			continue
		}
		r.redeliver(ctx, key, &stats)
	}

	if stats.Expired+stats.Redelivered+stats.Dropped > 0 {
		r.logger.Debug("Offline sweep complete", logging.LogFields{
			"expired":     stats.Expired,
			"redelivered": stats.Redelivered,
			"requeued":    stats.Requeued,
			"dropped":     stats.Dropped,
		})
	}
	return stats
}

func (r *Router) redeliver(ctx context.Context, key offline.Key, stats *SweepStats) {
	batch, err := r.store.Take(ctx, key, r.cfg.OfflineBatchSize)
	if err != nil {
		r.logger.Error("Failed to take offline batch", err, logging.LogFields{"user_id": key.UserID, "conversation_id": key.ConversationID})
		return
	}

	var retry []offline.Entry
	redelivered := 0
	for i, e := range batch {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.RecipientTimeout)
		err := r.sendDirect(attemptCtx, e.Message, key.UserID)
		cancel()
		if err == nil {
			r.tracker.Confirm(e.Message.ID, key.UserID, delivery.StatusDelivered, map[string]string{"via": "offline"})
			redelivered++
			continue
		}
		e.RetryCount++
		if e.RetryCount > r.cfg.OfflineMaxRetries {
			r.tracker.Fail(e.Message.ID, key.UserID, "offline redelivery retries exhausted")
			stats.Dropped++
			r.metrics.Offline(metrics.OfflineDropped, 1)
			continue
		}
		retry = append(retry, e)
		if errors.Is(err, errNotConnected) {
			// The recipient dropped mid-batch; keep the rest for the next sweep.
			retry = append(retry, batch[i+1:]...)
			break
		}
	}
	stats.Redelivered += redelivered
	r.metrics.Offline(metrics.OfflineRedelivered, redelivered)

	if len(retry) == 0 {
		return
	}
	evicted, err := r.store.Requeue(ctx, key, retry)
	if err != nil {
		r.logger.Error("Failed to requeue offline entries", err, logging.LogFields{"user_id": key.UserID})
		for _, e := range retry {
			r.tracker.Fail(e.Message.ID, key.UserID, "offline requeue failed")
		}
		return
	}
	stats.Requeued += len(retry)
	r.metrics.Offline(metrics.OfflineRequeued, len(retry))
	r.failEvicted(key.UserID, evicted)
}

func messagesOf(entries []offline.Entry) []models.Message {
	out := make([]models.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
