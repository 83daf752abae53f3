// Package offline queues messages for recipients that could not be reached
// live. Each (user, conversation) pair owns a bounded FIFO; the oldest entry
// is evicted when a queue overflows and expired entries are never returned.
package offline

import (
	"context"
	"time"

	"github.com/drblury/liveflow/internal/runtime/models"
)

const (
	DefaultCapacity = 100
	DefaultTTL      = 24 * time.Hour
)

// Key identifies one recipient queue.
type Key struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// Entry is one queued message snapshot.
type Entry struct {
	Message    models.Message `json:"message"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
	RetryCount int            `json:"retryCount"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is implemented by MemoryStore and SQLStore.
type Store interface {
	// Enqueue appends e and returns the entries evicted to stay within
	// capacity.
	Enqueue(ctx context.Context, key Key, e Entry) ([]Entry, error)
	// Peek returns the non-expired entries in queue order without removing
	// them.
	Peek(ctx context.Context, key Key) ([]Entry, error)
	// Take removes and returns up to n of the oldest non-expired entries.
	Take(ctx context.Context, key Key, n int) ([]Entry, error)
	// Requeue puts entries back at the front of the queue, keeping their
	// order, and returns any evicted entries.
	Requeue(ctx context.Context, key Key, entries []Entry) ([]Entry, error)
	// Drain removes and returns every non-expired entry.
	Drain(ctx context.Context, key Key) ([]Entry, error)
	// Prune deletes expired entries from every queue and returns them.
	Prune(ctx context.Context) (map[Key][]Entry, error)
	// Keys lists the queues that hold at least one entry.
	Keys(ctx context.Context) ([]Key, error)
	// Len counts the non-expired entries queued for key.
	Len(ctx context.Context, key Key) (int, error)
	Close() error
}

// Options configure a Store.
type Options struct {
	Capacity int
	// Now is overridable for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
