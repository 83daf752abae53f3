package offline

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/drblury/liveflow/internal/runtime/keyed"
)

// MemoryStore keeps queues in process memory.
type MemoryStore struct {
	opts   Options
	queues *keyed.Map[*queue]
}

type queue struct {
	mu      sync.Mutex
	key     Key
	entries []Entry
	dead    bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults(), queues: keyed.New[*queue](0)}
}

func memoryKey(k Key) string {
	return keyed.Join(k.UserID, k.ConversationID)
}

// lockedQueue returns the live queue for k with its lock held.
func (s *MemoryStore) lockedQueue(k Key) *queue {
	for {
		q, _ := s.queues.GetOrCreate(memoryKey(k), func() *queue { return &queue{key: k} })
		q.mu.Lock()
		if !q.dead {
			return q
		}
		q.mu.Unlock()
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, key Key, e Entry) ([]Entry, error) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = s.opts.Now()
	}
	q := s.lockedQueue(key)
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return q.evictLocked(s.opts.Capacity), nil
}

func (s *MemoryStore) Peek(_ context.Context, key Key) ([]Entry, error) {
	q, ok := s.queues.Get(memoryKey(key))
	if !ok {
		return nil, nil
	}
	now := s.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	for _, e := range q.entries {
		if !e.expired(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Take(_ context.Context, key Key, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	q, ok := s.queues.Get(memoryKey(key))
	if !ok {
		return nil, nil
	}
	now := s.opts.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	var taken []Entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if len(taken) < n && !e.expired(now) {
			taken = append(taken, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return taken, nil
}

func (s *MemoryStore) Requeue(_ context.Context, key Key, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	q := s.lockedQueue(key)
	defer q.mu.Unlock()

	merged := make([]Entry, 0, len(entries)+len(q.entries))
	merged = append(merged, entries...)
	merged = append(merged, q.entries...)
	q.entries = merged
	return q.evictLocked(s.opts.Capacity), nil
}

func (s *MemoryStore) Drain(ctx context.Context, key Key) ([]Entry, error) {
	return s.Take(ctx, key, int(^uint(0)>>1))
}

func (s *MemoryStore) Prune(_ context.Context) (map[Key][]Entry, error) {
	now := s.opts.Now()
	pruned := make(map[Key][]Entry)
	s.queues.Range(func(_ string, q *queue) bool {
		q.mu.Lock()
		kept := q.entries[:0]
		for _, e := range q.entries {
			if e.expired(now) {
				pruned[q.key] = append(pruned[q.key], e)
				continue
			}
			kept = append(kept, e)
		}
		q.entries = kept
		q.mu.Unlock()
		return true
	})

	// Drop empty queues so idle pairs do not accumulate.
	s.queues.Range(func(k string, _ *queue) bool {
		s.queues.DeleteIf(k, func(q *queue) bool {
			q.mu.Lock()
			defer q.mu.Unlock()
			if len(q.entries) > 0 {
				return false
			}
			q.dead = true
			return true
		})
		return true
	})
	return pruned, nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]Key, error) {
	var keys []Key
	s.queues.Range(func(_ string, q *queue) bool {
		q.mu.Lock()
		if len(q.entries) > 0 {
			keys = append(keys, q.key)
		}
		q.mu.Unlock()
		return true
	})
	sortKeys(keys)
	return keys, nil
}

func (s *MemoryStore) Len(ctx context.Context, key Key) (int, error) {
	entries, err := s.Peek(ctx, key)
	return len(entries), err
}

func (s *MemoryStore) Close() error {
	return nil
}

func (q *queue) evictLocked(capacity int) []Entry {
	over := len(q.entries) - capacity
	if over <= 0 {
		return nil
	}
	evicted := append([]Entry(nil), q.entries[:over]...)
	q.entries = append(q.entries[:0], q.entries[over:]...)
	return evicted
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if c := strings.Compare(keys[i].UserID, keys[j].UserID); c != 0 {
			return c < 0
		}
		return keys[i].ConversationID < keys[j].ConversationID
	})
}
