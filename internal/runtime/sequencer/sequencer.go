// Package sequencer assigns per-conversation sequence numbers and turns
// out-of-order arrivals back into a gap-free, in-order stream.
//
// Each conversation owns an ordering buffer. Admit inserts a message at its
// sequence slot and drains every contiguous message starting at the next
// expected sequence. A buffer that grows past MaxPending force-emits its
// oldest entries, and a flush timer started by the first buffered message
// emits whatever is left, so permanent gaps never hold memory.
package sequencer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drblury/liveflow/internal/runtime/keyed"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metrics"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/scheduler"
)

const (
	DefaultMaxPending   = 100
	DefaultFlushTimeout = 5 * time.Second

	// maxSkippedRanges bounds the bookkeeping for sequences jumped over by a
	// forced emission.
	maxSkippedRanges = 64
)

// OrderedFunc receives messages in sequence order. It runs while the
// conversation's buffer is locked and must not call back into the Sequencer
// for the same conversation.
type OrderedFunc func(msg models.Message)

type Options struct {
	MaxPending   int
	FlushTimeout time.Duration
	Counter      CounterStore
	Scheduler    *scheduler.Scheduler
	Logger       logging.ServiceLogger
	Metrics      *metrics.Metrics
}

type Sequencer struct {
	maxPending   int
	flushTimeout time.Duration
	counter      CounterStore
	sched        *scheduler.Scheduler
	logger       logging.ServiceLogger
	metrics      *metrics.Metrics

	buffers   *keyed.Map[*buffer]
	callbacks *keyed.Map[*subscription]

	subMu  sync.Mutex
	nextID uint64
}

type subscription struct {
	id uint64
	fn OrderedFunc
}

type seqRange struct{ lo, hi uint64 }

type buffer struct {
	mu             sync.Mutex
	conversationID string
	pending        map[uint64]models.Message
	nextExpected   uint64
	lastDelivered  uint64
	deadline       time.Time
	flush          *scheduler.Task
	flushGen       uint64
	skipped        []seqRange
	closed         bool
}

// BufferState is a snapshot of one conversation's ordering buffer.
type BufferState struct {
	ConversationID string    `json:"conversationId"`
	NextExpected   uint64    `json:"nextExpected"`
	LastDelivered  uint64    `json:"lastDelivered"`
	Pending        int       `json:"pending"`
	Deadline       time.Time `json:"deadline,omitempty"`
}

func New(opts Options) *Sequencer {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.Counter == nil {
		opts.Counter = NewMemoryCounter()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New()
	}

	return &Sequencer{
		maxPending:   opts.MaxPending,
		flushTimeout: opts.FlushTimeout,
		counter:      opts.Counter,
		sched:        opts.Scheduler,
		logger:       logging.OrNop(opts.Logger).With(logging.LogFields{"component": "sequencer"}),
		metrics:      opts.Metrics,
		buffers:      keyed.New[*buffer](0),
		callbacks:    keyed.New[*subscription](0),
	}
}

// NextSequence returns the next sequence number for conversationID.
func (s *Sequencer) NextSequence(ctx context.Context, conversationID string) (uint64, error) {
	return s.counter.Next(ctx, conversationID)
}

// OnOrdered registers the in-order emission callback for conversationID.
// There is one slot per conversation: registering again replaces the previous
// callback. The returned func clears the slot if it still holds fn.
func (s *Sequencer) OnOrdered(conversationID string, fn OrderedFunc) func() {
	s.subMu.Lock()
	s.nextID++
	sub := &subscription{id: s.nextID, fn: fn}
	s.subMu.Unlock()

	s.callbacks.Set(conversationID, sub)
	return func() {
		s.callbacks.DeleteIf(conversationID, func(cur *subscription) bool { return cur.id == sub.id })
	}
}

// Admit inserts msg into its conversation's ordering buffer and returns the
// messages emitted as a result, in emission order. Messages whose sequence is
// already buffered or already emitted are ignored.
func (s *Sequencer) Admit(msg models.Message) []models.Message {
	if msg.Sequence == 0 || msg.ConversationID == "" {
		s.logger.Warn("Ignoring message without sequence", logging.LogFields{
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
		})
		return nil
	}

	for {
		b, _ := s.buffers.GetOrCreate(msg.ConversationID, func() *buffer {
			return &buffer{
				conversationID: msg.ConversationID,
				pending:        make(map[uint64]models.Message),
				nextExpected:   1,
			}
		})

		b.mu.Lock()
		if b.closed {
			// Lost a race with EndConversation; pick up the fresh buffer.
			b.mu.Unlock()
			continue
		}
		emitted := s.admitLocked(b, msg)
		b.mu.Unlock()
		return emitted
	}
}

func (s *Sequencer) admitLocked(b *buffer, msg models.Message) []models.Message {
	seq := msg.Sequence
	if seq < b.nextExpected {
		if !b.takeSkipped(seq) {
			s.logger.Trace("Ignoring already emitted sequence", logging.LogFields{
				"conversation_id": b.conversationID,
				"sequence":        seq,
			})
			return nil
		}
		s.logger.Warn("Emitting late message out of order", logging.LogFields{
			"conversation_id": b.conversationID,
			"sequence":        seq,
			"next_expected":   b.nextExpected,
		})
		s.metrics.OrderingViolation()
		return []models.Message{s.emitLocked(b, msg)}
	}
	if _, dup := b.pending[seq]; dup {
		return nil
	}

	b.pending[seq] = msg
	s.metrics.PendingDelta(1)

	emitted := s.drainLocked(b, nil)
	for len(b.pending) > s.maxPending {
		oldest := b.oldestLocked()
		s.logger.Warn("Ordering buffer full, forcing out-of-order emission", logging.LogFields{
			"conversation_id": b.conversationID,
			"sequence":        oldest,
			"next_expected":   b.nextExpected,
			"max_pending":     s.maxPending,
		})
		s.metrics.OrderingViolation()
		emitted = s.forceLocked(b, oldest, emitted)
		emitted = s.drainLocked(b, emitted)
	}

	s.armFlushLocked(b)
	return emitted
}

// drainLocked emits every contiguous message starting at nextExpected.
func (s *Sequencer) drainLocked(b *buffer, emitted []models.Message) []models.Message {
	for {
		msg, ok := b.pending[b.nextExpected]
		if !ok {
			return emitted
		}
		delete(b.pending, b.nextExpected)
		s.metrics.PendingDelta(-1)
		b.nextExpected++
		emitted = append(emitted, s.emitLocked(b, msg))
	}
}

// forceLocked emits the buffered message at seq, recording the gap it jumps.
func (s *Sequencer) forceLocked(b *buffer, seq uint64, emitted []models.Message) []models.Message {
	msg := b.pending[seq]
	delete(b.pending, seq)
	s.metrics.PendingDelta(-1)
	if seq > b.nextExpected {
		b.addSkipped(b.nextExpected, seq-1)
	}
	b.nextExpected = seq + 1
	return append(emitted, s.emitLocked(b, msg))
}

func (s *Sequencer) emitLocked(b *buffer, msg models.Message) models.Message {
	if msg.Sequence > b.lastDelivered {
		b.lastDelivered = msg.Sequence
	}
	if sub, ok := s.callbacks.Get(b.conversationID); ok && sub.fn != nil {
		sub.fn(msg)
	}
	return msg
}

func (s *Sequencer) armFlushLocked(b *buffer) {
	if len(b.pending) == 0 {
		if b.flush != nil {
			b.flush.Stop()
			b.flush = nil
			b.deadline = time.Time{}
		}
		return
	}
	if b.flush != nil {
		return
	}

	b.flushGen++
	gen := b.flushGen
	b.deadline = time.Now().Add(s.flushTimeout)
	b.flush = s.sched.After(s.flushTimeout, func() { s.flushExpired(b, gen) })
}

func (s *Sequencer) flushExpired(b *buffer, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.flush == nil || b.flushGen != gen {
		return
	}
	b.flush = nil
	b.deadline = time.Time{}
	if len(b.pending) == 0 {
		return
	}

	s.logger.Warn("Flushing ordering buffer with gaps", logging.LogFields{
		"conversation_id": b.conversationID,
		"pending":         len(b.pending),
		"next_expected":   b.nextExpected,
	})
	s.metrics.OrderingFlush()

	for _, seq := range b.sortedLocked() {
		s.forceLocked(b, seq, nil)
	}
}

// EndConversation cancels the conversation's flush timer and drops its
// buffer, callback and counter.
func (s *Sequencer) EndConversation(ctx context.Context, conversationID string) error {
	if b, ok := s.buffers.Delete(conversationID); ok {
		b.mu.Lock()
		b.closed = true
		if b.flush != nil {
			b.flush.Stop()
			b.flush = nil
		}
		s.metrics.PendingDelta(-len(b.pending))
		b.pending = nil
		b.mu.Unlock()
	}
	s.callbacks.Delete(conversationID)
	return s.counter.Reset(ctx, conversationID)
}

// Pending returns how many messages conversationID has buffered.
func (s *Sequencer) Pending(conversationID string) int {
	b, ok := s.buffers.Get(conversationID)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// State returns a snapshot of conversationID's ordering buffer.
func (s *Sequencer) State(conversationID string) (BufferState, bool) {
	b, ok := s.buffers.Get(conversationID)
	if !ok {
		return BufferState{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferState{
		ConversationID: conversationID,
		NextExpected:   b.nextExpected,
		LastDelivered:  b.lastDelivered,
		Pending:        len(b.pending),
		Deadline:       b.deadline,
	}, true
}

func (b *buffer) oldestLocked() uint64 {
	var oldest uint64
	for seq := range b.pending {
		if oldest == 0 || seq < oldest {
			oldest = seq
		}
	}
	return oldest
}

func (b *buffer) sortedLocked() []uint64 {
	seqs := make([]uint64, 0, len(b.pending))
	for seq := range b.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func (b *buffer) addSkipped(lo, hi uint64) {
	b.skipped = append(b.skipped, seqRange{lo: lo, hi: hi})
	if len(b.skipped) > maxSkippedRanges {
		b.skipped = b.skipped[len(b.skipped)-maxSkippedRanges:]
	}
}

// takeSkipped reports whether seq was jumped over by a forced emission and
// removes it from the skipped set.
func (b *buffer) takeSkipped(seq uint64) bool {
	for i, r := range b.skipped {
		if seq < r.lo || seq > r.hi {
			continue
		}
		switch {
		case r.lo == r.hi:
			b.skipped = append(b.skipped[:i], b.skipped[i+1:]...)
		case seq == r.lo:
			b.skipped[i].lo++
		case seq == r.hi:
			b.skipped[i].hi--
		default:
			tail := seqRange{lo: seq + 1, hi: r.hi}
			b.skipped[i].hi = seq - 1
			b.skipped = append(b.skipped, seqRange{})
			copy(b.skipped[i+2:], b.skipped[i+1:])
			b.skipped[i+1] = tail
		}
		return true
	}
	return false
}
