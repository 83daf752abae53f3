package sequencer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/scheduler"
)

func newTestSequencer(t *testing.T, maxPending int, flush time.Duration) *Sequencer {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	return New(Options{MaxPending: maxPending, FlushTimeout: flush, Scheduler: sched})
}

func msg(conv string, seq uint64) models.Message {
	return models.Message{ID: fmt.Sprintf("%s-%d", conv, seq), ConversationID: conv, Sequence: seq}
}

func sequences(msgs []models.Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sequence
	}
	return out
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recorder) record(m models.Message) {
	r.mu.Lock()
	r.seqs = append(r.seqs, m.Sequence)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func TestNextSequenceStartsAtOneWithoutGaps(t *testing.T) {
	s := newTestSequencer(t, 10, time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.NextSequence(ctx, "c1")
			assert.NoError(t, err)
			seen <- seq
		}()
	}
	wg.Wait()
	close(seen)

	got := make(map[uint64]bool)
	for seq := range seen {
		assert.False(t, got[seq], "sequence %d reused", seq)
		got[seq] = true
	}
	for i := uint64(1); i <= 100; i++ {
		assert.True(t, got[i], "sequence %d missing", i)
	}

	other, err := s.NextSequence(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other)
}

func TestAdmitReordersIntoGapFreeStream(t *testing.T) {
	s := newTestSequencer(t, 10, time.Second)
	rec := &recorder{}
	s.OnOrdered("c1", rec.record)

	assert.Empty(t, s.Admit(msg("c1", 3)))
	assert.Equal(t, []uint64{1}, sequences(s.Admit(msg("c1", 1))))
	assert.Equal(t, []uint64{2, 3}, sequences(s.Admit(msg("c1", 2))))

	assert.Equal(t, []uint64{1, 2, 3}, rec.snapshot())
	assert.Equal(t, 0, s.Pending("c1"))
}

func TestAdmitArbitraryOrderEmitsEachOnce(t *testing.T) {
	const n = 50
	s := newTestSequencer(t, n, time.Minute)
	rec := &recorder{}
	s.OnOrdered("c1", rec.record)

	order := rand.New(rand.NewSource(42)).Perm(n)
	for _, i := range order {
		s.Admit(msg("c1", uint64(i+1)))
	}

	want := make([]uint64, n)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	assert.Equal(t, want, rec.snapshot())
}

func TestAdmitIgnoresDuplicates(t *testing.T) {
	s := newTestSequencer(t, 10, time.Second)

	assert.Len(t, s.Admit(msg("c1", 1)), 1)
	assert.Empty(t, s.Admit(msg("c1", 1)))

	assert.Empty(t, s.Admit(msg("c1", 3)))
	assert.Empty(t, s.Admit(msg("c1", 3)))
	assert.Equal(t, 1, s.Pending("c1"))
}

func TestAdmitIgnoresUnsequenced(t *testing.T) {
	s := newTestSequencer(t, 10, time.Second)
	assert.Empty(t, s.Admit(models.Message{ConversationID: "c1"}))
	assert.Equal(t, 0, s.Pending("c1"))
}

func TestBufferBoundForcesOldest(t *testing.T) {
	s := newTestSequencer(t, 3, time.Minute)
	rec := &recorder{}
	s.OnOrdered("c1", rec.record)

	for _, seq := range []uint64{2, 3, 4} {
		assert.Empty(t, s.Admit(msg("c1", seq)))
		assert.LessOrEqual(t, s.Pending("c1"), 3)
	}

	// A fourth buffered entry pushes 2 out, after which 3 and 4 drain.
	emitted := s.Admit(msg("c1", 6))
	assert.Equal(t, []uint64{2, 3, 4}, sequences(emitted))
	assert.Equal(t, 1, s.Pending("c1"))

	state, ok := s.State("c1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), state.NextExpected)
	assert.Equal(t, uint64(4), state.LastDelivered)

	// The skipped sequence still gets through exactly once.
	assert.Equal(t, []uint64{1}, sequences(s.Admit(msg("c1", 1))))
	assert.Empty(t, s.Admit(msg("c1", 1)))

	assert.Equal(t, []uint64{2, 3, 4, 1}, rec.snapshot())
}

func TestFlushTimerEmitsRemaining(t *testing.T) {
	s := newTestSequencer(t, 10, 20*time.Millisecond)
	rec := &recorder{}
	s.OnOrdered("c1", rec.record)

	s.Admit(msg("c1", 4))
	s.Admit(msg("c1", 2))

	state, ok := s.State("c1")
	require.True(t, ok)
	assert.False(t, state.Deadline.IsZero())

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{2, 4}, rec.snapshot())
	assert.Equal(t, 0, s.Pending("c1"))

	// 1 and 3 were skipped by the flush and are let through late.
	assert.Len(t, s.Admit(msg("c1", 3)), 1)
	assert.Len(t, s.Admit(msg("c1", 1)), 1)
	assert.Len(t, s.Admit(msg("c1", 5)), 1)
}

func TestFlushTimerCancelledWhenGapFills(t *testing.T) {
	s := newTestSequencer(t, 10, 20*time.Millisecond)
	rec := &recorder{}
	s.OnOrdered("c1", rec.record)

	s.Admit(msg("c1", 2))
	s.Admit(msg("c1", 1))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, rec.snapshot())

	state, _ := s.State("c1")
	assert.True(t, state.Deadline.IsZero())
}

func TestOnOrderedSingleSlot(t *testing.T) {
	s := newTestSequencer(t, 10, time.Second)
	first, second := &recorder{}, &recorder{}

	unsubFirst := s.OnOrdered("c1", first.record)
	s.OnOrdered("c1", second.record)
	s.Admit(msg("c1", 1))

	assert.Empty(t, first.snapshot())
	assert.Equal(t, []uint64{1}, second.snapshot())

	// A stale unsubscribe leaves the newer callback alone.
	unsubFirst()
	s.Admit(msg("c1", 2))
	assert.Equal(t, []uint64{1, 2}, second.snapshot())
}

func TestEndConversationResets(t *testing.T) {
	s := newTestSequencer(t, 10, 20*time.Millisecond)
	ctx := context.Background()
	rec := &recorder{}
	s.OnOrdered("c1", rec.record)

	_, _ = s.NextSequence(ctx, "c1")
	_, _ = s.NextSequence(ctx, "c1")
	s.Admit(msg("c1", 2))

	require.NoError(t, s.EndConversation(ctx, "c1"))
	assert.Equal(t, 0, s.Pending("c1"))
	_, ok := s.State("c1")
	assert.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "flush timer must not fire after end")

	seq, err := s.NextSequence(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestConversationsAreIndependent(t *testing.T) {
	s := newTestSequencer(t, 10, time.Second)

	s.Admit(msg("c1", 2))
	assert.Len(t, s.Admit(msg("c2", 1)), 1)
	assert.Equal(t, 1, s.Pending("c1"))
	assert.Equal(t, 0, s.Pending("c2"))
}
