package delivery

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/scheduler"
)

func newTestTracker(t *testing.T, opts Options) *Tracker {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	opts.Scheduler = sched
	return New(opts)
}

type updates struct {
	mu  sync.Mutex
	all []models.StatusUpdate
}

func (u *updates) add(update models.StatusUpdate) {
	u.mu.Lock()
	u.all = append(u.all, update)
	u.mu.Unlock()
}

func (u *updates) statuses() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, len(u.all))
	for i, up := range u.all {
		out[i] = up.UserID + ":" + up.Status
	}
	return out
}

func track(t *testing.T, tr *Tracker, id string, users ...string) {
	t.Helper()
	require.NoError(t, tr.Track(Record{MessageID: id, ConversationID: "c1", SenderID: "s", Recipients: users}))
}

func TestTrackStartsPending(t *testing.T) {
	tr := newTestTracker(t, Options{Timeout: time.Minute})
	track(t, tr, "m1", "u1", "u2", "u1", "")

	summary, ok := tr.Summarize("m1")
	require.True(t, ok)
	assert.Equal(t, Summary{MessageID: "m1", Total: 2, Pending: 2}, summary)

	assert.ErrorIs(t, tr.Track(Record{MessageID: "m1"}), lferrors.ErrDuplicateMessage)
	assert.ErrorIs(t, tr.Track(Record{}), lferrors.ErrMessageRequired)
	assert.Equal(t, 1, tr.Len())
}

func TestConfirmIsMonotonic(t *testing.T) {
	tr := newTestTracker(t, Options{Timeout: time.Minute})
	got := &updates{}
	tr.OnStatus(got.add)
	track(t, tr, "m1", "u1")

	assert.True(t, tr.Confirm("m1", "u1", StatusDelivered, nil))
	assert.False(t, tr.Confirm("m1", "u1", StatusDelivered, nil), "repeat delivered is idempotent")
	assert.True(t, tr.Confirm("m1", "u1", StatusRead, nil))
	assert.False(t, tr.Confirm("m1", "u1", StatusDelivered, nil), "delivered after read has no effect")

	st, ok := tr.Status("m1", "u1")
	require.True(t, ok)
	assert.Equal(t, StatusRead, st)
	assert.Equal(t, []string{"u1:delivered", "u1:read"}, got.statuses())
}

func TestReadImpliesDelivered(t *testing.T) {
	tr := newTestTracker(t, Options{Timeout: time.Minute})
	track(t, tr, "m1", "u1")

	assert.True(t, tr.Confirm("m1", "u1", StatusRead, map[string]string{"latencyMs": "12"}))
	assert.False(t, tr.Confirm("m1", "u1", StatusDelivered, nil))

	summary, _ := tr.Summarize("m1")
	assert.Equal(t, 1, summary.Read)
	assert.Equal(t, 0, summary.Pending)
}

func TestConfirmUnknownIsIgnored(t *testing.T) {
	tr := newTestTracker(t, Options{Timeout: time.Minute})
	track(t, tr, "m1", "u1")

	assert.False(t, tr.Confirm("missing", "u1", StatusDelivered, nil))
	assert.False(t, tr.Confirm("m1", "stranger", StatusDelivered, nil))
	assert.False(t, tr.Confirm("m1", "u1", StatusFailed, nil))

	_, ok := tr.Summarize("missing")
	assert.False(t, ok)
}

func TestTimeoutFailsPendingRecipients(t *testing.T) {
	tr := newTestTracker(t, Options{Timeout: 20 * time.Millisecond})
	got := &updates{}
	tr.OnStatus(got.add)
	track(t, tr, "m1", "u1", "u2")
	require.True(t, tr.Confirm("m1", "u2", StatusDelivered, nil))

	assert.Eventually(t, func() bool {
		st, _ := tr.Status("m1", "u1")
		return st == StatusFailed
	}, time.Second, 5*time.Millisecond)

	st, _ := tr.Status("m1", "u2")
	assert.Equal(t, StatusDelivered, st)
	assert.Contains(t, got.statuses(), "u1:failed")
}

func TestFailOnlyFromPending(t *testing.T) {
	tr := newTestTracker(t, Options{Timeout: time.Minute})
	track(t, tr, "m1", "u1", "u2")
	tr.Confirm("m1", "u2", StatusDelivered, nil)

	assert.True(t, tr.Fail("m1", "u1", "transport"))
	assert.False(t, tr.Fail("m1", "u1", "transport"))
	assert.False(t, tr.Fail("m1", "u2", "transport"))

	// A late confirmation still upgrades a failed recipient.
	assert.True(t, tr.Confirm("m1", "u1", StatusDelivered, nil))
}

func TestRetryResetsFailed(t *testing.T) {
	tr := newTestTracker(t, Options{Timeout: 30 * time.Millisecond})
	track(t, tr, "m1", "u1", "u2")
	tr.Confirm("m1", "u2", StatusRead, nil)
	require.True(t, tr.Fail("m1", "u1", "offline"))

	reset, err := tr.Retry("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, reset)

	summary, _ := tr.Summarize("m1")
	assert.Equal(t, 1, summary.RetryCount)
	assert.Equal(t, 1, summary.Pending)

	// Timers were restarted for the retried recipient.
	assert.Eventually(t, func() bool {
		st, _ := tr.Status("m1", "u1")
		return st == StatusFailed
	}, time.Second, 5*time.Millisecond)

	again, err := tr.Retry("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, again)
	summary, _ = tr.Summarize("m1")
	assert.Equal(t, 2, summary.RetryCount)

	_, err = tr.Retry("missing")
	assert.ErrorIs(t, err, lferrors.ErrUnknownMessage)
}

func TestSweepPurgesAfterRetention(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	tr := newTestTracker(t, Options{Timeout: time.Minute, Retention: time.Hour, Now: clock})
	track(t, tr, "old", "u1")
	now.Add(int64(30 * time.Minute))
	track(t, tr, "new", "u1")

	assert.Equal(t, 0, tr.Sweep())

	now.Add(int64(45 * time.Minute))
	assert.Equal(t, 1, tr.Sweep())
	_, ok := tr.Summarize("old")
	assert.False(t, ok)
	_, ok = tr.Summarize("new")
	assert.True(t, ok)

	assert.False(t, tr.Confirm("old", "u1", StatusDelivered, nil))
}

func TestStartRunsSweep(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Now().UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	tr := newTestTracker(t, Options{Timeout: time.Hour, Retention: time.Hour, SweepInterval: 5 * time.Millisecond, Now: clock})
	track(t, tr, "m1", "u1")
	tr.Start()
	tr.Start()

	now.Add(int64(2 * time.Hour))
	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, 5*time.Millisecond)
	tr.Stop()
}

func TestUnsubscribe(t *testing.T) {
	tr := newTestTracker(t, Options{Timeout: time.Minute})
	got := &updates{}
	unsubscribe := tr.OnStatus(got.add)
	track(t, tr, "m1", "u1")

	unsubscribe()
	tr.Confirm("m1", "u1", StatusDelivered, nil)
	assert.Empty(t, got.statuses())
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := newTestTracker(t, Options{Timeout: time.Minute})
	track(t, tr, "m1", "u1")

	snap, ok := tr.Snapshot("m1")
	require.True(t, ok)
	snap.Status["u1"] = StatusRead

	st, _ := tr.Status("m1", "u1")
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, "c1", snap.ConversationID)
}
