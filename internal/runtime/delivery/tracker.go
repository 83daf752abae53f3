// Package delivery tracks per-recipient delivery and read state for every
// broadcast message.
//
// Status only moves forward (pending, delivered, read). A recipient still
// pending when its delivery timer fires becomes failed; failed recipients go
// back to pending only through an explicit Retry. Records are purged by a
// periodic sweep once they are older than the retention window, whatever
// their state.
package delivery

import (
	"sort"
	"sync"
	"time"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/keyed"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metrics"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/scheduler"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetention     = time.Hour
	DefaultSweepInterval = time.Minute
)

// Record is the input to Track.
type Record struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Recipients     []string
	CreatedAt      time.Time
}

// Snapshot is a read-only copy of a tracked record.
type Snapshot struct {
	MessageID      string            `json:"messageId"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Recipients     []string          `json:"recipients"`
	Status         map[string]Status `json:"status"`
	RetryCount     int               `json:"retryCount"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// StatusFunc receives every recipient status change.
type StatusFunc func(models.StatusUpdate)

type Options struct {
	Timeout       time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
	Scheduler     *scheduler.Scheduler
	Logger        logging.ServiceLogger
	Metrics       *metrics.Metrics
	// Now is overridable for tests.
	Now func() time.Time
}

type Tracker struct {
	timeout       time.Duration
	retention     time.Duration
	sweepInterval time.Duration
	sched         *scheduler.Scheduler
	logger        logging.ServiceLogger
	metrics       *metrics.Metrics
	now           func() time.Time

	records *keyed.Map[*record]

	listenerMu sync.RWMutex
	listeners  map[uint64]StatusFunc
	nextID     uint64

	sweepMu sync.Mutex
	sweep   *scheduler.Task
}

type recipientTimer struct {
	task *scheduler.Task
	gen  uint64
}

type record struct {
	mu             sync.Mutex
	messageID      string
	conversationID string
	senderID       string
	recipients     []string
	status         map[string]Status
	timers         map[string]recipientTimer
	gen            uint64
	retryCount     int
	createdAt      time.Time
	removed        bool
}

func New(opts Options) *Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Tracker{
		timeout:       opts.Timeout,
		retention:     opts.Retention,
		sweepInterval: opts.SweepInterval,
		sched:         opts.Scheduler,
		logger:        logging.OrNop(opts.Logger).With(logging.LogFields{"component": "delivery"}),
		metrics:       opts.Metrics,
		now:           opts.Now,
		records:       keyed.New[*record](0),
		listeners:     make(map[uint64]StatusFunc),
	}
}

// Start launches the retention sweep. Calling it twice is a no-op.
func (t *Tracker) Start() {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()
	if t.sweep != nil && !t.sweep.Stopped() {
		return
	}
	t.sweep = t.sched.Every(t.sweepInterval, func() { t.Sweep() })
}

// Stop halts the sweep and cancels every delivery timer.
func (t *Tracker) Stop() {
	t.sweepMu.Lock()
	if t.sweep != nil {
		t.sweep.Stop()
	}
	t.sweepMu.Unlock()

	t.records.Range(func(id string, _ *record) bool {
		t.remove(id)
		return true
	})
}

// OnStatus registers fn for every status change and returns an unsubscribe
// func.
func (t *Tracker) OnStatus(fn StatusFunc) func() {
	t.listenerMu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	t.listenerMu.Unlock()

	return func() {
		t.listenerMu.Lock()
		delete(t.listeners, id)
		t.listenerMu.Unlock()
	}
}

// Track registers a delivery record with every recipient pending and starts
// one timeout per recipient. A message can be tracked once.
func (t *Tracker) Track(in Record) error {
	if in.MessageID == "" {
		return lferrors.ErrMessageRequired
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = t.now()
	}

	rec, created := t.records.GetOrCreate(in.MessageID, func() *record {
		r := &record{
			messageID:      in.MessageID,
			conversationID: in.ConversationID,
			senderID:       in.SenderID,
			recipients:     dedupe(in.Recipients),
			status:         make(map[string]Status, len(in.Recipients)),
			timers:         make(map[string]recipientTimer, len(in.Recipients)),
			createdAt:      in.CreatedAt,
		}
		for _, user := range r.recipients {
			r.status[user] = StatusPending
		}
		return r
	})
	if !created {
		return lferrors.ErrDuplicateMessage
	}

	rec.mu.Lock()
	for _, user := range rec.recipients {
		t.armLocked(rec, user)
	}
	rec.mu.Unlock()

	t.logger.Trace("Tracking delivery", logging.LogFields{
		"message_id": in.MessageID,
		"recipients": len(rec.recipients),
	})
	return nil
}

// Confirm upgrades userID's status to kind (delivered or read). Regressive or
// repeated confirmations are ignored. It reports whether the status changed.
func (t *Tracker) Confirm(messageID, userID string, kind Status, md map[string]string) bool {
	if kind != StatusDelivered && kind != StatusRead {
		t.logger.Warn("Ignoring confirmation with invalid kind", logging.LogFields{
			"message_id": messageID,
			"user_id":    userID,
			"kind":       string(kind),
		})
		return false
	}

	rec, ok := t.records.Get(messageID)
	if !ok {
		t.logger.Debug("Confirmation for unknown message", logging.LogFields{"message_id": messageID, "user_id": userID})
		return false
	}

	rec.mu.Lock()
	cur, known := rec.status[userID]
	if rec.removed || !known {
		rec.mu.Unlock()
		t.logger.Debug("Confirmation for unknown recipient", logging.LogFields{"message_id": messageID, "user_id": userID})
		return false
	}
	if kind.rank() <= cur.rank() {
		rec.mu.Unlock()
		return false
	}
	rec.status[userID] = kind
	t.disarmLocked(rec, userID)
	update := rec.updateLocked(userID, kind, t.now(), md)
	rec.mu.Unlock()

	t.publish(update)
	return true
}

// Fail marks a pending recipient failed. Recipients that already confirmed
// are left alone.
func (t *Tracker) Fail(messageID, userID, reason string) bool {
	return t.fail(messageID, userID, reason, 0)
}

// fail with gen > 0 only acts if the recipient's timer generation matches,
// so a timer that fires after a retry does not fail the fresh attempt.
func (t *Tracker) fail(messageID, userID, reason string, gen uint64) bool {
	rec, ok := t.records.Get(messageID)
	if !ok {
		return false
	}

	rec.mu.Lock()
	if rec.removed || rec.status[userID] != StatusPending {
		rec.mu.Unlock()
		return false
	}
	if gen != 0 && rec.timers[userID].gen != gen {
		rec.mu.Unlock()
		return false
	}
	rec.status[userID] = StatusFailed
	t.disarmLocked(rec, userID)
	update := rec.updateLocked(userID, StatusFailed, t.now(), map[string]string{"reason": reason})
	rec.mu.Unlock()

	t.logger.Debug("Delivery failed", logging.LogFields{
		"message_id": messageID,
		"user_id":    userID,
		"reason":     reason,
	})
	t.publish(update)
	return true
}

// Retry moves every failed recipient back to pending, restarts their
// timers and increments the retry count. It returns the reset recipients.
func (t *Tracker) Retry(messageID string) ([]string, error) {
	rec, ok := t.records.Get(messageID)
	if !ok {
		return nil, lferrors.ErrUnknownMessage
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return nil, lferrors.ErrUnknownMessage
	}
	var reset []string
	var updates []models.StatusUpdate
	now := t.now()
	for _, user := range rec.recipients {
		if rec.status[user] != StatusFailed {
			continue
		}
		rec.status[user] = StatusPending
		t.armLocked(rec, user)
		reset = append(reset, user)
		updates = append(updates, rec.updateLocked(user, StatusPending, now, nil))
	}
	if len(reset) > 0 {
		rec.retryCount++
	}
	rec.mu.Unlock()

	for _, u := range updates {
		t.publish(u)
	}
	return reset, nil
}

// Summarize counts recipients per status.
func (t *Tracker) Summarize(messageID string) (Summary, bool) {
	rec, ok := t.records.Get(messageID)
	if !ok {
		return Summary{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	s := Summary{MessageID: messageID, Total: len(rec.recipients), RetryCount: rec.retryCount}
	for _, st := range rec.status {
		switch st {
		case StatusPending:
			s.Pending++
		case StatusDelivered:
			s.Delivered++
		case StatusRead:
			s.Read++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, true
}

// Status returns one recipient's status.
func (t *Tracker) Status(messageID, userID string) (Status, bool) {
	rec, ok := t.records.Get(messageID)
	if !ok {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	st, ok := rec.status[userID]
	return st, ok
}

// Snapshot returns a copy of the record for messageID.
func (t *Tracker) Snapshot(messageID string) (Snapshot, bool) {
	rec, ok := t.records.Get(messageID)
	if !ok {
		return Snapshot{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	status := make(map[string]Status, len(rec.status))
	for k, v := range rec.status {
		status[k] = v
	}
	return Snapshot{
		MessageID:      rec.messageID,
		ConversationID: rec.conversationID,
		SenderID:       rec.senderID,
		Recipients:     append([]string(nil), rec.recipients...),
		Status:         status,
		RetryCount:     rec.retryCount,
		CreatedAt:      rec.createdAt,
	}, true
}

// Len returns the number of tracked records.
func (t *Tracker) Len() int {
	return t.records.Len()
}

// Sweep purges records older than the retention window and returns how many
// were removed.
func (t *Tracker) Sweep() int {
	cutoff := t.now().Add(-t.retention)
	removed := 0
	t.records.Range(func(id string, rec *record) bool {
		rec.mu.Lock()
		expired := rec.createdAt.Before(cutoff)
		rec.mu.Unlock()
		if expired && t.remove(id) {
			removed++
		}
		return true
	})
	if removed > 0 {
		t.logger.Debug("Purged delivery records", logging.LogFields{"count": removed})
	}
	return removed
}

func (t *Tracker) remove(messageID string) bool {
	rec, ok := t.records.Delete(messageID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	rec.removed = true
	for user := range rec.timers {
		t.disarmLocked(rec, user)
	}
	rec.mu.Unlock()
	return true
}

func (t *Tracker) armLocked(rec *record, userID string) {
	t.disarmLocked(rec, userID)
	rec.gen++
	gen := rec.gen
	messageID := rec.messageID
	task := t.sched.After(t.timeout, func() {
		t.fail(messageID, userID, "delivery timeout", gen)
	})
	rec.timers[userID] = recipientTimer{task: task, gen: gen}
}

func (t *Tracker) disarmLocked(rec *record, userID string) {
	if tm, ok := rec.timers[userID]; ok {
		tm.task.Stop()
		delete(rec.timers, userID)
	}
}

func (rec *record) updateLocked(userID string, st Status, at time.Time, md map[string]string) models.StatusUpdate {
	return models.StatusUpdate{
		MessageID:      rec.messageID,
		ConversationID: rec.conversationID,
		UserID:         userID,
		Status:         string(st),
		Timestamp:      at.UTC(),
		Metadata:       md,
	}
}

func (t *Tracker) publish(update models.StatusUpdate) {
	t.metrics.DeliveryTransition(update.Status)

	t.listenerMu.RLock()
	ids := make([]uint64, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]StatusFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.listeners[id])
	}
	t.listenerMu.RUnlock()

	for _, fn := range fns {
		fn(update)
	}
}

func dedupe(users []string) []string {
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
