// Package presence tracks who is in a conversation, whether they are active
// and whether they are typing.
//
// Each (user, conversation) pair moves between online, away and offline.
// Inactivity turns an online user away, any activity brings them back, and
// leaving removes the record. Typing is a sub-state that expires unless it is
// refreshed. Every transition is published to the conversation's presence or
// typing channel and handed to local subscribers.
package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/liveflow/internal/runtime/channels"
	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/keyed"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metrics"
	"github.com/drblury/liveflow/internal/runtime/models"
	"github.com/drblury/liveflow/internal/runtime/scheduler"
)

const (
	DefaultActivityTimeout   = 5 * time.Minute
	DefaultTypingTimeout     = 3 * time.Second
	DefaultIdleTimeout       = 30 * time.Minute
	DefaultIdleSweepInterval = time.Minute

	publishTimeout = 5 * time.Second
)

// Status is a presence state.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// Typing states carried in typing events.
const (
	typingOn  = "typing"
	typingOff = "idle"
)

// Record is a user's presence in one conversation.
type Record struct {
	UserID            string            `json:"userId"`
	ConversationID    string            `json:"conversationId"`
	Status            Status            `json:"status"`
	IsTyping          bool              `json:"isTyping"`
	LastSeen          time.Time         `json:"lastSeen"`
	ConnectionQuality string            `json:"connectionQuality,omitempty"`
	DeviceInfo        map[string]string `json:"deviceInfo,omitempty"`
}

// TypingRecord describes an active typing indicator.
type TypingRecord struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	StartedAt      time.Time `json:"startedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Publisher sends events to the transport.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// EventFunc receives presence or typing events. It runs while the user's
// record is locked and must not call back into the Coordinator for the same
// user and conversation.
type EventFunc func(models.PresenceEvent)

type Options struct {
	ActivityTimeout   time.Duration
	TypingTimeout     time.Duration
	IdleTimeout       time.Duration
	IdleSweepInterval time.Duration
	Scheduler         *scheduler.Scheduler
	Publisher         Publisher
	Logger            logging.ServiceLogger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

type Coordinator struct {
	activityTimeout   time.Duration
	typingTimeout     time.Duration
	idleTimeout       time.Duration
	idleSweepInterval time.Duration
	sched             *scheduler.Scheduler
	timers            *scheduler.Timers
	publisher         Publisher
	logger            logging.ServiceLogger
	metrics           *metrics.Metrics
	now               func() time.Time

	entries     *keyed.Map[*entry]
	presenceSub *keyed.Map[*subscribers]
	typingSub   *keyed.Map[*subscribers]
	subID       atomic.Uint64

	sweepMu sync.Mutex
	sweep   *scheduler.Task
}

type entry struct {
	mu      sync.Mutex
	rec     Record
	typing  *TypingRecord
	removed bool
}

type subscribers struct {
	mu  sync.RWMutex
	fns map[uint64]EventFunc
}

func New(opts Options) *Coordinator {
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = DefaultActivityTimeout
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.IdleSweepInterval <= 0 {
		opts.IdleSweepInterval = DefaultIdleSweepInterval
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		activityTimeout:   opts.ActivityTimeout,
		typingTimeout:     opts.TypingTimeout,
		idleTimeout:       opts.IdleTimeout,
		idleSweepInterval: opts.IdleSweepInterval,
		sched:             opts.Scheduler,
		timers:            scheduler.NewTimers(opts.Scheduler),
		publisher:         opts.Publisher,
		logger:            logging.OrNop(opts.Logger).With(logging.LogFields{"component": "presence"}),
		metrics:           opts.Metrics,
		now:               opts.Now,
		entries:           keyed.New[*entry](0),
		presenceSub:       keyed.New[*subscribers](0),
		typingSub:         keyed.New[*subscribers](0),
	}
}

func entryKey(userID, conversationID string) string {
	return keyed.Join(userID, conversationID)
}

func activityKey(userID, conversationID string) string {
	return "activity|" + entryKey(userID, conversationID)
}

func typingKey(userID, conversationID string) string {
	return "typing|" + entryKey(userID, conversationID)
}

func validate(userID, conversationID string) error {
	if userID == "" {
		return lferrors.ErrUserRequired
	}
	if conversationID == "" {
		return lferrors.ErrConversationRequired
	}
	return nil
}

// Start launches the idle sweep. Calling it twice is a no-op.
func (c *Coordinator) Start() {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	if c.sweep != nil && !c.sweep.Stopped() {
		return
	}
	c.sweep = c.sched.Every(c.idleSweepInterval, func() { c.SweepIdle(context.Background()) })
}

// Stop halts the idle sweep and cancels every presence timer.
func (c *Coordinator) Stop() {
	c.sweepMu.Lock()
	if c.sweep != nil {
		c.sweep.Stop()
	}
	c.sweepMu.Unlock()
	c.timers.CancelPrefix("")
}

// Initialize joins userID to conversationID. Joining again is harmless: the
// record is refreshed and an away user comes back online.
func (c *Coordinator) Initialize(ctx context.Context, userID, conversationID string, device map[string]string) (Record, error) {
	if err := validate(userID, conversationID); err != nil {
		return Record{}, err
	}

	for {
		e, _ := c.entries.GetOrCreate(entryKey(userID, conversationID), func() *entry {
			return &entry{rec: Record{UserID: userID, ConversationID: conversationID, Status: Offline}}
		})

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		for k, v := range device {
			if e.rec.DeviceInfo == nil {
				e.rec.DeviceInfo = make(map[string]string, len(device))
			}
			e.rec.DeviceInfo[k] = v
		}
		update := models.UpdateActivity
		if e.rec.Status == Offline {
			update = models.UpdateJoin
		}
		c.touchLocked(ctx, e, update)
		rec := e.snapshotLocked()
		e.mu.Unlock()
		return rec, nil
	}
}

// Activity records user activity, bringing the user online and restarting
// the inactivity timer. Unknown users are joined.
func (c *Coordinator) Activity(ctx context.Context, userID, conversationID string) (Record, error) {
	return c.Initialize(ctx, userID, conversationID, nil)
}

// touchLocked marks the entry online and restarts its inactivity timer.
func (c *Coordinator) touchLocked(ctx context.Context, e *entry, update string) {
	e.rec.LastSeen = c.now()
	if e.rec.Status != Online {
		prev := e.rec.Status
		e.rec.Status = Online
		c.emitPresenceLocked(ctx, e, string(prev), string(Online), update)
	}

	userID, conversationID := e.rec.UserID, e.rec.ConversationID
	c.timers.Reset(activityKey(userID, conversationID), c.activityTimeout, func() {
		c.inactive(userID, conversationID)
	})
}

func (c *Coordinator) inactive(userID, conversationID string) {
	e, ok := c.entries.Get(entryKey(userID, conversationID))
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// A timer that fired while activity was being recorded is stale.
	if e.removed || e.rec.Status != Online || c.now().Sub(e.rec.LastSeen) < c.activityTimeout {
		return
	}
	e.rec.Status = Away
	c.emitPresenceLocked(context.Background(), e, string(Online), string(Away), models.UpdateAway)
}

// StartTyping marks the user typing, or extends the indicator if already
// typing. Typing counts as activity.
func (c *Coordinator) StartTyping(ctx context.Context, userID, conversationID string) error {
	if err := validate(userID, conversationID); err != nil {
		return err
	}

	for {
		e, _ := c.entries.GetOrCreate(entryKey(userID, conversationID), func() *entry {
			return &entry{rec: Record{UserID: userID, ConversationID: conversationID, Status: Offline}}
		})
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		update := models.UpdateActivity
		if e.rec.Status == Offline {
			update = models.UpdateJoin
		}
		c.touchLocked(ctx, e, update)

		now := c.now()
		if e.typing == nil {
			e.typing = &TypingRecord{UserID: userID, ConversationID: conversationID, StartedAt: now}
			e.rec.IsTyping = true
			c.emitTypingLocked(ctx, e, typingOff, typingOn)
		}
		e.typing.ExpiresAt = now.Add(c.typingTimeout)
		c.timers.Reset(typingKey(userID, conversationID), c.typingTimeout, func() {
			c.typingExpired(userID, conversationID)
		})
		e.mu.Unlock()
		return nil
	}
}

// StopTyping clears the typing indicator. It reports whether the user was
// typing.
func (c *Coordinator) StopTyping(ctx context.Context, userID, conversationID string) bool {
	e, ok := c.entries.Get(entryKey(userID, conversationID))
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.typing == nil {
		return false
	}
	c.timers.Cancel(typingKey(userID, conversationID))
	c.clearTypingLocked(ctx, e)
	return true
}

func (c *Coordinator) typingExpired(userID, conversationID string) {
	e, ok := c.entries.Get(entryKey(userID, conversationID))
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.typing == nil || c.now().Before(e.typing.ExpiresAt) {
		return
	}
	c.clearTypingLocked(context.Background(), e)
}

func (c *Coordinator) clearTypingLocked(ctx context.Context, e *entry) {
	e.typing = nil
	e.rec.IsTyping = false
	c.emitTypingLocked(ctx, e, typingOn, typingOff)
}

// Cleanup removes userID from conversationID after cancelling its timers.
// It reports whether a record existed.
func (c *Coordinator) Cleanup(ctx context.Context, userID, conversationID string) bool {
	c.timers.Cancel(activityKey(userID, conversationID))
	c.timers.Cancel(typingKey(userID, conversationID))

	e, ok := c.entries.Delete(entryKey(userID, conversationID))
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	if e.typing != nil {
		c.clearTypingLocked(ctx, e)
	}
	prev := e.rec.Status
	e.rec.Status = Offline
	c.emitPresenceLocked(ctx, e, string(prev), string(Offline), models.UpdateLeave)
	return true
}

// CleanupConversation removes every member of conversationID and drops its
// subscribers. It returns how many members were removed.
func (c *Coordinator) CleanupConversation(ctx context.Context, conversationID string) int {
	removed := 0
	for _, rec := range c.Members(conversationID) {
		if c.Cleanup(ctx, rec.UserID, conversationID) {
			removed++
		}
	}
	c.presenceSub.Delete(conversationID)
	c.typingSub.Delete(conversationID)
	return removed
}

// SweepIdle removes away users that have not been seen for the idle timeout.
func (c *Coordinator) SweepIdle(ctx context.Context) int {
	cutoff := c.now().Add(-c.idleTimeout)
	var stale []Record
	c.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if !e.removed && e.rec.Status == Away && e.rec.LastSeen.Before(cutoff) {
			stale = append(stale, e.rec)
		}
		e.mu.Unlock()
		return true
	})

	removed := 0
	for _, rec := range stale {
		if c.Cleanup(ctx, rec.UserID, rec.ConversationID) {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Removed idle members", logging.LogFields{"count": removed})
	}
	return removed
}

// UpdateQuality stores a connection quality class on every record of userID.
func (c *Coordinator) UpdateQuality(ctx context.Context, userID, class string) {
	c.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if !e.removed && e.rec.UserID == userID && e.rec.ConnectionQuality != class {
			prev := e.rec.ConnectionQuality
			e.rec.ConnectionQuality = class
			c.emitPresenceLocked(ctx, e, prev, class, models.UpdateQuality)
		}
		e.mu.Unlock()
		return true
	})
}

// Get returns a copy of the user's record.
func (c *Coordinator) Get(userID, conversationID string) (Record, bool) {
	e, ok := c.entries.Get(entryKey(userID, conversationID))
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Record{}, false
	}
	return e.snapshotLocked(), true
}

// IsConnected reports whether the user is present (online or away).
func (c *Coordinator) IsConnected(userID, conversationID string) bool {
	rec, ok := c.Get(userID, conversationID)
	return ok && rec.Status != Offline
}

// Members returns the conversation's records sorted by user.
func (c *Coordinator) Members(conversationID string) []Record {
	var out []Record
	c.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if !e.removed && e.rec.ConversationID == conversationID {
			out = append(out, e.snapshotLocked())
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// TypingUsers returns the users currently typing in conversationID.
func (c *Coordinator) TypingUsers(conversationID string) []string {
	var users []string
	for _, rec := range c.Members(conversationID) {
		if rec.IsTyping {
			users = append(users, rec.UserID)
		}
	}
	return users
}

// SubscribePresence registers fn for presence events in conversationID.
func (c *Coordinator) SubscribePresence(conversationID string, fn EventFunc) func() {
	return c.subscribe(c.presenceSub, conversationID, fn)
}

// SubscribeTyping registers fn for typing events in conversationID.
func (c *Coordinator) SubscribeTyping(conversationID string, fn EventFunc) func() {
	return c.subscribe(c.typingSub, conversationID, fn)
}

func (c *Coordinator) subscribe(table *keyed.Map[*subscribers], conversationID string, fn EventFunc) func() {
	id := c.subID.Add(1)
	subs, _ := table.GetOrCreate(conversationID, func() *subscribers {
		return &subscribers{fns: make(map[uint64]EventFunc)}
	})
	subs.mu.Lock()
	subs.fns[id] = fn
	subs.mu.Unlock()

	return func() {
		subs.mu.Lock()
		delete(subs.fns, id)
		subs.mu.Unlock()
	}
}

func (c *Coordinator) emitPresenceLocked(ctx context.Context, e *entry, prev, next, update string) {
	c.metrics.PresenceTransition("status", next)
	c.emit(ctx, c.presenceSub, channels.Presence(e.rec.ConversationID), models.EventPresence, models.PresenceEvent{
		UserID:         e.rec.UserID,
		ConversationID: e.rec.ConversationID,
		PreviousState:  prev,
		NewState:       next,
		Timestamp:      c.now().UTC(),
		UpdateType:     update,
	})
}

func (c *Coordinator) emitTypingLocked(ctx context.Context, e *entry, prev, next string) {
	c.metrics.PresenceTransition("typing", next)
	c.emit(ctx, c.typingSub, channels.Typing(e.rec.ConversationID), models.EventTyping, models.PresenceEvent{
		UserID:         e.rec.UserID,
		ConversationID: e.rec.ConversationID,
		PreviousState:  prev,
		NewState:       next,
		Timestamp:      c.now().UTC(),
		UpdateType:     models.UpdateTyping,
	})
}

func (c *Coordinator) emit(ctx context.Context, table *keyed.Map[*subscribers], channel, event string, ev models.PresenceEvent) {
	if c.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		if err := c.publisher.Publish(pubCtx, channel, event, ev); err != nil {
			c.logger.Error("Failed to publish presence event", err, logging.LogFields{
				"channel": channel,
				"event":   event,
				"user_id": ev.UserID,
			})
		}
		cancel()
	}

	subs, ok := table.Get(ev.ConversationID)
	if !ok {
		return
	}
	subs.mu.RLock()
	ids := make([]uint64, 0, len(subs.fns))
	for id := range subs.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]EventFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, subs.fns[id])
	}
	subs.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (e *entry) snapshotLocked() Record {
	rec := e.rec
	if e.rec.DeviceInfo != nil {
		rec.DeviceInfo = make(map[string]string, len(e.rec.DeviceInfo))
		for k, v := range e.rec.DeviceInfo {
			rec.DeviceInfo[k] = v
		}
	}
	return rec
}
