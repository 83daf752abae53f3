package scheduler

import (
	"strings"
	"sync"
	"time"
)

// Timers is a one-slot-per-key timer table. Re-arming a key replaces its
// previous timer, and a callback only runs if its slot was not re-armed or
// cancelled in the meantime, so stale timers never act on deleted state.
type Timers struct {
	sched *Scheduler

	mu    sync.Mutex
	slots map[string]*slot
	gen   uint64
}

type slot struct {
	task *Task
	gen  uint64
}

// NewTimers returns a table backed by sched.
func NewTimers(sched *Scheduler) *Timers {
	return &Timers{sched: sched, slots: make(map[string]*slot)}
}

// Reset arms key to run fn after d, replacing any pending timer for key.
func (t *Timers) Reset(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.slots[key]; ok {
		old.task.Stop()
	}
	t.gen++
	gen := t.gen
	s := &slot{gen: gen}
	t.slots[key] = s
	s.task = t.sched.After(d, func() {
		if !t.claim(key, gen) {
			return
		}
		fn()
	})
}

// claim removes the slot if it still belongs to gen.
func (t *Timers) claim(key string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.slots[key]
	if !ok || cur.gen != gen {
		return false
	}
	delete(t.slots, key)
	return true
}

// Cancel stops the timer for key. It reports whether one was pending.
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[key]
	if !ok {
		return false
	}
	delete(t.slots, key)
	s.task.Stop()
	return true
}

// CancelPrefix stops every timer whose key starts with prefix and returns
// how many were cancelled.
func (t *Timers) CancelPrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, s := range t.slots {
		if strings.HasPrefix(key, prefix) {
			delete(t.slots, key)
			s.task.Stop()
			n++
		}
	}
	return n
}

// Active reports whether key has a pending timer.
func (t *Timers) Active(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.slots[key]
	return ok
}

// Len returns the number of pending timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
