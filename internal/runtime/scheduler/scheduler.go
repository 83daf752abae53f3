// Package scheduler provides the delayed and repeating tasks behind every
// liveflow timeout: delivery timeouts, typing and activity timers, ordering
// buffer flushes and background sweeps.
//
// Each task comes with a cancellation handle. Owners must store the handle
// next to the state it guards and stop it when that state is deleted; the
// Timers table does that bookkeeping for keyed state.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task is a cancellation handle for a scheduled callback.
type Task struct {
	timer   *time.Timer
	ticker  *time.Ticker
	done    chan struct{}
	stopped atomic.Bool
	owner   *Scheduler
	id      uint64
}

// Stop cancels the task. It reports whether this call stopped it; a task
// whose one-shot callback already started is not interrupted.
func (t *Task) Stop() bool {
	if t == nil || !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	if t.owner != nil {
		t.owner.forget(t.id)
	}
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.done)
		return true
	}
	return t.timer.Stop()
}

// Stopped reports whether Stop was called or the one-shot task has fired.
func (t *Task) Stopped() bool {
	return t == nil || t.stopped.Load()
}

// Scheduler tracks live tasks so they can all be cancelled at shutdown.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{tasks: make(map[uint64]*Task)}
}

// After runs fn once after d. It returns a stopped task when the scheduler
// is closed.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	t := &Task{owner: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registerLocked(t) {
		return t
	}
	t.timer = time.AfterFunc(d, func() {
		if !t.stopped.CompareAndSwap(false, true) {
			return
		}
		s.forget(t.id)
		fn()
	})
	return t
}

// Every runs fn every interval until the task or the scheduler is stopped.
// Runs never overlap. fn must not call Scheduler.Stop.
func (s *Scheduler) Every(interval time.Duration, fn func()) *Task {
	t := &Task{owner: s, done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registerLocked(t) {
		return t
	}
	t.ticker = time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				if t.stopped.Load() {
					return
				}
				fn()
			}
		}
	}()
	return t
}

// Len returns the number of live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every live task and waits for repeating tasks to return.
// Tasks scheduled afterwards are born stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
	s.wg.Wait()
}

func (s *Scheduler) registerLocked(t *Task) bool {
	if s.closed {
		t.stopped.Store(true)
		return false
	}
	s.nextID++
	t.id = s.nextID
	s.tasks[t.id] = t
	return true
}

func (s *Scheduler) forget(id uint64) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}
