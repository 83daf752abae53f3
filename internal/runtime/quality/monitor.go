// Package quality scores per-user connection quality from passive samples
// and active probes. Samples are smoothed with an exponential moving average
// and classified as excellent, good or poor; listeners hear about a user only
// when the classification changes.
package quality

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/keyed"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metrics"
)

const (
	DefaultAlpha           = 0.3
	DefaultHistory         = 100
	DefaultReconnectWindow = 5 * time.Minute
	DefaultProbeTimeout    = 5 * time.Second
)

// Sample is one measurement.
type Sample struct {
	UserID      string        `json:"userId"`
	Latency     time.Duration `json:"latency"`
	Reliability float64       `json:"reliability"`
	PacketLoss  float64       `json:"packetLoss"`
	At          time.Time     `json:"at"`
}

// Prober measures a round trip to a user's client.
type Prober interface {
	Probe(ctx context.Context, userID string) (time.Duration, error)
}

// ChangeFunc is called when a user's classification changes.
type ChangeFunc func(userID string, previous, current Class)

type Options struct {
	Alpha           float64
	History         int
	ReconnectWindow time.Duration
	ProbeTimeout    time.Duration
	Prober          Prober
	Logger          logging.ServiceLogger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

type Monitor struct {
	alpha           float64
	history         int
	reconnectWindow time.Duration
	probeTimeout    time.Duration
	prober          Prober
	logger          logging.ServiceLogger
	metrics         *metrics.Metrics
	now             func() time.Time

	users *keyed.Map[*window]

	listenerMu sync.RWMutex
	listeners  map[uint64]ChangeFunc
	nextID     uint64
}

type window struct {
	mu          sync.Mutex
	latency     float64 // smoothed, in nanoseconds
	reliability float64
	packetLoss  float64
	seeded      bool
	class       Class
	ring        []Sample
	next        int
	full        bool
	reconnects  []time.Time
}

func New(opts Options) *Monitor {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = DefaultAlpha
	}
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.ReconnectWindow <= 0 {
		opts.ReconnectWindow = DefaultReconnectWindow
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Monitor{
		alpha:           opts.Alpha,
		history:         opts.History,
		reconnectWindow: opts.ReconnectWindow,
		probeTimeout:    opts.ProbeTimeout,
		prober:          opts.Prober,
		logger:          logging.OrNop(opts.Logger).With(logging.LogFields{"component": "quality"}),
		metrics:         opts.Metrics,
		now:             opts.Now,
		users:           keyed.New[*window](0),
		listeners:       make(map[uint64]ChangeFunc),
	}
}

// SetProber replaces the prober used by ActiveTest.
func (m *Monitor) SetProber(p Prober) {
	m.listenerMu.Lock()
	m.prober = p
	m.listenerMu.Unlock()
}

// OnChange registers fn and returns an unsubscribe func.
func (m *Monitor) OnChange(fn ChangeFunc) func() {
	m.listenerMu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.listenerMu.Unlock()

	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, id)
		m.listenerMu.Unlock()
	}
}

func (m *Monitor) window(userID string) *window {
	w, _ := m.users.GetOrCreate(userID, func() *window {
		return &window{class: Unknown, ring: make([]Sample, m.history)}
	})
	return w
}

// Record folds s into the user's smoothed metrics and returns the resulting
// classification.
func (m *Monitor) Record(s Sample) (Class, error) {
	if s.UserID == "" {
		return Unknown, lferrors.ErrUserRequired
	}
	if s.At.IsZero() {
		s.At = m.now()
	}
	s.Reliability = clamp01(s.Reliability)
	s.PacketLoss = clamp01(s.PacketLoss)
	if s.Latency < 0 {
		s.Latency = 0
	}

	w := m.window(s.UserID)
	w.mu.Lock()
	if !w.seeded {
		w.latency = float64(s.Latency)
		w.reliability = s.Reliability
		w.packetLoss = s.PacketLoss
		w.seeded = true
	} else {
		w.latency = m.alpha*float64(s.Latency) + (1-m.alpha)*w.latency
		w.reliability = m.alpha*s.Reliability + (1-m.alpha)*w.reliability
		w.packetLoss = m.alpha*s.PacketLoss + (1-m.alpha)*w.packetLoss
	}
	w.push(s)

	previous := w.class
	current := Classify(time.Duration(w.latency), w.reliability, w.packetLoss)
	w.class = current
	w.mu.Unlock()

	if current != previous {
		m.logger.Debug("Connection quality changed", logging.LogFields{
			"user_id":  s.UserID,
			"previous": string(previous),
			"current":  string(current),
		})
		m.metrics.QualityChange(string(current))
		m.notify(s.UserID, previous, current)
	}
	return current, nil
}

// RecordReconnect notes a reconnection for userID.
func (m *Monitor) RecordReconnect(userID string) {
	if userID == "" {
		return
	}
	w := m.window(userID)
	now := m.now()
	w.mu.Lock()
	w.reconnects = append(w.pruneReconnects(now, m.reconnectWindow), now)
	w.mu.Unlock()
}

// RecentReconnects counts reconnections inside the reconnect window.
func (m *Monitor) RecentReconnects(userID string) int {
	w, ok := m.users.Get(userID)
	if !ok {
		return 0
	}
	now := m.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reconnects = w.pruneReconnects(now, m.reconnectWindow)
	return len(w.reconnects)
}

// ActiveTest probes userID and records the outcome like a passive sample.
// Reliability is derived from recent reconnections; a failed probe records
// full packet loss and zero reliability and returns the probe error.
func (m *Monitor) ActiveTest(ctx context.Context, userID string) (Class, error) {
	if userID == "" {
		return Unknown, lferrors.ErrUserRequired
	}
	m.listenerMu.RLock()
	prober := m.prober
	m.listenerMu.RUnlock()
	if prober == nil {
		return Unknown, errors.New("liveflow: no prober configured")
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	rtt, probeErr := prober.Probe(probeCtx, userID)
	sample := Sample{UserID: userID, Latency: rtt}
	if probeErr != nil {
		if errors.Is(probeErr, context.DeadlineExceeded) {
			probeErr = lferrors.ErrProbeTimeout
		}
		sample.Latency = m.probeTimeout
		sample.Reliability = 0
		sample.PacketLoss = 1
	} else {
		sample.Reliability = math.Max(0, 1-0.1*float64(m.RecentReconnects(userID)))
	}

	class, err := m.Record(sample)
	if err != nil {
		return class, err
	}
	return class, probeErr
}

// Classification returns the user's current class.
func (m *Monitor) Classification(userID string) Class {
	w, ok := m.users.Get(userID)
	if !ok {
		return Unknown
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.class
}

// Forget drops everything known about userID.
func (m *Monitor) Forget(userID string) {
	m.users.Delete(userID)
}

func (m *Monitor) notify(userID string, previous, current Class) {
	m.listenerMu.RLock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]ChangeFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.listenerMu.RUnlock()

	for _, fn := range fns {
		fn(userID, previous, current)
	}
}

func (w *window) push(s Sample) {
	w.ring[w.next] = s
	w.next = (w.next + 1) % len(w.ring)
	if w.next == 0 {
		w.full = true
	}
}

// samples returns the history oldest first.
func (w *window) samples() []Sample {
	if !w.full {
		return append([]Sample(nil), w.ring[:w.next]...)
	}
	out := make([]Sample, 0, len(w.ring))
	out = append(out, w.ring[w.next:]...)
	return append(out, w.ring[:w.next]...)
}

func (w *window) pruneReconnects(now time.Time, within time.Duration) []time.Time {
	cutoff := now.Add(-within)
	kept := w.reconnects[:0]
	for _, at := range w.reconnects {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}
