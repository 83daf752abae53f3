// Package metrics exposes liveflow's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components never need to check whether
// metrics are enabled.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "liveflow"

// Offline queue events.
const (
	OfflineEnqueued    = "enqueued"
	OfflineEvicted     = "evicted"
	OfflineRedelivered = "redelivered"
	OfflineRequeued    = "requeued"
	OfflineDropped     = "dropped"
	OfflineDrained     = "drained"
)

// Metrics holds every liveflow collector.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	broadcastsTotal        *prometheus.CounterVec
	broadcastDuration      *prometheus.HistogramVec
	recipientOutcomesTotal *prometheus.CounterVec
	duplicatesTotal        prometheus.Counter
	orderingViolations     prometheus.Counter
	orderingFlushes        prometheus.Counter
	orderingPending        prometheus.Gauge
	offlineEventsTotal     *prometheus.CounterVec
	deliveryTransitions    *prometheus.CounterVec
	presenceTransitions    *prometheus.CounterVec
	qualityChanges         *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
	)
}

// New creates the collectors. Call Register to expose them.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:             registerer,
		broadcastsTotal:        newCounterVec("router", "broadcasts_total", "Messages accepted for broadcast", []string{"content_type"}),
		recipientOutcomesTotal: newCounterVec("router", "recipient_outcomes_total", "Per-recipient broadcast outcomes", []string{"outcome"}),
		duplicatesTotal:        newCounter("router", "duplicates_total", "Broadcasts rejected as duplicates"),
		orderingViolations:     newCounter("sequencer", "ordering_violations_total", "Messages force-emitted out of order because the buffer was full"),
		orderingFlushes:        newCounter("sequencer", "flushes_total", "Ordering buffers force-flushed by their timer"),
		offlineEventsTotal:     newCounterVec("offline", "events_total", "Offline queue activity", []string{"event"}),
		deliveryTransitions:    newCounterVec("delivery", "transitions_total", "Recipient delivery status transitions", []string{"status"}),
		presenceTransitions:    newCounterVec("presence", "transitions_total", "Presence and typing transitions", []string{"kind", "state"}),
		qualityChanges:         newCounterVec("quality", "classification_changes_total", "Connection quality classification changes", []string{"class"}),
		orderingPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sequencer",
			Name:      "pending_messages",
			Help:      "Messages currently held in ordering buffers",
		}),
		broadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan a message out to every recipient",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"content_type"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.broadcastsTotal,
		m.broadcastDuration,
		m.recipientOutcomesTotal,
		m.duplicatesTotal,
		m.orderingViolations,
		m.orderingFlushes,
		m.orderingPending,
		m.offlineEventsTotal,
		m.deliveryTransitions,
		m.presenceTransitions,
		m.qualityChanges,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) ObserveBroadcast(contentType string, took time.Duration) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(contentType).Inc()
	m.broadcastDuration.WithLabelValues(contentType).Observe(took.Seconds())
}

func (m *Metrics) RecipientOutcome(outcome string) {
	if m == nil {
		return
	}
	m.recipientOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicatesTotal.Inc()
}

func (m *Metrics) OrderingViolation() {
	if m == nil {
		return
	}
	m.orderingViolations.Inc()
}

func (m *Metrics) OrderingFlush() {
	if m == nil {
		return
	}
	m.orderingFlushes.Inc()
}

// PendingDelta adjusts the buffered message gauge.
func (m *Metrics) PendingDelta(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.orderingPending.Add(float64(delta))
}

func (m *Metrics) Offline(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.offlineEventsTotal.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) DeliveryTransition(status string) {
	if m == nil {
		return
	}
	m.deliveryTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) PresenceTransition(kind, state string) {
	if m == nil {
		return
	}
	m.presenceTransitions.WithLabelValues(kind, state).Inc()
}

func (m *Metrics) QualityChange(class string) {
	if m == nil {
		return
	}
	m.qualityChanges.WithLabelValues(class).Inc()
}
