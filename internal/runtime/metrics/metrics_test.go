package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// A second collector set on the same registry is tolerated.
	require.NoError(t, New(reg).Register())
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())

	m.ObserveBroadcast("text", 3*time.Millisecond)
	m.ObserveBroadcast("text", time.Millisecond)
	m.RecipientOutcome("delivered")
	m.Duplicate()
	m.OrderingViolation()
	m.OrderingFlush()
	m.PendingDelta(3)
	m.PendingDelta(-1)
	m.Offline(OfflineEnqueued, 2)
	m.Offline(OfflineDropped, 0)
	m.DeliveryTransition("read")
	m.PresenceTransition("status", "away")
	m.QualityChange("poor")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.broadcastsTotal.WithLabelValues("text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recipientOutcomesTotal.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicatesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orderingViolations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orderingFlushes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.orderingPending))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.offlineEventsTotal.WithLabelValues(OfflineEnqueued)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveryTransitions.WithLabelValues("read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.presenceTransitions.WithLabelValues("status", "away")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.qualityChanges.WithLabelValues("poor")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.Register())
	assert.NotPanics(t, func() {
		m.ObserveBroadcast("text", time.Second)
		m.RecipientOutcome("failed")
		m.Duplicate()
		m.OrderingViolation()
		m.OrderingFlush()
		m.PendingDelta(1)
		m.Offline(OfflineEvicted, 1)
		m.DeliveryTransition("failed")
		m.PresenceTransition("typing", "true")
		m.QualityChange("good")
	})
}
