package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/handlers"
	"github.com/drblury/liveflow/internal/runtime/jsoncodec"
)

func TestHandlerStatsAccumulates(t *testing.T) {
	stats := newHandlerStats()

	stats.onMessageStart()
	assert.Equal(t, uint64(1), stats.InFlight)
	stats.onMessageFinish(10*time.Millisecond, nil, nil)

	stats.onMessageStart()
	stats.onMessageFinish(30*time.Millisecond, &handlers.UnprocessableEventError{Event: "x", Err: errors.New("bad")}, nil)

	assert.Equal(t, uint64(0), stats.InFlight)
	assert.Equal(t, uint64(2), stats.MessagesProcessed)
	assert.Equal(t, uint64(1), stats.MessagesFailed)
	assert.Equal(t, int64(20*time.Millisecond), stats.Latency.AverageNs)
	assert.Equal(t, int64(30*time.Millisecond), stats.Latency.LastNs)
	assert.Equal(t, 2, stats.Latency.SampleSize)
	assert.Equal(t, uint64(2), stats.Throughput.TotalMessages)
	assert.Equal(t, uint64(1), stats.Errors.Validation)
	assert.Contains(t, stats.Errors.LastError, "bad")
}

func TestHandlerStatsCustomClassifier(t *testing.T) {
	stats := newHandlerStats()
	classifier := func(err error) ErrorCategory {
		if err == nil {
			return ErrorCategoryNone
		}
		return ErrorCategoryTransport
	}

	stats.onMessageFinish(time.Millisecond, errors.New("broker down"), classifier)
	assert.Equal(t, uint64(1), stats.Errors.Transport)
	assert.Zero(t, stats.Errors.Other)
}

func TestDefaultErrorClassifier(t *testing.T) {
	assert.Equal(t, ErrorCategoryNone, defaultErrorClassifier(nil))
	assert.Equal(t, ErrorCategoryValidation, defaultErrorClassifier(fmt.Errorf("wrapped: %w", &handlers.UnprocessableEventError{Err: errors.New("x")})))
	assert.Equal(t, ErrorCategoryValidation, defaultErrorClassifier(lferrors.ErrMessageTooLarge))
	assert.Equal(t, ErrorCategoryTransport, defaultErrorClassifier(fmt.Errorf("publish: %w", lferrors.ErrClosed)))
	assert.Equal(t, ErrorCategoryDownstream, defaultErrorClassifier(context.DeadlineExceeded))
	assert.Equal(t, ErrorCategoryDownstream, defaultErrorClassifier(lferrors.ErrProbeTimeout))
	assert.Equal(t, ErrorCategoryOther, defaultErrorClassifier(errors.New("x")))
}

func TestPercentile(t *testing.T) {
	samples := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, int64(0), percentile(nil, 0.5))
	assert.Equal(t, int64(10), percentile(samples, 1))
	assert.Equal(t, int64(1), percentile(samples, 0))
	assert.Equal(t, int64(5), percentile(samples, 0.5))
	assert.Equal(t, int64(10), percentile(samples, 0.95))
}

func TestHandlerStatsMarshalJSON(t *testing.T) {
	stats := newHandlerStats()
	stats.onMessageFinish(time.Millisecond, nil, nil)

	body, err := jsoncodec.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"messages_processed":1`)
	assert.Contains(t, string(body), `"latency"`)
}

func TestLatencyRingKeepsLatestSamples(t *testing.T) {
	ring := latencyRing{buf: make([]time.Duration, 3)}
	for _, ms := range []int{50, 1, 2, 3} {
		ring.push(time.Duration(ms) * time.Millisecond)
	}

	m := ring.metrics()
	assert.Equal(t, 3, m.SampleSize)
	assert.Equal(t, int64(3*time.Millisecond), m.LastNs)
	assert.Equal(t, int64(3*time.Millisecond), m.P99Ns)
}

func TestThroughputDropsOldArrivals(t *testing.T) {
	stats := newHandlerStats()
	now := time.Now()
	stats.arrived = []time.Time{now.Add(-2 * time.Minute), now.Add(-30 * time.Second)}
	stats.MessagesProcessed = 3

	tp := stats.observeArrival(now)
	assert.Equal(t, uint64(2), tp.MessagesInWindow)
	assert.InDelta(t, 30, tp.WindowSeconds, 0.01)
	assert.InDelta(t, 2.0/30, tp.CurrentRPS, 0.001)
}
