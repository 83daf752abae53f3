package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/handlers"
	"github.com/drblury/liveflow/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerStats accumulates processing statistics for one inbound handler.
type HandlerStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	InFlight            uint64    `json:"in_flight"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	recent  latencyRing
	arrived []time.Time
}

// HandlerInfo describes a registered handler for the API.
type HandlerInfo struct {
	Name         string        `json:"name"`
	Event        string        `json:"event,omitempty"`
	ConsumeQueue string        `json:"consume_queue"`
	Stats        *HandlerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier sorts handler errors into the ErrorBreakdown buckets.
type ErrorClassifier func(error) ErrorCategory

func newHandlerStats() *HandlerStats {
	return &HandlerStats{recent: latencyRing{buf: make([]time.Duration, latencySampleSize)}}
}

func (h *HandlerStats) onMessageStart() {
	h.mu.Lock()
	h.InFlight++
	h.mu.Unlock()
}

func (h *HandlerStats) onMessageFinish(took time.Duration, err error, classify ErrorClassifier) {
	if classify == nil {
		classify = defaultErrorClassifier
	}
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.InFlight > 0 {
		h.InFlight--
	}
	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(took)
	h.LastProcessedAt = now.UTC()

	h.recent.push(took)
	h.Latency = h.recent.metrics()
	h.Latency.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)

	h.Throughput = h.observeArrival(now)
	h.Errors.Record(classify(err), err)
}

// observeArrival keeps the arrival times inside throughputWindowSize and
// derives the current rate from them.
func (h *HandlerStats) observeArrival(now time.Time) ThroughputMetrics {
	h.arrived = append(h.arrived, now)
	cutoff := now.Add(-throughputWindowSize)
	stale := sort.Search(len(h.arrived), func(i int) bool { return !h.arrived[i].Before(cutoff) })
	h.arrived = slices.Delete(h.arrived, 0, stale)

	span := now.Sub(h.arrived[0]).Seconds()
	if span <= 0 {
		span = time.Nanosecond.Seconds()
	}
	return ThroughputMetrics{
		CurrentRPS:       float64(len(h.arrived)) / span,
		WindowSeconds:    span,
		MessagesInWindow: uint64(len(h.arrived)),
		TotalMessages:    h.MessagesProcessed,
	}
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type plain HandlerStats
	return jsoncodec.Marshal((*plain)(h))
}

// Record counts err under category. A nil error is only counted when a
// classifier insists on a category for it.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	if category == ErrorCategoryNone && err == nil {
		return
	}
	counter := &e.Other
	switch category {
	case ErrorCategoryValidation:
		counter = &e.Validation
	case ErrorCategoryTransport:
		counter = &e.Transport
	case ErrorCategoryDownstream:
		counter = &e.Downstream
	}
	*counter++
	if err != nil {
		e.LastError = err.Error()
	}
}

// latencyRing holds the latest handler durations. Order is irrelevant for
// percentiles, so only the fill level is tracked.
type latencyRing struct {
	buf  []time.Duration
	next int
	full bool
	last time.Duration
}

func (r *latencyRing) push(d time.Duration) {
	r.buf[r.next] = d
	r.last = d
	r.next++
	if r.next == len(r.buf) {
		r.next, r.full = 0, true
	}
}

func (r *latencyRing) metrics() LatencyMetrics {
	filled := r.buf[:r.next]
	if r.full {
		filled = r.buf
	}
	sorted := make([]int64, len(filled))
	for i, d := range filled {
		sorted[i] = int64(d)
	}
	slices.Sort(sorted)
	return LatencyMetrics{
		LastNs:     int64(r.last),
		SampleSize: len(sorted),
		P50Ns:      percentile(sorted, 0.50),
		P95Ns:      percentile(sorted, 0.95),
		P99Ns:      percentile(sorted, 0.99),
	}
}

// percentile uses the nearest-rank method on ascending samples.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[min(max(rank, 0), len(sorted)-1)]
}

// defaultErrorClassifier buckets inbound handler failures: malformed client
// events are validation errors, a closed transport is a transport error and
// timeouts are downstream errors.
func defaultErrorClassifier(err error) ErrorCategory {
	var unprocessable *handlers.UnprocessableEventError
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.As(err, &unprocessable),
		errors.Is(err, lferrors.ErrMessageTooLarge),
		errors.Is(err, lferrors.ErrUnknownContentType):
		return ErrorCategoryValidation
	case errors.Is(err, lferrors.ErrClosed):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, lferrors.ErrProbeTimeout):
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
