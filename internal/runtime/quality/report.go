package quality

import (
	"math"
	"time"
)

// Report aggregates a user's sample history.
type Report struct {
	UserID             string        `json:"userId"`
	Class              Class         `json:"class"`
	Samples            int           `json:"samples"`
	AverageLatency     time.Duration `json:"averageLatency"`
	Jitter             time.Duration `json:"jitter"`
	AverageReliability float64       `json:"averageReliability"`
	AveragePacketLoss  float64       `json:"averagePacketLoss"`
	Uptime             float64       `json:"uptime"`
	RecentReconnects   int           `json:"recentReconnects"`
	Recommendations    []string      `json:"recommendations,omitempty"`
}

// Health is the summary served to clients asking for connection health.
type Health struct {
	Status       Class   `json:"status"`
	Uptime       float64 `json:"uptime"`
	QualityScore float64 `json:"qualityScore"`
}

// Recommendation texts, keyed on the threshold that was breached.
const (
	RecommendLatency     = "High latency: move closer to the server region or switch to a wired connection"
	RecommendReliability = "Unstable connection: check network stability, frequent drops detected"
	RecommendPacketLoss  = "Packet loss detected: reduce concurrent bandwidth usage or change networks"
	RecommendJitter      = "Latency varies widely: avoid congested Wi-Fi channels"
)

// JitterThreshold triggers RecommendJitter.
const JitterThreshold = 100 * time.Millisecond

// Report aggregates the history for userID. ok is false without samples.
func (m *Monitor) Report(userID string) (Report, bool) {
	w, found := m.users.Get(userID)
	if !found {
		return Report{}, false
	}

	w.mu.Lock()
	samples := w.samples()
	class := w.class
	w.mu.Unlock()
	if len(samples) == 0 {
		return Report{}, false
	}

	var sumLatency, sumReliability, sumLoss float64
	up := 0
	for _, s := range samples {
		sumLatency += float64(s.Latency)
		sumReliability += s.Reliability
		sumLoss += s.PacketLoss
		if s.Reliability > 0.5 {
			up++
		}
	}
	n := float64(len(samples))
	meanLatency := sumLatency / n

	var variance float64
	for _, s := range samples {
		d := float64(s.Latency) - meanLatency
		variance += d * d
	}
	variance /= n

	r := Report{
		UserID:             userID,
		Class:              class,
		Samples:            len(samples),
		AverageLatency:     time.Duration(meanLatency),
		Jitter:             time.Duration(math.Sqrt(variance)),
		AverageReliability: sumReliability / n,
		AveragePacketLoss:  sumLoss / n,
		Uptime:             float64(up) / n,
		RecentReconnects:   m.RecentReconnects(userID),
	}
	r.Recommendations = recommendations(r)
	return r, true
}

func recommendations(r Report) []string {
	var out []string
	if r.AverageLatency > GoodLatency {
		out = append(out, RecommendLatency)
	}
	if r.AverageReliability < GoodReliability {
		out = append(out, RecommendReliability)
	}
	if r.AveragePacketLoss > GoodPacketLoss {
		out = append(out, RecommendPacketLoss)
	}
	if r.Jitter > JitterThreshold {
		out = append(out, RecommendJitter)
	}
	return out
}

// Health returns status, uptime and a 0..100 quality score computed from the
// smoothed metrics. Unknown users report status unknown and zero values.
func (m *Monitor) Health(userID string) Health {
	w, ok := m.users.Get(userID)
	if !ok {
		return Health{Status: Unknown}
	}

	w.mu.Lock()
	if !w.seeded {
		w.mu.Unlock()
		return Health{Status: Unknown}
	}
	h := Health{
		Status:       w.class,
		QualityScore: Score(time.Duration(w.latency), w.reliability, w.packetLoss),
	}
	samples := w.samples()
	w.mu.Unlock()

	up := 0
	for _, s := range samples {
		if s.Reliability > 0.5 {
			up++
		}
	}
	h.Uptime = float64(up) / float64(len(samples))
	return h
}
