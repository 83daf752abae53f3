package quality

import "time"

// Class is a connection quality classification.
type Class string

const (
	Excellent Class = "excellent"
	Good      Class = "good"
	Poor      Class = "poor"
	// Unknown is reported for users without samples.
	Unknown Class = "unknown"
	// Offline is reported for users not present in the conversation asked
	// about.
	Offline Class = "offline"
)

// Classification thresholds. A sample set must meet all three bounds of a
// class to qualify for it.
const (
	ExcellentLatency     = 200 * time.Millisecond
	ExcellentReliability = 0.98
	ExcellentPacketLoss  = 0.01

	GoodLatency     = 500 * time.Millisecond
	GoodReliability = 0.95
	GoodPacketLoss  = 0.03
)

// Classify maps smoothed metrics onto a Class.
func Classify(latency time.Duration, reliability, packetLoss float64) Class {
	switch {
	case latency <= ExcellentLatency && reliability >= ExcellentReliability && packetLoss <= ExcellentPacketLoss:
		return Excellent
	case latency <= GoodLatency && reliability >= GoodReliability && packetLoss <= GoodPacketLoss:
		return Good
	default:
		return Poor
	}
}

// Score condenses metrics into 0..100. Latency contributes linearly down to
// zero at one second; reliability and delivery rate (1 - loss) are weighted
// 0.4 and 0.2.
func Score(latency time.Duration, reliability, packetLoss float64) float64 {
	latencyScore := clamp01(1 - float64(latency)/float64(time.Second))
	score := 0.4*latencyScore + 0.4*clamp01(reliability) + 0.2*clamp01(1-packetLoss)
	return score * 100
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
