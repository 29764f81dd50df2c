package eligibility

import (
	"math"

	"devpn/core/types"
)

// Missing metrics fall back to values that contribute nothing.
const (
	missingLatency = 1000.0
	missingLoss    = 1.0
	missingUptime  = 0.0
)

// QualityScore returns the 0-100 composite of latency, loss and uptime,
// rounded to two decimals. Loss is a fraction in [0,1] and uptime is seconds.
func QualityScore(n types.Node) float64 {
	latency := missingLatency
	if n.Latency != nil {
		latency = *n.Latency
	}
	loss := missingLoss
	if n.Loss != nil {
		loss = *n.Loss
	}
	uptime := missingUptime
	if n.Uptime != nil {
		uptime = float64(*n.Uptime)
	}

	latencyScore := math.Max(100-latency/10, 0)
	lossScore := math.Max(100-loss*1000, 0)
	uptimeScore := math.Min(uptime/360, 100)

	return round2(0.4*latencyScore + 0.4*lossScore + 0.2*uptimeScore)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
