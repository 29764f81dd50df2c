package eligibility

import "math"

// Stats summarises a traffic history.
type Stats struct {
	Count  int
	Mean   float64
	StdDev float64
}

// Summarise computes the mean and population standard deviation of samples.
func Summarise(samples []float64) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(len(samples))
	var variance float64
	for _, v := range samples {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(samples))
	return Stats{Count: len(samples), Mean: mean, StdDev: math.Sqrt(variance)}
}

// IsAnomalous applies the z-score rule, or the spike rule when the history is
// flat. Histories shorter than cfg.MinHistory never flag.
func IsAnomalous(current float64, history []float64, cfg Config) bool {
	if len(history) < cfg.MinHistory {
		return false
	}
	stats := Summarise(history)
	if stats.StdDev > 0 {
		return math.Abs(current-stats.Mean)/stats.StdDev > cfg.AnomalyZScore
	}
	return stats.Mean > 0 && current > stats.Mean*cfg.SpikeMultiplier
}
