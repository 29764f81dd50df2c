package eligibility

import (
	"fmt"
	"time"
)

// Config holds the thresholds that drive eligibility decisions.
type Config struct {
	// QualityThreshold is the minimum quality score (0-100) that qualifies a
	// node on performance alone.
	QualityThreshold float64
	// AIScoreThreshold is the minimum scoring-service score that marks a node
	// as confirmed good.
	AIScoreThreshold float64
	// AnomalyZScore is the absolute z-score above which a sample is anomalous.
	AnomalyZScore float64
	// AnomalyWindow bounds how far back history is sampled.
	AnomalyWindow time.Duration
	// HistoryLimit caps the number of historical samples considered.
	HistoryLimit int
	// MinHistory is the number of samples required before flagging anything.
	MinHistory int
	// SpikeMultiplier flags flat histories whose new sample exceeds
	// mean*SpikeMultiplier.
	SpikeMultiplier float64
}

// DefaultConfig mirrors the production thresholds.
func DefaultConfig() Config {
	return Config{
		QualityThreshold: 60,
		AIScoreThreshold: 0.7,
		AnomalyZScore:    3.0,
		AnomalyWindow:    time.Hour,
		HistoryLimit:     20,
		MinHistory:       3,
		SpikeMultiplier:  10,
	}
}

// Validate ensures the configuration is self-consistent.
func (c Config) Validate() error {
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		return fmt.Errorf("quality threshold must be within [0,100]")
	}
	if c.AIScoreThreshold < 0 || c.AIScoreThreshold > 1 {
		return fmt.Errorf("ai score threshold must be within [0,1]")
	}
	if c.AnomalyZScore <= 0 {
		return fmt.Errorf("anomaly z-score must be positive")
	}
	if c.AnomalyWindow <= 0 {
		return fmt.Errorf("anomaly window must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}
	if c.MinHistory <= 0 || c.MinHistory > c.HistoryLimit {
		return fmt.Errorf("min history must be within [1,%d]", c.HistoryLimit)
	}
	if c.SpikeMultiplier <= 1 {
		return fmt.Errorf("spike multiplier must exceed 1")
	}
	return nil
}
