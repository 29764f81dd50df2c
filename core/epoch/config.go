package epoch

import (
	"fmt"
	"time"
)

// Config describes how accounting windows are cut.
type Config struct {
	// Duration is the fixed length of each epoch. It must be positive.
	Duration time.Duration
}

// DefaultConfig returns the production epoch length.
func DefaultConfig() Config {
	return Config{Duration: 5 * time.Minute}
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("epoch duration must be greater than zero")
	}
	return nil
}
