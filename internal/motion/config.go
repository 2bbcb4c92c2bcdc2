package motion

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidConfig is wrapped by every Config validation failure.
var ErrInvalidConfig = errors.New("motion: invalid config")

// Config parameterises an Estimator. Every field is required.
type Config struct {
	// SampleInterval is the requested sensor sampling period.
	SampleInterval time.Duration
	// Alpha is the EMA weight of the newest sample, in (0, 1].
	Alpha float64
	// StartThreshold is the smoothed intensity at or above which the
	// signal counts as shaking.
	StartThreshold float64
	// StopThreshold is the smoothed intensity at or below which shaking may
	// stop once Grace has elapsed. Must be below StartThreshold.
	StopThreshold float64
	// Grace is measured from the last sample at or above StartThreshold.
	Grace time.Duration
}

// Validate reports the first configuration error found.
func (c Config) Validate() error {
	switch {
	case c.SampleInterval <= 0:
		return fmt.Errorf("%w: sample interval must be > 0, got %v", ErrInvalidConfig, c.SampleInterval)
	case math.IsNaN(c.Alpha) || c.Alpha <= 0 || c.Alpha > 1:
		return fmt.Errorf("%w: alpha must be in (0,1], got %v", ErrInvalidConfig, c.Alpha)
	case math.IsNaN(c.StartThreshold) || math.IsInf(c.StartThreshold, 0) || c.StartThreshold <= 0:
		return fmt.Errorf("%w: start threshold must be a positive number, got %v", ErrInvalidConfig, c.StartThreshold)
	case math.IsNaN(c.StopThreshold) || c.StopThreshold <= 0:
		return fmt.Errorf("%w: stop threshold must be a positive number, got %v", ErrInvalidConfig, c.StopThreshold)
	case c.StopThreshold >= c.StartThreshold:
		return fmt.Errorf("%w: stop threshold %v must be below start threshold %v", ErrInvalidConfig, c.StopThreshold, c.StartThreshold)
	case c.Grace < 0:
		return fmt.Errorf("%w: grace must be >= 0, got %v", ErrInvalidConfig, c.Grace)
	}
	return nil
}
