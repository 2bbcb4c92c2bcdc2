// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/clock"
)

// MockPattern alternates a shaking phase with a resting phase.
type MockPattern struct {
	Shake     time.Duration
	Rest      time.Duration
	Amplitude float64 // peak deviation in g while shaking
}

// DefaultMockPattern shakes hard enough for every sensitivity profile and
// rests long enough to confirm calm.
func DefaultMockPattern() MockPattern {
	return MockPattern{Shake: 4 * time.Second, Rest: 10 * time.Second, Amplitude: 0.9}
}

// Sample returns the generated reading at elapsed. The device rests flat
// (1g on Z) with a small tremor and, during the shake phase, swings on X/Y
// at about 3 Hz.
func (p MockPattern) Sample(elapsed time.Duration) accel.Sample {
	t := elapsed.Seconds()
	s := accel.Sample{
		X: 0.004 * math.Sin(t*17),
		Y: 0.004 * math.Cos(t*13),
		Z: 1 + 0.003*math.Sin(t*23),
	}
	cycle := p.Shake + p.Rest
	if cycle <= 0 || elapsed%cycle >= p.Shake {
		return s
	}
	s.X += p.Amplitude * math.Sin(2*math.Pi*3*t)
	s.Y += 0.5 * p.Amplitude * math.Cos(2*math.Pi*2.3*t)
	return s
}

// NewMockSource creates a mock accelerometer that generates the pattern
// from the moment it was created.
func NewMockSource(p MockPattern, clk clock.Clock, log *zap.SugaredLogger) *Hub {
	start := clk.Now()
	return NewPollingHub("mock", func() (accel.Sample, error) {
		return p.Sample(clk.Now().Sub(start)), nil
	}, clk, log)
}
