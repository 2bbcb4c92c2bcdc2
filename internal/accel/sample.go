package accel

import (
	"math"
	"time"
)

// Sample is a single accelerometer reading in g-units.
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Raw is a single accelerometer reading in sensor counts, as read off the
// MPU9250 data registers.
type Raw struct {
	Ax int16 `json:"ax"`
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`
}

// Source delivers samples to subscribers at a requested interval.
// Subscribing and unsubscribing repeatedly must be safe; the returned
// unsubscribe func is idempotent.
type Source interface {
	Subscribe(fn func(Sample)) (unsubscribe func(), err error)
	SetSampleInterval(d time.Duration)
}

// Magnitude returns |(x, y, z)|.
func Magnitude(s Sample) float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// Finite reports whether every axis is a finite number.
func Finite(s Sample) bool {
	for _, v := range [3]float64{s.X, s.Y, s.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// LSBPerG returns the accelerometer sensitivity for an MPU9250
// ACCEL_FS_SEL range code (0=±2g, 1=±4g, 2=±8g, 3=±16g).
func LSBPerG(rangeCode byte) float64 {
	switch rangeCode {
	case 1:
		return 8192
	case 2:
		return 4096
	case 3:
		return 2048
	default:
		return 16384
	}
}

// FromRaw converts counts to g-units using the range sensitivity and an
// extra gain (1.0 when uncalibrated).
func FromRaw(r Raw, rangeCode byte, gain float64) Sample {
	if gain <= 0 {
		gain = 1
	}
	k := gain / LSBPerG(rangeCode)
	return Sample{
		X: float64(r.Ax) * k,
		Y: float64(r.Ay) * k,
		Z: float64(r.Az) * k,
	}
}
