// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration derives the accelerometer gain from a still capture so
// that the device at rest reads exactly 1g. The estimator measures deviation
// from 1g, so a sensor that rests at 1.03g would otherwise show a permanent
// intensity floor.
package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/relabs-tech/shake_relax/internal/accel"
)

const (
	SchemaVersion = 1

	// MinSamples is the smallest capture Compute accepts.
	MinSamples = 20

	// Stillness heuristics, in g.
	stillStdGood = 0.004
	stillStdBad  = 0.03
	confFloor    = 0.05
)

var ErrTooFewSamples = errors.New("calibration: not enough samples")

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Result is written as JSON and read back by the MPU9250 source.
type Result struct {
	SchemaVersion int       `json:"schema_version"`
	CalibratedAt  time.Time `json:"calibrated_at"`
	Device        string    `json:"device"`
	AccelRange    byte      `json:"accel_range"`

	Samples int  `json:"samples"`
	Mean    Vec3 `json:"mean_counts"`
	StdDev  Vec3 `json:"stddev_counts"`

	RestMagnitude float64  `json:"rest_magnitude_g"` // before gain
	Gain          float64  `json:"gain"`
	NoiseG        float64  `json:"noise_g"` // average per-axis stddev in g
	Confidence    float64  `json:"confidence"`
	Notes         []string `json:"notes,omitempty"`
}

// Compute builds a Result from a still capture of raw counts.
func Compute(device string, rangeCode byte, samples []accel.Raw, at time.Time) (Result, error) {
	if len(samples) < MinSamples {
		return Result{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewSamples, len(samples), MinSamples)
	}
	data := make([][3]float64, 0, len(samples))
	for _, s := range samples {
		data = append(data, [3]float64{float64(s.Ax), float64(s.Ay), float64(s.Az)})
	}

	res := Result{
		SchemaVersion: SchemaVersion,
		CalibratedAt:  at.UTC(),
		Device:        device,
		AccelRange:    rangeCode,
		Samples:       len(samples),
		Mean:          Vec3{mean(data, 0), mean(data, 1), mean(data, 2)},
		StdDev:        Vec3{stddev(data, 0), stddev(data, 1), stddev(data, 2)},
	}

	lsb := accel.LSBPerG(rangeCode)
	res.RestMagnitude = math.Sqrt(res.Mean.X*res.Mean.X+res.Mean.Y*res.Mean.Y+res.Mean.Z*res.Mean.Z) / lsb
	if res.RestMagnitude < 0.5 || res.RestMagnitude > 1.5 {
		return res, fmt.Errorf("calibration: rest magnitude %.3fg is implausible, check the accel range", res.RestMagnitude)
	}
	res.Gain = 1 / res.RestMagnitude
	res.NoiseG = (res.StdDev.X + res.StdDev.Y + res.StdDev.Z) / 3 / lsb
	res.Confidence = stillnessConfidence(res.NoiseG)

	if res.Confidence < 0.5 {
		res.Notes = append(res.Notes, "device moved during capture; repeat on a steady surface")
	}
	if math.Abs(res.Gain-1) > 0.1 {
		res.Notes = append(res.Notes, fmt.Sprintf("gain %.3f is far from 1, sensor may be damaged", res.Gain))
	}
	return res, nil
}

// stillnessConfidence maps noise to [confFloor, 1]: 1 up to stillStdGood,
// linear down to confFloor at stillStdBad.
func stillnessConfidence(noise float64) float64 {
	switch {
	case noise <= stillStdGood:
		return 1
	case noise >= stillStdBad:
		return confFloor
	}
	t := (noise - stillStdGood) / (stillStdBad - stillStdGood)
	return 1 - t*(1-confFloor)
}

// Reader returns one raw sample.
type Reader func() (accel.Raw, error)

// Collect reads n samples at interval. progress, if set, gets the fraction
// done after every sample.
func Collect(ctx context.Context, read Reader, n int, interval time.Duration, progress func(done float64)) ([]accel.Raw, error) {
	out := make([]accel.Raw, 0, n)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for len(out) < n {
		r, err := read()
		if err != nil {
			return out, fmt.Errorf("calibration: read sample %d: %w", len(out), err)
		}
		out = append(out, r)
		if progress != nil {
			progress(float64(len(out)) / float64(n))
		}
		if len(out) == n {
			break
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-ticker.C:
		}
	}
	return out, nil
}

// Save writes r as indented JSON, creating the directory if needed.
func Save(path string, r Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration results: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create calibration dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	return nil
}

func Load(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read calibration file: %w", err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("failed to parse calibration file %s: %w", path, err)
	}
	if r.SchemaVersion != SchemaVersion {
		return Result{}, fmt.Errorf("calibration file %s: unsupported schema version %d", path, r.SchemaVersion)
	}
	if !(r.Gain > 0) || math.IsInf(r.Gain, 0) {
		return Result{}, fmt.Errorf("calibration file %s: invalid gain %v", path, r.Gain)
	}
	return r, nil
}

func mean(data [][3]float64, axis int) float64 {
	sum := 0.0
	for _, v := range data {
		sum += v[axis]
	}
	return sum / float64(len(data))
}

func stddev(data [][3]float64, axis int) float64 {
	if len(data) == 0 {
		return 0
	}
	m := mean(data, axis)
	variance := 0.0
	for _, v := range data {
		diff := v[axis] - m
		variance += diff * diff
	}
	variance /= float64(len(data))
	return math.Sqrt(variance)
}
