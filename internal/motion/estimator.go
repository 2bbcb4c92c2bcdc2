// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package motion turns raw accelerometer samples into a smoothed shake
// intensity and a debounced "is shaking" signal.
//
// Per sample:
//
//	delta    = | |(x,y,z)| - 1g |
//	baseline = slow EMA of delta while delta < 0.25, never above delta
//	ema      = alpha*max(0, delta-baseline) + (1-alpha)*ema
//
// Shaking turns on when ema >= start and turns off only once ema <= stop and
// grace has elapsed since ema was last at or above start.
package motion

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/clock"
)

const (
	restG = 1.0

	// Samples with a raw deviation below this feed the baseline filter.
	baselineGate   = 0.25
	baselineWeight = 0.02
)

// ErrSensorUnavailable is returned once when no sample source is attached.
var ErrSensorUnavailable = errors.New("motion: sensor unavailable")

// Reading is the estimator output after one sample.
type Reading struct {
	Intensity float64   `json:"intensity"`
	Shaking   bool      `json:"shaking"`
	At        time.Time `json:"at"`
}

// State is a copy of the estimator internals.
type State struct {
	EMA          float64
	Baseline     float64
	LastAboveAt  time.Time // zero until the first sample at or above start
	Shaking      bool
	LastDelta    float64 // raw deviation of the last sample, before baseline subtraction
	SamplesTaken uint64
}

// Estimator owns one IntensityState. It is driven by a single source.
type Estimator struct {
	src   accel.Source
	clock clock.Clock
	log   *zap.SugaredLogger

	mu        sync.Mutex
	cfg       Config
	state     State
	listeners map[int]func(Reading)
	nextID    int

	attachMu sync.Mutex
	detach   func()
	failed   bool
}

// New validates cfg and returns an idle estimator. src may be nil, in which
// case the estimator reports no motion and Subscribe returns
// ErrSensorUnavailable once.
func New(cfg Config, src accel.Source, clk clock.Clock, log *zap.SugaredLogger) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Estimator{
		src:       src,
		clock:     clk,
		log:       log,
		cfg:       cfg,
		listeners: map[int]func(Reading){},
	}, nil
}

// Config returns the active configuration.
func (e *Estimator) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Reconfigure swaps the configuration while keeping the EMA, baseline and
// debounce state.
func (e *Estimator) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	intervalChanged := cfg.SampleInterval != e.cfg.SampleInterval
	e.cfg = cfg
	e.mu.Unlock()

	e.attachMu.Lock()
	attached := e.detach != nil
	e.attachMu.Unlock()
	if intervalChanged && attached {
		e.src.SetSampleInterval(cfg.SampleInterval)
	}
	return nil
}

// Reset clears the intensity state.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.state = State{}
	e.mu.Unlock()
}

// State returns a copy of the internal state.
func (e *Estimator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reading returns the latest output.
func (e *Estimator) Reading() Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Reading{Intensity: e.state.EMA, Shaking: e.state.Shaking, At: e.clock.Now()}
}

// Process runs the per-sample algorithm for s and returns the new reading.
// It never fails: non-finite samples count as no motion.
func (e *Estimator) Process(s accel.Sample) Reading {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	st := &e.state
	cfg := e.cfg

	delta := 0.0
	if accel.Finite(s) {
		delta = math.Abs(accel.Magnitude(s) - restG)
	}
	st.LastDelta = delta

	if delta < baselineGate {
		st.Baseline = st.Baseline*(1-baselineWeight) + delta*baselineWeight
	}
	if st.Baseline > delta {
		st.Baseline = delta
	}
	delta = math.Max(0, delta-st.Baseline)

	st.EMA = cfg.Alpha*delta + (1-cfg.Alpha)*st.EMA

	switch {
	case st.EMA >= cfg.StartThreshold:
		st.LastAboveAt = now
		st.Shaking = true
	case st.Shaking && now.Sub(st.LastAboveAt) >= cfg.Grace && st.EMA <= cfg.StopThreshold:
		st.Shaking = false
	}
	st.SamplesTaken++

	return Reading{Intensity: st.EMA, Shaking: st.Shaking, At: now}
}

// Subscribe registers fn for every reading. The first listener attaches the
// estimator to its source; the last unsubscribe detaches it so the sensor
// stops sampling. A sensor acquisition error is returned by the subscribe
// that hit it and is not retried; fn stays registered either way.
func (e *Estimator) Subscribe(fn func(Reading)) (func(), error) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	err := e.attach()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			last := len(e.listeners) == 0
			e.mu.Unlock()
			if last {
				e.release()
			}
		})
	}
	return unsubscribe, err
}

func (e *Estimator) attach() error {
	e.attachMu.Lock()
	defer e.attachMu.Unlock()

	if e.detach != nil || e.failed {
		return nil
	}
	if e.src == nil {
		e.failed = true
		e.log.Warnf("motion: no accelerometer source, reporting no motion")
		return ErrSensorUnavailable
	}

	e.src.SetSampleInterval(e.Config().SampleInterval)
	detach, err := e.src.Subscribe(e.handleSample)
	if err != nil {
		e.failed = true
		e.log.Warnf("motion: sensor subscribe failed, reporting no motion: %v", err)
		return fmt.Errorf("%w: %v", ErrSensorUnavailable, err)
	}
	e.detach = detach
	return nil
}

func (e *Estimator) release() {
	e.attachMu.Lock()
	detach := e.detach
	e.detach = nil
	e.attachMu.Unlock()

	if detach != nil {
		detach()
	}
}

// Attached reports whether the estimator currently holds a source subscription.
func (e *Estimator) Attached() bool {
	e.attachMu.Lock()
	defer e.attachMu.Unlock()
	return e.detach != nil
}

func (e *Estimator) handleSample(s accel.Sample) {
	r := e.Process(s)

	e.mu.Lock()
	fns := make([]func(Reading), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(r)
	}
}
