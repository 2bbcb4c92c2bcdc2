// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package watcher opens the session route from anywhere once the user has
// shaken the device for long enough.
package watcher

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/clock"
	"github.com/relabs-tech/shake_relax/internal/motion"
	"github.com/relabs-tech/shake_relax/internal/settings"
)

// Navigator is the app's router.
type Navigator interface {
	CurrentRouteName() string
	NavigateTo(route string) error
}

// AppState reports whether the app is in the foreground.
type AppState interface {
	Foreground() bool
}

// Config holds the watcher policy. The estimator carries its own thresholds.
type Config struct {
	Sustain     time.Duration
	TargetRoute string
}

func DefaultConfig() Config {
	return Config{Sustain: 1500 * time.Millisecond, TargetRoute: "Session"}
}

// DefaultEstimatorConfig sits between the medium and high session profiles.
func DefaultEstimatorConfig() motion.Config {
	return motion.Config{
		SampleInterval: 45 * time.Millisecond,
		Alpha:          0.18,
		StartThreshold: 0.24,
		StopThreshold:  0.12,
		Grace:          900 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.Sustain < 0 {
		return fmt.Errorf("%w: watcher sustain must be >= 0, got %v", motion.ErrInvalidConfig, c.Sustain)
	}
	if c.TargetRoute == "" {
		return fmt.Errorf("%w: watcher target route is empty", motion.ErrInvalidConfig)
	}
	return nil
}

type Watcher struct {
	est   *motion.Estimator
	nav   Navigator
	app   AppState
	cfg   Config
	clock clock.Clock
	log   *zap.SugaredLogger

	// attachMu serializes subscribing to and leaving the estimator.
	attachMu sync.Mutex
	started  bool

	mu       sync.Mutex
	enabled  bool
	since    time.Time
	armed    bool
	fired    int
	unsubEst func()
	onFire   func(route string)
}

// New returns an armed, enabled watcher. app may be nil, meaning always
// foreground.
func New(est *motion.Estimator, nav Navigator, app AppState, cfg Config, clk clock.Clock, log *zap.SugaredLogger) (*Watcher, error) {
	if est == nil || nav == nil {
		return nil, fmt.Errorf("%w: watcher needs an estimator and a navigator", motion.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Watcher{
		est:     est,
		nav:     nav,
		app:     app,
		cfg:     cfg,
		clock:   clk,
		log:     log,
		enabled: true,
		armed:   true,
	}, nil
}

// OnFire registers a hook called after every navigation.
func (w *Watcher) OnFire(fn func(route string)) {
	w.mu.Lock()
	w.onFire = fn
	w.mu.Unlock()
}

// Start subscribes to the estimator. While disabled the watcher stays
// detached and subscribes once enabled.
func (w *Watcher) Start() error {
	w.attachMu.Lock()
	defer w.attachMu.Unlock()
	w.started = true

	w.mu.Lock()
	on := w.enabled
	w.mu.Unlock()
	if !on {
		return nil
	}
	return w.attachLocked()
}

func (w *Watcher) Stop() {
	w.attachMu.Lock()
	defer w.attachMu.Unlock()
	w.started = false
	w.detachLocked()
}

// SetEnabled toggles the watcher. Disabling releases the estimator so the
// sensor can stop; enabling a started watcher subscribes again.
func (w *Watcher) SetEnabled(on bool) {
	w.attachMu.Lock()
	defer w.attachMu.Unlock()

	w.mu.Lock()
	w.enabled = on
	if !on {
		w.resetLocked()
	}
	w.mu.Unlock()

	switch {
	case !on:
		w.detachLocked()
	case w.started:
		_ = w.attachLocked()
	}
}

// attachLocked and detachLocked run with attachMu held.
func (w *Watcher) attachLocked() error {
	w.mu.Lock()
	attached := w.unsubEst != nil
	w.mu.Unlock()
	if attached {
		return nil
	}

	unsub, err := w.est.Subscribe(w.Evaluate)
	w.mu.Lock()
	w.unsubEst = unsub
	w.mu.Unlock()
	if err != nil {
		w.log.Warnf("watcher: %v", err)
	}
	return err
}

func (w *Watcher) detachLocked() {
	w.mu.Lock()
	unsub := w.unsubEst
	w.unsubEst = nil
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// BindSettings follows the shake preference.
func (w *Watcher) BindSettings(src settings.Observable) (unbind func()) {
	w.SetEnabled(src.Get().Shake)
	return src.Subscribe(func(p settings.Prefs) { w.SetEnabled(p.Shake) })
}

// Fired reports how many times the watcher has navigated.
func (w *Watcher) Fired() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *Watcher) resetLocked() {
	w.since = time.Time{}
	w.armed = true
}

// Evaluate runs the policy for one reading.
func (w *Watcher) Evaluate(r motion.Reading) {
	now := r.At
	if now.IsZero() {
		now = w.clock.Now()
	}
	foreground := w.app == nil || w.app.Foreground()
	onTarget := w.nav.CurrentRouteName() == w.cfg.TargetRoute

	w.mu.Lock()
	if !w.enabled || !foreground || onTarget {
		w.resetLocked()
		w.mu.Unlock()
		return
	}
	if !r.Shaking {
		w.resetLocked()
		w.mu.Unlock()
		return
	}
	if w.since.IsZero() {
		w.since = now
	}
	if !w.armed || now.Sub(w.since) < w.cfg.Sustain {
		w.mu.Unlock()
		return
	}
	w.armed = false
	route := w.cfg.TargetRoute
	hook := w.onFire
	w.mu.Unlock()

	w.log.Infof("watcher: sustained shake, opening %s", route)
	if err := w.nav.NavigateTo(route); err != nil {
		w.log.Warnf("watcher: navigate to %s: %v", route, err)
		return
	}
	w.mu.Lock()
	w.fired++
	w.mu.Unlock()
	if hook != nil {
		hook(route)
	}
}
