// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package session runs a relaxation session on top of a motion estimator:
// it accumulates stressed (shaking) time, confirms the first sustained calm
// and produces the record that is handed to storage on finish.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/clock"
	"github.com/relabs-tech/shake_relax/internal/motion"
	"github.com/relabs-tech/shake_relax/internal/settings"
)

// ErrFinalized is returned by FinishAndSave once the session has finished.
var ErrFinalized = errors.New("session: already finalized")

// State is the session state machine position.
type State int

const (
	NotStarted State = iota
	Active
	Paused
	CalmConfirmed
	Finalized
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case CalmConfirmed:
		return "calm_confirmed"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind says what changed.
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventShaking       EventKind = "shaking"
	EventPaused        EventKind = "paused"
	EventCalmConfirmed EventKind = "calm_confirmed"
	EventElapsed       EventKind = "elapsed"
	EventRestarted     EventKind = "restarted"
	EventFinished      EventKind = "finished"
)

// Event is delivered to observers after the change it describes.
type Event struct {
	Kind     EventKind `json:"kind"`
	Snapshot Snapshot  `json:"snapshot"`

	seq uint64
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	State           string      `json:"state"`
	Sensitivity     Sensitivity `json:"sensitivity"`
	SessionStarted  time.Time   `json:"sessionStartedAt"` // zero before the first shake
	Shaking         bool        `json:"shaking"`
	Intensity       float64     `json:"intensity"`
	AccumulatedMs   int64       `json:"accumulatedMs"`
	ElapsedMs       int64       `json:"elapsedMs"` // accumulated plus the running span
	FirstCalmMs     *int64      `json:"firstCalmMs"`
	PeakPct         float64     `json:"peakPct"`
	CalmForMs       int64       `json:"calmForMs"`
	HapticsEnabled  bool        `json:"haptics"`
	DetectorEnabled bool        `json:"enabled"`
}

// Options are the controller's own tunables. Estimator thresholds come from
// the sensitivity profile.
type Options struct {
	Sustain       time.Duration // stillness needed to confirm calm
	StillFloor    float64       // intensity below which the user counts as truly still
	Normalization float64       // intensity that maps to a 100% peak
	TickInterval  time.Duration // elapsed republish period while shaking
}

// DefaultOptions returns the values the app ships with.
func DefaultOptions() Options {
	return Options{
		Sustain:       2800 * time.Millisecond,
		StillFloor:    0.06,
		Normalization: 1.2,
		TickInterval:  100 * time.Millisecond,
	}
}

func (o Options) Validate() error {
	switch {
	case o.Sustain < 0:
		return fmt.Errorf("%w: sustain must be >= 0, got %v", motion.ErrInvalidConfig, o.Sustain)
	case !(o.StillFloor > 0) || math.IsInf(o.StillFloor, 0):
		return fmt.Errorf("%w: still floor must be > 0, got %v", motion.ErrInvalidConfig, o.StillFloor)
	case !(o.Normalization > 0) || math.IsInf(o.Normalization, 0):
		return fmt.Errorf("%w: normalization must be > 0, got %v", motion.ErrInvalidConfig, o.Normalization)
	case o.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval must be > 0, got %v", motion.ErrInvalidConfig, o.TickInterval)
	}
	return nil
}

// Controller owns one session. Readings may arrive on the sensor goroutine
// while commands come from elsewhere; all state is guarded by mu.
type Controller struct {
	est      *motion.Estimator
	store    Store
	feedback Feedback
	clock    clock.Clock
	log      *zap.SugaredLogger
	opts     Options

	mu             sync.Mutex
	state          State
	sensitivity    Sensitivity
	haptics        bool
	enabled        bool
	shaking        bool
	intensity      float64
	sessionStarted time.Time
	activeSince    time.Time
	accumulated    time.Duration
	firstCalm      *time.Duration
	calmSince      time.Time
	calmHeld       bool
	peak           float64
	stopTicker     func()
	unsubEst       func()

	observers map[int]func(Event)
	nextObsID int
	seq       uint64

	// dispatchMu orders delivery; lastSeq is the newest event delivered.
	dispatchMu sync.Mutex
	lastSeq    uint64
}

// New wires a controller to est. store and feedback may be nil.
func New(est *motion.Estimator, store Store, feedback Feedback, opts Options, clk clock.Clock, log *zap.SugaredLogger) (*Controller, error) {
	if est == nil {
		return nil, fmt.Errorf("%w: nil estimator", motion.ErrInvalidConfig)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if feedback == nil {
		feedback = noFeedback{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Controller{
		est:         est,
		store:       store,
		feedback:    feedback,
		clock:       clk,
		log:         log,
		opts:        opts,
		sensitivity: SensitivityMedium,
		haptics:     true,
		enabled:     true,
		observers:   map[int]func(Event){},
	}, nil
}

// Start subscribes to the estimator. A sensor error is returned but the
// controller stays usable and simply never sees motion.
func (c *Controller) Start() error {
	c.mu.Lock()
	if !c.enabled || c.unsubEst != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.attach()
}

func (c *Controller) attach() error {
	unsub, err := c.est.Subscribe(c.Update)
	c.mu.Lock()
	if c.unsubEst != nil {
		c.mu.Unlock()
		unsub()
		return err
	}
	c.unsubEst = unsub
	c.mu.Unlock()
	if err != nil {
		c.log.Warnf("session: %v", err)
	}
	return err
}

func (c *Controller) detach() {
	c.mu.Lock()
	unsub := c.unsubEst
	c.unsubEst = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Close detaches from the estimator and cancels the ticker.
func (c *Controller) Close() {
	c.detach()
	c.mu.Lock()
	c.cancelTickerLocked()
	c.mu.Unlock()
}

// SetEnabled turns shake detection on or off. Turning it off detaches from
// the estimator so the sensor stops, and closes any running span.
func (c *Controller) SetEnabled(on bool) {
	c.mu.Lock()
	if c.enabled == on {
		c.mu.Unlock()
		return
	}
	c.enabled = on
	var events []Event
	if !on && c.state != Finalized {
		now := c.clock.Now()
		c.shaking = false
		c.intensity = 0
		if c.foldSpanLocked(now) {
			events = append(events, c.eventLocked(EventPaused, now))
		}
		c.cancelTickerLocked()
		c.calmSince = time.Time{}
		c.calmHeld = false
		c.refreshStateLocked()
	}
	c.mu.Unlock()

	if on {
		if c.State() != Finalized {
			_ = c.attach()
		}
	} else {
		c.detach()
	}
	c.dispatch(events)
}

// SetSensitivity re-parameterizes the estimator. Session state is kept.
func (c *Controller) SetSensitivity(s Sensitivity) error {
	if err := c.est.Reconfigure(s.Apply(c.est.Config())); err != nil {
		return err
	}
	c.mu.Lock()
	c.sensitivity = s
	c.mu.Unlock()
	return nil
}

func (c *Controller) SetHaptics(on bool) {
	c.mu.Lock()
	c.haptics = on
	c.mu.Unlock()
}

// BindSettings applies the current preferences and follows every change.
func (c *Controller) BindSettings(src settings.Observable) (unbind func()) {
	apply := func(p settings.Prefs) {
		if err := c.SetSensitivity(ParseSensitivity(p.Sensitivity)); err != nil {
			c.log.Warnf("session: apply sensitivity %q: %v", p.Sensitivity, err)
		}
		c.SetHaptics(p.Haptics)
		c.SetEnabled(p.Shake)
	}
	apply(src.Get())
	return src.Subscribe(apply)
}

// Update runs the tick algorithm for one estimator reading. It never fails.
func (c *Controller) Update(r motion.Reading) {
	now := r.At
	if now.IsZero() {
		now = c.clock.Now()
	}

	c.mu.Lock()
	if c.state == Finalized || !c.enabled {
		c.mu.Unlock()
		return
	}
	var (
		events  []Event
		success bool
	)

	intensity := r.Intensity
	if math.IsNaN(intensity) || intensity < 0 {
		intensity = 0
	}
	c.intensity = intensity
	c.peak = math.Max(c.peak, clamp01(intensity/c.opts.Normalization))
	wasShaking := c.shaking
	c.shaking = r.Shaking

	if r.Shaking {
		c.calmSince = time.Time{}
		c.calmHeld = false
		if c.sessionStarted.IsZero() {
			c.sessionStarted = now
			events = append(events, c.eventLocked(EventStarted, now))
		}
		if c.activeSince.IsZero() {
			c.activeSince = now
		}
		if c.stopTicker == nil {
			c.stopTicker = c.clock.Every(c.opts.TickInterval, c.tick)
		}
		if !wasShaking {
			c.refreshStateLocked()
			events = append(events, c.eventLocked(EventShaking, now))
		}
	} else {
		folded := c.foldSpanLocked(now)
		stopped := c.cancelTickerLocked()
		if folded || stopped {
			c.refreshStateLocked()
			events = append(events, c.eventLocked(EventPaused, now), c.eventLocked(EventElapsed, now))
		}
		if !c.sessionStarted.IsZero() {
			if intensity < c.opts.StillFloor {
				if c.calmSince.IsZero() {
					c.calmSince = now
				}
				if now.Sub(c.calmSince) >= c.opts.Sustain && !c.calmHeld {
					c.calmHeld = true
					if c.firstCalm == nil {
						frozen := c.accumulated
						c.firstCalm = &frozen
						c.log.Infof("session: calm confirmed after %d ms stressed", frozen.Milliseconds())
						success = c.haptics
					}
					c.refreshStateLocked()
					events = append(events, c.eventLocked(EventCalmConfirmed, now))
				}
			} else {
				c.calmSince = time.Time{}
				if c.calmHeld {
					c.calmHeld = false
					c.refreshStateLocked()
				}
			}
		}
	}
	c.mu.Unlock()

	if success {
		c.feedback.NotifySuccess()
	}
	c.dispatch(events)
}

func (c *Controller) tick(now time.Time) {
	c.mu.Lock()
	if c.stopTicker == nil {
		c.mu.Unlock()
		return
	}
	ev := c.eventLocked(EventElapsed, now)
	c.mu.Unlock()
	c.dispatch([]Event{ev})
}

// foldSpanLocked closes the running span, reporting whether one was open.
func (c *Controller) foldSpanLocked(now time.Time) bool {
	if c.activeSince.IsZero() {
		return false
	}
	if d := now.Sub(c.activeSince); d > 0 {
		c.accumulated += d
	}
	c.activeSince = time.Time{}
	return true
}

func (c *Controller) cancelTickerLocked() bool {
	if c.stopTicker == nil {
		return false
	}
	c.stopTicker()
	c.stopTicker = nil
	return true
}

func (c *Controller) refreshStateLocked() {
	switch {
	case c.state == Finalized:
	case c.sessionStarted.IsZero():
		c.state = NotStarted
	case !c.activeSince.IsZero():
		c.state = Active
	case c.calmHeld:
		c.state = CalmConfirmed
	default:
		c.state = Paused
	}
}

// Restart discards the session and starts over from NotStarted. A finalized
// session is left alone.
func (c *Controller) Restart() {
	c.mu.Lock()
	if c.state == Finalized {
		c.mu.Unlock()
		return
	}
	c.cancelTickerLocked()
	c.resetLocked()
	haptics := c.haptics
	ev := c.eventLocked(EventRestarted, c.clock.Now())
	c.mu.Unlock()
	if haptics {
		c.feedback.ImpactLight()
	}
	c.dispatch([]Event{ev})
}

func (c *Controller) resetLocked() {
	c.state = NotStarted
	c.shaking = false
	c.intensity = 0
	c.sessionStarted = time.Time{}
	c.activeSince = time.Time{}
	c.accumulated = 0
	c.firstCalm = nil
	c.calmSince = time.Time{}
	c.calmHeld = false
	c.peak = 0
}

// FinishAndSave closes the session and hands its record to the store. A
// store failure is logged and returned, but the session is finalized either
// way. Calling it twice returns ErrFinalized.
func (c *Controller) FinishAndSave(ctx context.Context, notes string) (Record, string, error) {
	c.mu.Lock()
	if c.state == Finalized {
		c.mu.Unlock()
		return Record{}, "", ErrFinalized
	}
	now := c.clock.Now()
	c.foldSpanLocked(now)
	c.cancelTickerLocked()

	rec := Record{
		StartedAt:     c.sessionStarted,
		RelaxedAt:     now,
		DurationMs:    c.accumulated.Milliseconds(),
		TimeToRelaxMs: c.accumulated.Milliseconds(),
		PeakPct:       c.peak,
		Notes:         notes,
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if c.firstCalm != nil {
		rec.TimeToRelaxMs = c.firstCalm.Milliseconds()
	}
	c.shaking = false
	c.state = Finalized
	ev := c.eventLocked(EventFinished, now)
	store := c.store
	c.mu.Unlock()

	c.detach()
	c.dispatch([]Event{ev})

	if store == nil {
		return rec, "", nil
	}
	id, err := store.CreateSession(ctx, rec)
	if err != nil {
		c.log.Errorf("session: save failed: %v", err)
		return rec, "", fmt.Errorf("session: save: %w", err)
	}
	c.log.Infof("session: saved %s (stressed %d ms, relax %d ms, peak %.0f%%)",
		id, rec.DurationMs, rec.TimeToRelaxMs, rec.PeakPct*100)
	return rec, id, nil
}

// Snapshot returns the current state with the live elapsed time.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.clock.Now())
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) snapshotLocked(now time.Time) Snapshot {
	elapsed := c.accumulated
	if !c.activeSince.IsZero() && now.After(c.activeSince) {
		elapsed += now.Sub(c.activeSince)
	}
	s := Snapshot{
		State:           c.state.String(),
		Sensitivity:     c.sensitivity,
		SessionStarted:  c.sessionStarted,
		Shaking:         c.shaking,
		Intensity:       c.intensity,
		AccumulatedMs:   c.accumulated.Milliseconds(),
		ElapsedMs:       elapsed.Milliseconds(),
		PeakPct:         c.peak,
		HapticsEnabled:  c.haptics,
		DetectorEnabled: c.enabled,
	}
	if c.firstCalm != nil {
		ms := c.firstCalm.Milliseconds()
		s.FirstCalmMs = &ms
	}
	if !c.calmSince.IsZero() && now.After(c.calmSince) {
		s.CalmForMs = now.Sub(c.calmSince).Milliseconds()
	}
	return s
}

func (c *Controller) eventLocked(kind EventKind, now time.Time) Event {
	c.seq++
	return Event{Kind: kind, Snapshot: c.snapshotLocked(now), seq: c.seq}
}

// Observe registers fn for every event. The returned cancel is idempotent.
// fn must not call methods that emit events.
func (c *Controller) Observe(fn func(Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// dispatch delivers events to observers. An elapsed event built before an
// event that has already been delivered is stale and dropped, so observers
// never see an older snapshot after a newer one.
func (c *Controller) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, ev := range events {
		if ev.Kind == EventElapsed && ev.seq < c.lastSeq {
			continue
		}
		if ev.seq > c.lastSeq {
			c.lastSeq = ev.seq
		}
		for _, fn := range fns {
			fn(ev)
		}
	}
}
