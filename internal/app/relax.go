// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/breath"
	"github.com/relabs-tech/shake_relax/internal/clock"
	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/metrics"
	"github.com/relabs-tech/shake_relax/internal/motion"
	"github.com/relabs-tech/shake_relax/internal/sensors"
	"github.com/relabs-tech/shake_relax/internal/session"
	"github.com/relabs-tech/shake_relax/internal/settings"
	"github.com/relabs-tech/shake_relax/internal/store"
)

// feedbackPublisher forwards haptic requests to the companion device.
type feedbackPublisher struct {
	pub   publisher
	topic string
	clock clock.Clock
	log   *zap.SugaredLogger
}

func (f *feedbackPublisher) send(kind string) {
	if err := f.pub.Publish(f.topic, false, FeedbackMessage{Kind: kind, At: f.clock.Now()}); err != nil {
		f.log.Warnf("feedback: %v", err)
	}
}

func (f *feedbackPublisher) NotifySuccess() { f.send("success") }
func (f *feedbackPublisher) ImpactLight()   { f.send("impact_light") }

// relaxService owns the current session. A finished session stays on screen
// until a "new" command or a navigation to the session route replaces it.
type relaxService struct {
	cfg   *config.Config
	est   *motion.Estimator
	store session.Store
	prefs *settings.Store
	pub   publisher
	fb    *feedbackPublisher
	pacer *breath.Pacer
	clock clock.Clock
	log   *zap.SugaredLogger

	mu       sync.Mutex
	ctrl     *session.Controller
	cleanups []func()
}

func newRelaxService(cfg *config.Config, est *motion.Estimator, st session.Store, prefs *settings.Store, pub publisher, clk clock.Clock, log *zap.SugaredLogger) *relaxService {
	fb := &feedbackPublisher{pub: pub, topic: cfg.TopicFeedback, clock: clk, log: log}
	s := &relaxService{
		cfg:   cfg,
		est:   est,
		store: st,
		prefs: prefs,
		pub:   pub,
		fb:    fb,
		pacer: breath.NewPacer(clk, fb),
		clock: clk,
		log:   log,
	}
	s.pacer.OnPhase(func(p breath.Phase) {
		msg := BreathMessage{Phase: p, Scale: breath.Scale(s.pacer.Elapsed())}
		if err := s.pub.Publish(s.cfg.TopicBreath, true, msg); err != nil {
			s.log.Warnf("breath: %v", err)
		}
	})
	return s
}

// begin replaces any current session with a fresh one. A missing sensor is
// logged and the session runs without motion.
func (s *relaxService) begin() error {
	s.end()
	s.est.Reset()

	ctrl, err := session.New(s.est, s.store, s.fb, s.cfg.SessionOptions(), s.clock, s.log)
	if err != nil {
		return err
	}

	var cleanups []func()
	cleanups = append(cleanups, ctrl.Observe(s.onEvent))
	cleanups = append(cleanups, ctrl.BindSettings(s.prefs))
	s.pacer.SetHaptics(s.prefs.Get().Haptics)
	cleanups = append(cleanups, s.prefs.Subscribe(func(p settings.Prefs) { s.pacer.SetHaptics(p.Haptics) }))

	s.mu.Lock()
	s.ctrl = ctrl
	s.cleanups = cleanups
	s.mu.Unlock()

	if err := ctrl.Start(); err != nil && !errors.Is(err, motion.ErrSensorUnavailable) {
		return err
	}
	s.pacer.Start()
	s.publishRoute(s.cfg.WatcherTargetRoute)
	s.publishState(ctrl.Snapshot())
	s.log.Infof("session: new session ready")
	return nil
}

func (s *relaxService) end() {
	s.mu.Lock()
	ctrl := s.ctrl
	cleanups := s.cleanups
	s.ctrl = nil
	s.cleanups = nil
	s.mu.Unlock()

	for _, fn := range cleanups {
		fn()
	}
	if ctrl != nil {
		ctrl.Close()
	}
	s.pacer.Stop()
}

func (s *relaxService) current() *session.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

func (s *relaxService) handleCommand(ctx context.Context, cmd Command) error {
	switch cmd.Action {
	case ActionNew:
		return s.begin()
	}

	ctrl := s.current()
	if ctrl == nil {
		return fmt.Errorf("session: no active session for %q", cmd.Action)
	}

	switch cmd.Action {
	case ActionRestart:
		if ctrl.State() == session.Finalized {
			return session.ErrFinalized
		}
		ctrl.Restart()
		s.pacer.Stop()
		s.pacer.Start()
		return nil

	case ActionFinish:
		rec, id, err := ctrl.FinishAndSave(ctx, cmd.Notes)
		if errors.Is(err, session.ErrFinalized) {
			return err
		}
		s.pacer.Stop()

		msg := RecordMessage{ID: id, Record: rec, Saved: err == nil}
		result := metrics.ResultSaved
		if err != nil {
			msg.Error = err.Error()
			result = metrics.ResultError
		}
		metrics.ObserveSessionFinished(result,
			time.Duration(rec.DurationMs)*time.Millisecond,
			time.Duration(rec.TimeToRelaxMs)*time.Millisecond)
		if perr := s.pub.Publish(s.cfg.TopicSessionRecord, false, msg); perr != nil {
			s.log.Warnf("session: %v", perr)
		}
		s.publishRoute(RouteHome)
		return err
	}
	return fmt.Errorf("session: unknown action %q", cmd.Action)
}

// handleNavigate opens a fresh session when something navigates to the
// session route and the current one is already finished.
func (s *relaxService) handleNavigate(route string) {
	if route != s.cfg.WatcherTargetRoute {
		return
	}
	if ctrl := s.current(); ctrl != nil && ctrl.State() != session.Finalized {
		s.publishRoute(route)
		return
	}
	if err := s.begin(); err != nil {
		s.log.Errorf("session: open on navigate: %v", err)
	}
}

func (s *relaxService) onEvent(ev session.Event) {
	snap := ev.Snapshot
	switch ev.Kind {
	case session.EventShaking:
		metrics.ObserveTransition("session", true)
		metrics.ObserveReading("session", true, snap.Intensity)
	case session.EventPaused:
		metrics.ObserveTransition("session", false)
		metrics.ObserveReading("session", false, snap.Intensity)
	case session.EventElapsed:
		metrics.ObserveReading("session", snap.Shaking, snap.Intensity)
	case session.EventCalmConfirmed:
		metrics.IncCalmConfirmed()
		s.log.Infof("session: calm confirmed after %d ms stressed", snap.AccumulatedMs)
	}
	s.publishState(snap)
}

func (s *relaxService) publishState(snap session.Snapshot) {
	if err := s.pub.Publish(s.cfg.TopicSessionState, true, snap); err != nil {
		s.log.Warnf("session: %v", err)
	}
}

func (s *relaxService) publishRoute(route string) {
	if err := s.pub.Publish(s.cfg.TopicRoute, true, RouteMessage{Route: route, At: s.clock.Now()}); err != nil {
		s.log.Warnf("route: %v", err)
	}
}

// RunRelax runs the session screen: accelerometer, estimator and controller,
// with state published on MQTT and commands taken from it.
func RunRelax(ctx context.Context, log *zap.SugaredLogger) error {
	cfg := config.Get()
	clk := clock.Real()

	serveMetrics(ctx, cfg.MetricsPortFor(config.MetricsRelax), log)

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDRelax, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	prefs, err := settings.Open(cfg.SettingsPath, log)
	if err != nil {
		return err
	}
	go func() {
		if err := prefs.Watch(ctx); err != nil {
			log.Warnf("settings: %v", err)
		}
	}()

	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sampleClient, err := openSampleClient(cfg, cfg.MQTTClientIDRelax, log)
	if err != nil {
		return err
	}
	if sampleClient != nil {
		defer sampleClient.Disconnect(250)
	}

	src, err := sensors.Open(cfg, sampleClient, clk, log)
	if err != nil {
		log.Warnf("sensors: %v; running without motion", err)
	}
	var source accel.Source
	if src != nil {
		source = src
	}
	est, err := motion.New(cfg.SessionEstimator(session.SensitivityMedium), source, clk, log)
	if err != nil {
		return err
	}

	svc := newRelaxService(cfg, est, store.UserSessions{Store: db, UserID: cfg.UserID}, prefs, mqttPublisher{client: client}, clk, log)
	if err := svc.begin(); err != nil {
		return err
	}
	defer svc.end()

	if err := subscribeJSON(client, cfg.TopicSessionCommand, log, func(cmd Command) {
		if err := svc.handleCommand(ctx, cmd); err != nil {
			log.Warnf("session: %s: %v", cmd.Action, err)
		}
	}); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicNavigate, log, func(msg RouteMessage) {
		svc.handleNavigate(msg.Route)
	}); err != nil {
		return err
	}

	<-ctx.Done()
	log.Infof("session: shutting down")
	return nil
}
