// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sensors provides accelerometer sources: a polled MPU9250 on SPI,
// a mock generator, MQTT and serial feeds. Every source is a Hub, so the
// device is only sampled while someone is subscribed.
package sensors

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/clock"
	"github.com/relabs-tech/shake_relax/internal/metrics"
)

// DefaultInterval is used until a subscriber asks for something else.
const DefaultInterval = 50 * time.Millisecond

// Hub fans samples out to subscribers. start runs when the first subscriber
// arrives and the stop func it returns runs when the last one leaves.
// The last SetSampleInterval wins; a running hub restarts with it.
type Hub struct {
	name string
	log  *zap.SugaredLogger

	start func(interval time.Duration, publish func(accel.Sample)) (stop func(), err error)

	mu       sync.Mutex
	subs     map[int]func(accel.Sample)
	nextID   int
	interval time.Duration
	stop     func()
}

var _ accel.Source = (*Hub)(nil)

func newHub(name string, log *zap.SugaredLogger, start func(time.Duration, func(accel.Sample)) (func(), error)) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		name:     name,
		log:      log,
		start:    start,
		subs:     map[int]func(accel.Sample){},
		interval: DefaultInterval,
	}
}

// Reader returns one sample in g.
type Reader func() (accel.Sample, error)

// NewPollingHub samples read every interval on clk while subscribed. Read
// errors are logged and counted; the sample is skipped.
func NewPollingHub(name string, read Reader, clk clock.Clock, log *zap.SugaredLogger) *Hub {
	h := newHub(name, log, nil)
	h.start = func(interval time.Duration, publish func(accel.Sample)) (func(), error) {
		return clk.Every(interval, func(time.Time) {
			s, err := read()
			if err != nil {
				metrics.IncSensorError(name)
				h.log.Debugf("%s: read error: %v", name, err)
				return
			}
			publish(s)
		}), nil
	}
	return h
}

func (h *Hub) Name() string { return h.name }

func (h *Hub) Subscribe(fn func(accel.Sample)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.subs) == 0 {
		stop, err := h.start(h.interval, h.publish)
		if err != nil {
			return func() {}, fmt.Errorf("%s: start: %w", h.name, err)
		}
		h.stop = stop
		h.log.Infof("%s: sampling every %v", h.name, h.interval)
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(id) })
	}, nil
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	delete(h.subs, id)
	var stop func()
	if len(h.subs) == 0 && h.stop != nil {
		stop, h.stop = h.stop, nil
	}
	h.mu.Unlock()

	if stop != nil {
		stop()
		h.log.Infof("%s: stopped", h.name)
	}
}

func (h *Hub) SetSampleInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	if d == h.interval {
		h.mu.Unlock()
		return
	}
	h.interval = d
	old := h.stop
	h.stop = nil
	h.mu.Unlock()

	if old == nil {
		return
	}
	old()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 || h.stop != nil {
		return
	}
	stop, err := h.start(h.interval, h.publish)
	if err != nil {
		h.log.Errorf("%s: restart at %v: %v", h.name, d, err)
		return
	}
	h.stop = stop
}

// Interval returns the current sampling period.
func (h *Hub) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Running reports whether the underlying device is being sampled.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

func (h *Hub) publish(s accel.Sample) {
	if !accel.Finite(s) {
		metrics.IncSensorError(h.name)
		return
	}
	h.mu.Lock()
	fns := make([]func(accel.Sample), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
