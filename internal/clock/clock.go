// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package clock abstracts wall-clock reads and repeating timers so the
// estimator, controller and watcher can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time and cancellable repeating callbacks.
type Clock interface {
	Now() time.Time
	// Every calls fn every d until stop is called. stop is idempotent.
	Every(d time.Duration, fn func(now time.Time)) (stop func())
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Every(d time.Duration, fn func(now time.Time)) func() {
	ticker := time.NewTicker(d)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case t := <-ticker.C:
				fn(t)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
