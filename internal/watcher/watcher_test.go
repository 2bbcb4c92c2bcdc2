package watcher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/clock"
	"github.com/relabs-tech/shake_relax/internal/motion"
	"github.com/relabs-tech/shake_relax/internal/settings"
)

const step = 45 * time.Millisecond

type fakeNav struct {
	route string
	calls []string
	err   error
}

func (n *fakeNav) CurrentRouteName() string { return n.route }

func (n *fakeNav) NavigateTo(route string) error {
	n.calls = append(n.calls, route)
	return n.err
}

type fakeApp struct{ fg bool }

func (a *fakeApp) Foreground() bool { return a.fg }

type harness struct {
	clk *clock.Fake
	nav *fakeNav
	app *fakeApp
	w   *Watcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	est, err := motion.New(DefaultEstimatorConfig(), nil, clk, nil)
	if err != nil {
		t.Fatalf("estimator: %v", err)
	}
	h := &harness{clk: clk, nav: &fakeNav{route: "Main"}, app: &fakeApp{fg: true}}
	h.w, err = New(est, h.nav, h.app, DefaultConfig(), clk, nil)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	return h
}

func (h *harness) feed(shaking bool, d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		h.w.Evaluate(motion.Reading{Shaking: shaking, At: h.clk.Now()})
		h.clk.Advance(step)
	}
}

func TestFiresOncePerSustainedShake(t *testing.T) {
	h := newHarness(t)
	h.feed(true, 3*time.Second)

	if len(h.nav.calls) != 1 || h.nav.calls[0] != "Session" {
		t.Fatalf("expected exactly one navigation, got %v", h.nav.calls)
	}
	if h.w.Fired() != 1 {
		t.Fatalf("expected fired count 1, got %d", h.w.Fired())
	}
}

func TestShortShakeDoesNotFire(t *testing.T) {
	h := newHarness(t)
	h.feed(true, time.Second)
	h.feed(false, 500*time.Millisecond)
	h.feed(true, time.Second)
	if len(h.nav.calls) != 0 {
		t.Fatalf("expected no navigation for interrupted shakes, got %v", h.nav.calls)
	}
}

func TestRearmsOnlyAfterSignalClears(t *testing.T) {
	h := newHarness(t)
	h.feed(true, 2*time.Second)
	h.feed(true, 2*time.Second)
	if len(h.nav.calls) != 1 {
		t.Fatalf("prolonged shake must fire once, got %d", len(h.nav.calls))
	}

	h.feed(false, 100*time.Millisecond)
	h.feed(true, 2*time.Second)
	if len(h.nav.calls) != 2 {
		t.Fatalf("expected second navigation after clearing, got %d", len(h.nav.calls))
	}
}

func TestSuppressedOnTargetOrBackground(t *testing.T) {
	h := newHarness(t)
	h.nav.route = "Session"
	h.feed(true, 3*time.Second)
	if len(h.nav.calls) != 0 {
		t.Fatalf("must not navigate while already on the target route")
	}

	h.nav.route = "Main"
	h.app.fg = false
	h.feed(true, 3*time.Second)
	if len(h.nav.calls) != 0 {
		t.Fatalf("must not navigate while backgrounded")
	}

	// sustain restarts from the moment the app comes back
	h.app.fg = true
	h.feed(true, time.Second)
	if len(h.nav.calls) != 0 {
		t.Fatalf("sustain must restart after returning to foreground")
	}
	h.feed(true, 600*time.Millisecond)
	if len(h.nav.calls) != 1 {
		t.Fatalf("expected navigation once sustained in foreground, got %d", len(h.nav.calls))
	}
}

func TestSettingsToggle(t *testing.T) {
	h := newHarness(t)
	prefs := settings.NewMemory(settings.Defaults())
	unbind := h.w.BindSettings(prefs)
	defer unbind()

	off := false
	if _, err := prefs.Update(settings.Patch{Shake: &off}); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.feed(true, 3*time.Second)
	if len(h.nav.calls) != 0 {
		t.Fatalf("must not navigate with shake disabled")
	}

	on := true
	if _, err := prefs.Update(settings.Patch{Shake: &on}); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.feed(true, 2*time.Second)
	if len(h.nav.calls) != 1 {
		t.Fatalf("expected navigation after re-enabling, got %d", len(h.nav.calls))
	}
}

func TestNavigateErrorKeepsOneShot(t *testing.T) {
	h := newHarness(t)
	h.nav.err = errors.New("no route")
	hooked := 0
	h.w.OnFire(func(string) { hooked++ })

	h.feed(true, 3*time.Second)
	if len(h.nav.calls) != 1 || hooked != 0 {
		t.Fatalf("expected one failed attempt and no hook, calls=%d hooked=%d", len(h.nav.calls), hooked)
	}
	if h.w.Fired() != 0 {
		t.Fatalf("failed navigation counted as fired: %d", h.w.Fired())
	}

	h.nav.err = nil
	h.feed(false, 200*time.Millisecond)
	h.feed(true, 2*time.Second)
	if h.w.Fired() != 1 || hooked != 1 {
		t.Fatalf("expected one successful fire, fired=%d hooked=%d", h.w.Fired(), hooked)
	}
}

type countingSource struct {
	mu   sync.Mutex
	subs int
}

func (s *countingSource) Subscribe(func(accel.Sample)) (func(), error) {
	s.mu.Lock()
	s.subs++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.subs--
			s.mu.Unlock()
		})
	}, nil
}

func (s *countingSource) SetSampleInterval(time.Duration) {}

func (s *countingSource) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

func TestDisablingReleasesEstimator(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	src := &countingSource{}
	est, err := motion.New(DefaultEstimatorConfig(), src, clk, nil)
	if err != nil {
		t.Fatalf("estimator: %v", err)
	}
	w, err := New(est, &fakeNav{route: "Main"}, nil, DefaultConfig(), clk, nil)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}

	tests := []struct {
		name     string
		action   func()
		attached bool
	}{
		{"disabled before start", func() { w.SetEnabled(false) }, false},
		{"start while disabled", func() {
			if err := w.Start(); err != nil {
				t.Fatalf("start: %v", err)
			}
		}, false},
		{"enable", func() { w.SetEnabled(true) }, true},
		{"enable twice", func() { w.SetEnabled(true) }, true},
		{"disable", func() { w.SetEnabled(false) }, false},
		{"enable again", func() { w.SetEnabled(true) }, true},
		{"stop", w.Stop, false},
		{"enable after stop", func() { w.SetEnabled(true) }, false},
	}
	for _, tt := range tests {
		tt.action()
		if est.Attached() != tt.attached {
			t.Fatalf("%s: estimator attached=%v, want %v", tt.name, est.Attached(), tt.attached)
		}
		want := 0
		if tt.attached {
			want = 1
		}
		if src.active() != want {
			t.Fatalf("%s: %d source subscriptions, want %d", tt.name, src.active(), want)
		}
	}
}

func TestStartWithoutSensor(t *testing.T) {
	h := newHarness(t)
	if err := h.w.Start(); !errors.Is(err, motion.ErrSensorUnavailable) {
		t.Fatalf("expected ErrSensorUnavailable, got %v", err)
	}
	h.w.Stop()
	h.w.Stop()
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Sustain: time.Second}).Validate(); !errors.Is(err, motion.ErrInvalidConfig) {
		t.Fatalf("expected error for empty route, got %v", err)
	}
	if err := (Config{Sustain: -1, TargetRoute: "Session"}).Validate(); !errors.Is(err, motion.ErrInvalidConfig) {
		t.Fatalf("expected error for negative sustain, got %v", err)
	}
	if err := DefaultEstimatorConfig().Validate(); err != nil {
		t.Fatalf("default estimator config invalid: %v", err)
	}
}
