package motion

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/clock"
)

type fakeSource struct {
	mu          sync.Mutex
	fns         map[int]func(accel.Sample)
	next        int
	interval    time.Duration
	subscribes  int
	unsubscribe int
	err         error
}

func newFakeSource() *fakeSource {
	return &fakeSource{fns: map[int]func(accel.Sample){}}
}

func (f *fakeSource) Subscribe(fn func(accel.Sample)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id := f.next
	f.next++
	f.fns[id] = fn
	f.subscribes++
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.fns, id)
			f.unsubscribe++
			f.mu.Unlock()
		})
	}, nil
}

func (f *fakeSource) SetSampleInterval(d time.Duration) {
	f.mu.Lock()
	f.interval = d
	f.mu.Unlock()
}

func (f *fakeSource) emit(s accel.Sample) {
	f.mu.Lock()
	fns := make([]func(accel.Sample), 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeSource) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

// dev returns a sample whose raw deviation from 1g is d.
func dev(d float64) accel.Sample {
	return accel.Sample{Z: 1 + d}
}

func testConfig() Config {
	return Config{
		SampleInterval: 50 * time.Millisecond,
		Alpha:          1,
		StartThreshold: 0.5,
		StopThreshold:  0.3,
		Grace:          time.Second,
	}
}

func newTestEstimator(t *testing.T, cfg Config, src accel.Source) (*Estimator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	e, err := New(cfg, src, clk, nil)
	if err != nil {
		t.Fatalf("new estimator: %v", err)
	}
	return e, clk
}

func TestConfigValidate(t *testing.T) {
	base := testConfig()
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.SampleInterval = 0 }},
		{"zero alpha", func(c *Config) { c.Alpha = 0 }},
		{"alpha above one", func(c *Config) { c.Alpha = 1.01 }},
		{"nan alpha", func(c *Config) { c.Alpha = math.NaN() }},
		{"zero start", func(c *Config) { c.StartThreshold = 0 }},
		{"zero stop", func(c *Config) { c.StopThreshold = 0 }},
		{"stop equals start", func(c *Config) { c.StopThreshold = c.StartThreshold }},
		{"stop above start", func(c *Config) { c.StopThreshold = c.StartThreshold + 0.1 }},
		{"negative grace", func(c *Config) { c.Grace = -time.Millisecond }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if _, err := New(cfg, nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected New to reject config, got %v", err)
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestProcessStartsShakingAtThreshold(t *testing.T) {
	e, _ := newTestEstimator(t, testConfig(), nil)

	if r := e.Process(dev(0.49)); r.Shaking {
		t.Fatalf("expected not shaking below start threshold")
	}
	r := e.Process(dev(0.5))
	if !r.Shaking {
		t.Fatalf("expected shaking at start threshold, intensity=%v", r.Intensity)
	}
	if math.Abs(r.Intensity-0.5) > 1e-9 {
		t.Fatalf("expected intensity 0.5 with alpha=1, got %v", r.Intensity)
	}
}

func TestProcessSmoothsWithAlpha(t *testing.T) {
	cfg := testConfig()
	cfg.Alpha = 0.5
	e, _ := newTestEstimator(t, cfg, nil)

	r := e.Process(dev(0.8))
	if math.Abs(r.Intensity-0.4) > 1e-9 {
		t.Fatalf("expected 0.4 after first sample, got %v", r.Intensity)
	}
	r = e.Process(dev(0.8))
	if math.Abs(r.Intensity-0.6) > 1e-9 {
		t.Fatalf("expected 0.6 after second sample, got %v", r.Intensity)
	}
}

func TestShakingStopsOnlyAfterGraceAndBelowStop(t *testing.T) {
	e, clk := newTestEstimator(t, testConfig(), nil)

	e.Process(dev(0.9))
	clk.Advance(500 * time.Millisecond)
	if r := e.Process(dev(0)); !r.Shaking {
		t.Fatalf("expected shaking to hold inside the grace window")
	}
	clk.Advance(499 * time.Millisecond)
	if r := e.Process(dev(0)); !r.Shaking {
		t.Fatalf("expected shaking to hold at 999ms")
	}
	clk.Advance(time.Millisecond)
	if r := e.Process(dev(0)); r.Shaking {
		t.Fatalf("expected shaking to stop once grace elapsed and intensity is below stop")
	}
}

func TestShakingHoldsInHysteresisBandAfterGrace(t *testing.T) {
	e, clk := newTestEstimator(t, testConfig(), nil)

	e.Process(dev(0.9))
	for i := 0; i < 100; i++ {
		clk.Advance(50 * time.Millisecond)
		d := 0.35
		if i%2 == 0 {
			d = 0.45
		}
		if r := e.Process(dev(d)); !r.Shaking {
			t.Fatalf("sample %d: expected shaking to hold in the band, intensity=%v", i, r.Intensity)
		}
	}
}

func TestHysteresisNeverStartsFromBand(t *testing.T) {
	e, clk := newTestEstimator(t, testConfig(), nil)
	for i := 0; i < 100; i++ {
		clk.Advance(50 * time.Millisecond)
		d := 0.31
		if i%2 == 0 {
			d = 0.49
		}
		if r := e.Process(dev(d)); r.Shaking {
			t.Fatalf("sample %d: expected not shaking in the band, intensity=%v", i, r.Intensity)
		}
	}
}

func TestBaselineAbsorbsRestingTilt(t *testing.T) {
	cfg := testConfig()
	cfg.Alpha = 0.2
	e, clk := newTestEstimator(t, cfg, nil)

	var r Reading
	for i := 0; i < 600; i++ {
		clk.Advance(50 * time.Millisecond)
		r = e.Process(dev(0.1))
	}
	if r.Intensity > 0.01 {
		t.Fatalf("expected baseline to absorb a constant tilt, intensity=%v", r.Intensity)
	}
	if st := e.State(); st.Baseline < 0.09 || st.Baseline > 0.1 {
		t.Fatalf("expected baseline close to 0.1, got %v", st.Baseline)
	}
}

func TestBaselineSnapsDownToQuietSignal(t *testing.T) {
	e, _ := newTestEstimator(t, testConfig(), nil)
	for i := 0; i < 300; i++ {
		e.Process(dev(0.2))
	}
	e.Process(dev(0.01))
	st := e.State()
	if st.Baseline != st.LastDelta || math.Abs(st.Baseline-0.01) > 1e-9 {
		t.Fatalf("expected baseline snapped to the raw delta 0.01, got %v", st.Baseline)
	}
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	cfg := testConfig()
	cfg.Alpha = 0.3
	e, clk := newTestEstimator(t, cfg, nil)
	rng := rand.New(rand.NewSource(7))

	var lastAbove time.Time
	prevShaking := false
	for i := 0; i < 5000; i++ {
		clk.Advance(time.Duration(20+rng.Intn(60)) * time.Millisecond)
		s := accel.Sample{X: rng.NormFloat64() * 0.4, Y: rng.NormFloat64() * 0.4, Z: 1 + rng.NormFloat64()*0.4}
		if i%97 == 0 {
			s.X = math.NaN()
		}
		r := e.Process(s)
		st := e.State()

		if r.Intensity < 0 || st.Baseline < 0 {
			t.Fatalf("sample %d: negative state ema=%v baseline=%v", i, r.Intensity, st.Baseline)
		}
		if st.Baseline > st.LastDelta {
			t.Fatalf("sample %d: baseline %v above raw delta %v", i, st.Baseline, st.LastDelta)
		}
		if r.Intensity >= cfg.StartThreshold {
			lastAbove = r.At
		}
		if prevShaking && !r.Shaking {
			if r.At.Sub(lastAbove) < cfg.Grace {
				t.Fatalf("sample %d: stopped %v after last above-start sample", i, r.At.Sub(lastAbove))
			}
			if r.Intensity > cfg.StopThreshold {
				t.Fatalf("sample %d: stopped while intensity %v above stop", i, r.Intensity)
			}
		}
		prevShaking = r.Shaking
	}
}

func TestReconfigureKeepsState(t *testing.T) {
	e, _ := newTestEstimator(t, testConfig(), nil)
	e.Process(dev(0.6))

	cfg := testConfig()
	cfg.StartThreshold = 0.8
	cfg.StopThreshold = 0.4
	if err := e.Reconfigure(cfg); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	st := e.State()
	if !st.Shaking || math.Abs(st.EMA-0.6) > 1e-9 {
		t.Fatalf("expected state kept across reconfigure, got %+v", st)
	}
	bad := cfg
	bad.StopThreshold = 0.9
	if err := e.Reconfigure(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
	if e.Config().StartThreshold != 0.8 {
		t.Fatalf("expected rejected config not to apply")
	}
}

func TestSubscribeAttachesAndLastUnsubscribeDetaches(t *testing.T) {
	src := newFakeSource()
	e, _ := newTestEstimator(t, testConfig(), src)

	var got1, got2 []Reading
	unsub1, err := e.Subscribe(func(r Reading) { got1 = append(got1, r) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub2, err := e.Subscribe(func(r Reading) { got2 = append(got2, r) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if src.subscribes != 1 {
		t.Fatalf("expected a single source subscription, got %d", src.subscribes)
	}
	if src.interval != 50*time.Millisecond {
		t.Fatalf("expected sample interval set, got %v", src.interval)
	}

	src.emit(dev(0.7))
	if len(got1) != 1 || len(got2) != 1 || !got1[0].Shaking {
		t.Fatalf("expected both listeners to see a shaking reading, got %v %v", got1, got2)
	}

	unsub1()
	unsub1()
	if src.listeners() != 1 {
		t.Fatalf("expected source to stay attached while a listener remains")
	}
	unsub2()
	if src.listeners() != 0 || e.Attached() {
		t.Fatalf("expected source detached after last unsubscribe")
	}

	if _, err := e.Subscribe(func(Reading) {}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if src.subscribes != 2 {
		t.Fatalf("expected source reattached, got %d subscribes", src.subscribes)
	}
}

func TestSubscribeWithoutSensorReportsOnce(t *testing.T) {
	e, _ := newTestEstimator(t, testConfig(), nil)

	_, err := e.Subscribe(func(Reading) {})
	if !errors.Is(err, ErrSensorUnavailable) {
		t.Fatalf("expected ErrSensorUnavailable, got %v", err)
	}
	if _, err := e.Subscribe(func(Reading) {}); err != nil {
		t.Fatalf("expected the error to surface once, got %v", err)
	}
	r := e.Reading()
	if r.Intensity != 0 || r.Shaking {
		t.Fatalf("expected no motion, got %+v", r)
	}
}

func TestSubscribeSourceErrorIsNotRetried(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("permission denied")
	e, _ := newTestEstimator(t, testConfig(), src)

	if _, err := e.Subscribe(func(Reading) {}); !errors.Is(err, ErrSensorUnavailable) {
		t.Fatalf("expected ErrSensorUnavailable, got %v", err)
	}
	src.err = nil
	if _, err := e.Subscribe(func(Reading) {}); err != nil {
		t.Fatalf("expected no second error, got %v", err)
	}
	if src.subscribes != 0 {
		t.Fatalf("expected no retry against the source, got %d", src.subscribes)
	}
}
