package sensors

import (
	"errors"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/calibration"
	"github.com/relabs-tech/shake_relax/internal/clock"
	"github.com/relabs-tech/shake_relax/internal/config"
)

func newClock() *clock.Fake {
	return clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
}

func TestPollingHubSamplesOnlyWhileSubscribed(t *testing.T) {
	clk := newClock()
	reads := 0
	h := NewPollingHub("test", func() (accel.Sample, error) {
		reads++
		return accel.Sample{Z: 1}, nil
	}, clk, zap.NewNop().Sugar())

	clk.Advance(time.Second)
	if reads != 0 || h.Running() {
		t.Fatalf("hub sampled without subscribers")
	}

	var a, b int
	unsubA, err := h.Subscribe(func(accel.Sample) { a++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsubB, _ := h.Subscribe(func(accel.Sample) { b++ })
	clk.Advance(10 * DefaultInterval)
	if a != 10 || b != 10 {
		t.Fatalf("expected 10 samples each, got a=%d b=%d", a, b)
	}

	unsubA()
	unsubA()
	if !h.Running() {
		t.Fatalf("hub stopped while a subscriber remains")
	}
	unsubB()
	if h.Running() || clk.Active() != 0 {
		t.Fatalf("hub still running after last unsubscribe")
	}
	before := reads
	clk.Advance(time.Second)
	if reads != before {
		t.Fatalf("device read after stop")
	}
}

func TestPollingHubIntervalChangeRestarts(t *testing.T) {
	clk := newClock()
	h := NewPollingHub("test", func() (accel.Sample, error) { return accel.Sample{Z: 1}, nil }, clk, nil)

	n := 0
	unsub, _ := h.Subscribe(func(accel.Sample) { n++ })
	defer unsub()

	h.SetSampleInterval(100 * time.Millisecond)
	if h.Interval() != 100*time.Millisecond || clk.Active() != 1 {
		t.Fatalf("expected one timer at 100ms, got %v with %d timers", h.Interval(), clk.Active())
	}
	clk.Advance(time.Second)
	if n != 10 {
		t.Fatalf("expected 10 samples at 100ms, got %d", n)
	}
	h.SetSampleInterval(0)
	if h.Interval() != 100*time.Millisecond {
		t.Fatalf("non-positive interval must be ignored")
	}
}

func TestPollingHubSkipsBadSamples(t *testing.T) {
	clk := newClock()
	i := 0
	h := NewPollingHub("test", func() (accel.Sample, error) {
		i++
		switch i {
		case 1:
			return accel.Sample{}, errors.New("spi timeout")
		case 2:
			return accel.Sample{X: math.NaN()}, nil
		}
		return accel.Sample{Z: 1}, nil
	}, clk, nil)

	var got []accel.Sample
	unsub, _ := h.Subscribe(func(s accel.Sample) { got = append(got, s) })
	defer unsub()
	clk.Advance(3 * DefaultInterval)
	if len(got) != 1 || got[0].Z != 1 {
		t.Fatalf("expected only the good sample, got %v", got)
	}
}

func TestMockPattern(t *testing.T) {
	p := DefaultMockPattern()
	peak := 0.0
	for ms := 0; ms < 4000; ms += 10 {
		d := math.Abs(accel.Magnitude(p.Sample(time.Duration(ms)*time.Millisecond)) - 1)
		peak = math.Max(peak, d)
	}
	if peak < 0.3 {
		t.Fatalf("shake phase too weak: peak deviation %v", peak)
	}
	for ms := 5000; ms < 14000; ms += 10 {
		d := math.Abs(accel.Magnitude(p.Sample(time.Duration(ms)*time.Millisecond)) - 1)
		if d > 0.02 {
			t.Fatalf("rest phase moved %vg at %dms", d, ms)
		}
	}
	// The pattern repeats.
	cycle := p.Shake + p.Rest
	peak = 0
	for ms := 0; ms < 4000; ms += 10 {
		d := math.Abs(accel.Magnitude(p.Sample(cycle+time.Duration(ms)*time.Millisecond)) - 1)
		peak = math.Max(peak, d)
	}
	if peak < 0.3 {
		t.Fatalf("second cycle does not shake: peak deviation %v", peak)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		in      string
		want    accel.Sample
		wantErr bool
	}{
		{in: "0.01,-0.02,1.00", want: accel.Sample{X: 0.01, Y: -0.02, Z: 1}},
		{in: "0 0 1", want: accel.Sample{Z: 1}},
		{in: "0.5;\t0.5; 0.5", want: accel.Sample{X: 0.5, Y: 0.5, Z: 0.5}},
		{in: "1,2", wantErr: true},
		{in: "a,b,c", wantErr: true},
		{in: "1,2,NaN", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLine(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseLine(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseLine(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

type pipePort struct {
	*io.PipeReader
}

func (pipePort) Write(p []byte) (int, error) { return len(p), nil }

func TestLineHubStreamsAndClosesPort(t *testing.T) {
	r, w := io.Pipe()
	opened := 0
	h := newLineHub("serial", func() (io.ReadWriteCloser, error) {
		opened++
		return pipePort{r}, nil
	}, nil)

	var (
		mu  sync.Mutex
		got []accel.Sample
	)
	done := make(chan struct{})
	unsub, err := h.Subscribe(func(s accel.Sample) {
		mu.Lock()
		got = append(got, s)
		n := len(got)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := io.Copy(w, strings.NewReader("# hello\n0,0,1\ngarbage\n0.5,0,1\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for samples")
	}
	unsub()
	if opened != 1 || h.Running() {
		t.Fatalf("expected port opened once and closed, opened=%d running=%v", opened, h.Running())
	}
	if _, err := w.Write([]byte("0,0,1\n")); err == nil {
		t.Fatalf("expected write to closed port to fail")
	}
}

func TestLineHubOpenError(t *testing.T) {
	h := newLineHub("serial", func() (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}, nil)
	if _, err := h.Subscribe(func(accel.Sample) {}); err == nil {
		t.Fatalf("expected open error")
	}
	if h.Running() {
		t.Fatalf("hub running after failed start")
	}
}

func TestLoadGain(t *testing.T) {
	log := zap.NewNop().Sugar()
	if g, err := LoadGain("", 0, log); err != nil || g != 1 {
		t.Fatalf("expected gain 1 without a file, got %v %v", g, err)
	}
	dir := t.TempDir()
	if g, err := LoadGain(filepath.Join(dir, "missing.json"), 0, log); err != nil || g != 1 {
		t.Fatalf("expected gain 1 for a missing file, got %v %v", g, err)
	}

	samples := make([]accel.Raw, calibration.MinSamples)
	for i := range samples {
		samples[i] = accel.Raw{Az: 17203}
	}
	res, err := calibration.Compute("mpu9250", 0, samples, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	path := filepath.Join(dir, "accel.json")
	if err := calibration.Save(path, res); err != nil {
		t.Fatalf("save: %v", err)
	}
	if g, err := LoadGain(path, 0, log); err != nil || g != res.Gain {
		t.Fatalf("expected gain %v, got %v %v", res.Gain, g, err)
	}
	if _, err := LoadGain(path, 2, log); err == nil {
		t.Fatalf("expected range mismatch error")
	}
}

func TestOpenMockAndErrors(t *testing.T) {
	cfg := config.Defaults()
	h, err := Open(cfg, nil, newClock(), zap.NewNop().Sugar())
	if err != nil || h.Name() != "mock" {
		t.Fatalf("expected mock hub, got %v %v", h, err)
	}
	cfg.SensorSource = config.SourceMQTT
	if _, err := Open(cfg, nil, newClock(), zap.NewNop().Sugar()); err == nil {
		t.Fatalf("expected error for mqtt without client")
	}
}

type fixedRaw struct {
	raw accel.Raw
	err error
}

func (f fixedRaw) ReadRaw() (accel.Raw, error) { return f.raw, f.err }

func TestReadCalibrated(t *testing.T) {
	s, err := ReadCalibrated(fixedRaw{raw: accel.Raw{Az: 8356}}, 1, 1/1.02)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if math.Abs(s.Z-1) > 1e-3 || s.X != 0 {
		t.Fatalf("expected 1g on Z after gain, got %+v", s)
	}

	boom := errors.New("spi timeout")
	if _, err := ReadCalibrated(fixedRaw{err: boom}, 0, 1); !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
}
