package breath

import (
	"math"
	"testing"
	"time"

	"github.com/relabs-tech/shake_relax/internal/clock"
)

func TestPhaseAt(t *testing.T) {
	cases := []struct {
		at   time.Duration
		want Phase
	}{
		{0, Inhale},
		{4199 * time.Millisecond, Inhale},
		{4200 * time.Millisecond, Hold},
		{6399 * time.Millisecond, Hold},
		{6400 * time.Millisecond, Exhale},
		{10599 * time.Millisecond, Exhale},
		{10600 * time.Millisecond, Inhale},
		{Cycle + 5*time.Second, Hold},
		{-time.Second, Exhale},
	}
	for _, tc := range cases {
		if got, _ := PhaseAt(tc.at); got != tc.want {
			t.Fatalf("PhaseAt(%v) = %s, want %s", tc.at, got, tc.want)
		}
	}
}

func TestScaleBounds(t *testing.T) {
	if s := Scale(0); math.Abs(s-1) > 1e-9 {
		t.Fatalf("expected rest scale at start, got %v", s)
	}
	if s := Scale(5 * time.Second); s != 1.32 {
		t.Fatalf("expected full scale during hold, got %v", s)
	}
	for at := time.Duration(0); at < Cycle; at += 50 * time.Millisecond {
		if s := Scale(at); s < 1-1e-9 || s > 1.32+1e-9 {
			t.Fatalf("scale out of range at %v: %v", at, s)
		}
	}
}

type taps struct{ n int }

func (t *taps) ImpactLight() { t.n++ }

func TestPacerEmitsPhaseChanges(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tp := &taps{}
	p := NewPacer(clk, tp)
	var seen []Phase
	p.OnPhase(func(ph Phase) { seen = append(seen, ph) })

	p.Start()
	clk.Advance(Cycle + time.Second)

	want := []Phase{Hold, Exhale, Inhale}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
	if tp.n != 3 {
		t.Fatalf("expected a tap per change, got %d", tp.n)
	}

	p.SetHaptics(false)
	clk.Advance(5 * time.Second)
	if tp.n != 3 {
		t.Fatalf("expected no taps with haptics off, got %d", tp.n)
	}

	p.Stop()
	p.Stop()
	if clk.Active() != 0 {
		t.Fatalf("expected poller stopped")
	}
}
