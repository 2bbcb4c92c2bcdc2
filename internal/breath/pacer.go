// Package breath paces an inhale/hold/exhale cycle alongside a session.
package breath

import (
	"sync"
	"time"

	"github.com/relabs-tech/shake_relax/internal/clock"
)

type Phase string

const (
	Inhale Phase = "Inhale"
	Hold   Phase = "Hold"
	Exhale Phase = "Exhale"
)

const (
	InhaleFor = 4200 * time.Millisecond
	HoldFor   = 2200 * time.Millisecond
	ExhaleFor = 4200 * time.Millisecond

	Cycle        = InhaleFor + HoldFor + ExhaleFor
	PollInterval = 150 * time.Millisecond
)

// PhaseAt returns the phase at elapsed time into the cycle and how far
// through that phase it is, in [0,1).
func PhaseAt(elapsed time.Duration) (Phase, float64) {
	t := elapsed % Cycle
	if t < 0 {
		t += Cycle
	}
	switch {
	case t < InhaleFor:
		return Inhale, float64(t) / float64(InhaleFor)
	case t < InhaleFor+HoldFor:
		return Hold, float64(t-InhaleFor) / float64(HoldFor)
	default:
		return Exhale, float64(t-InhaleFor-HoldFor) / float64(ExhaleFor)
	}
}

// Scale is the breathing orb size: 1.0 at rest, 1.32 at full breath.
func Scale(elapsed time.Duration) float64 {
	phase, p := PhaseAt(elapsed)
	switch phase {
	case Inhale:
		return 1 + 0.32*easeInOutCubic(p)
	case Hold:
		return 1.32
	default:
		return 1.32 - 0.32*easeInOutCubic(p)
	}
}

func easeInOutCubic(p float64) float64 {
	if p < 0.5 {
		return 4 * p * p * p
	}
	q := -2*p + 2
	return 1 - q*q*q/2
}

// Haptic is the light tap fired on a phase change.
type Haptic interface {
	ImpactLight()
}

// Pacer polls the cycle and reports phase changes.
type Pacer struct {
	clock  clock.Clock
	haptic Haptic

	mu      sync.Mutex
	start   time.Time
	last    Phase
	haptics bool
	stop    func()
	onPhase func(Phase)
}

// NewPacer returns a stopped pacer. haptic may be nil.
func NewPacer(clk clock.Clock, haptic Haptic) *Pacer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Pacer{clock: clk, haptic: haptic, haptics: true, last: Inhale}
}

func (p *Pacer) SetHaptics(on bool) {
	p.mu.Lock()
	p.haptics = on
	p.mu.Unlock()
}

// OnPhase registers fn for every phase change.
func (p *Pacer) OnPhase(fn func(Phase)) {
	p.mu.Lock()
	p.onPhase = fn
	p.mu.Unlock()
}

// Start begins a fresh cycle at Inhale.
func (p *Pacer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.start = p.clock.Now()
	p.last = Inhale
	p.stop = p.clock.Every(PollInterval, p.poll)
}

func (p *Pacer) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Phase returns the phase as of the last poll.
func (p *Pacer) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Elapsed is the time since Start.
func (p *Pacer) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.start.IsZero() {
		return 0
	}
	return p.clock.Now().Sub(p.start)
}

func (p *Pacer) poll(now time.Time) {
	p.mu.Lock()
	if p.stop == nil {
		p.mu.Unlock()
		return
	}
	next, _ := PhaseAt(now.Sub(p.start))
	if next == p.last {
		p.mu.Unlock()
		return
	}
	p.last = next
	tap := p.haptics && p.haptic != nil
	fn := p.onPhase
	p.mu.Unlock()

	if tap {
		p.haptic.ImpactLight()
	}
	if fn != nil {
		fn(next)
	}
}
