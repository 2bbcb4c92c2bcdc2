package app

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/export"
	"github.com/relabs-tech/shake_relax/internal/session"
)

const (
	displayWidth  = 128
	displayHeight = 64
)

// DisplayData holds the latest data for display
type DisplayData struct {
	mu sync.RWMutex

	snap     session.Snapshot
	haveSnap bool

	breath     BreathMessage
	haveBreath bool
}

func (d *DisplayData) setSnapshot(s session.Snapshot) {
	d.mu.Lock()
	d.snap = s
	d.haveSnap = true
	d.mu.Unlock()
}

func (d *DisplayData) setBreath(b BreathMessage) {
	d.mu.Lock()
	d.breath = b
	d.haveBreath = true
	d.mu.Unlock()
}

// displayFrame is a lock-free copy of DisplayData.
type displayFrame struct {
	snap       session.Snapshot
	haveSnap   bool
	breath     BreathMessage
	haveBreath bool
}

func (d *DisplayData) frame() displayFrame {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return displayFrame{snap: d.snap, haveSnap: d.haveSnap, breath: d.breath, haveBreath: d.haveBreath}
}

func newCanvas() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, displayWidth, displayHeight))
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	return img, drawer
}

func drawLine(d *font.Drawer, x, y int, s string) {
	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}

// stateLabel fits a session state in the 18 columns of a 7x13 font.
func stateLabel(s session.Snapshot) string {
	switch s.State {
	case session.NotStarted.String():
		return "Shake to begin"
	case session.Active.String():
		return "Shaking..."
	case session.Paused.String():
		return "Breathe"
	case session.CalmConfirmed.String():
		return "Calm reached"
	case session.Finalized.String():
		return "Saved"
	default:
		return s.State
	}
}

// renderSession draws the stressed time, the state, the peak and the breath
// guide. The bottom bar grows and shrinks with the breath scale.
func renderSession(f displayFrame) *image1bit.VerticalLSB {
	img, drawer := newCanvas()

	if !f.haveSnap {
		drawLine(drawer, 0, 26, "Shake & Relax")
		drawLine(drawer, 0, 39, "Waiting...")
		return img
	}

	drawLine(drawer, 0, 13, fmt.Sprintf("Stressed %s", export.MMSS(f.snap.ElapsedMs)))
	drawLine(drawer, 0, 26, stateLabel(f.snap))
	relax := "--:--"
	if f.snap.FirstCalmMs != nil {
		relax = export.MMSS(*f.snap.FirstCalmMs)
	}
	drawLine(drawer, 0, 39, fmt.Sprintf("Relax %s P%3.0f%%", relax, f.snap.PeakPct*100))

	if f.haveBreath && f.snap.State != session.Finalized.String() {
		drawLine(drawer, 0, 52, string(f.breath.Phase))
		width := int(f.breath.Scale * float64(displayWidth))
		if width > displayWidth {
			width = displayWidth
		}
		for x := 0; x < width; x++ {
			for y := displayHeight - 8; y < displayHeight; y++ {
				img.SetBit(x, y, image1bit.On)
			}
		}
	}
	return img
}

func showSplash(dev *ssd1306.Dev) error {
	img, drawer := newCanvas()
	drawLine(drawer, 10, 26, "Shake & Relax")
	drawLine(drawer, 5, 43, "Relabs Tech")
	return dev.Draw(dev.Bounds(), img, image.Point{})
}

// RunDisplay mirrors the current session on an SSD1306 OLED.
func RunDisplay(ctx context.Context, log *zap.SugaredLogger) error {
	cfg := config.Get()

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	bus, err := i2creg.Open(cfg.DisplayI2CBus)
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	defer dev.Halt()
	log.Infof("display: initialized on I2C bus %q", cfg.DisplayI2CBus)

	if err := showSplash(dev); err != nil {
		log.Warnf("display: error showing splash: %v", err)
	}

	data := &DisplayData{}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDDisplay, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	if err := subscribeJSON(client, cfg.TopicSessionState, log, data.setSnapshot); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicBreath, log, data.setBreath); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.DisplayInterval())
	defer ticker.Stop()

	log.Infof("display: starting update loop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			img := renderSession(data.frame())
			if err := dev.Draw(dev.Bounds(), img, image.Point{}); err != nil {
				log.Warnf("display: error updating display: %v", err)
			}
		}
	}
}
