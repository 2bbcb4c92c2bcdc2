// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/calibration"
	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/sensors"
)

// CalibrationOptions control one rest capture.
type CalibrationOptions struct {
	Device   string
	Samples  int
	Interval time.Duration
	Output   string
}

func (o CalibrationOptions) validate() error {
	if o.Samples < calibration.MinSamples {
		return fmt.Errorf("calibration: need at least %d samples, got %d", calibration.MinSamples, o.Samples)
	}
	if o.Interval <= 0 {
		return fmt.Errorf("calibration: sample interval must be positive")
	}
	if o.Output == "" {
		return fmt.Errorf("calibration: output path is empty")
	}
	return nil
}

// calibrator captures the accelerometer at rest and computes its gain.
type calibrator struct {
	reader    sensors.RawReader
	rangeCode byte
	opts      CalibrationOptions
	now       func() time.Time
	log       *zap.SugaredLogger
}

func (c *calibrator) capture(ctx context.Context, progress func(float64)) (calibration.Result, error) {
	samples, err := calibration.Collect(ctx, c.reader.ReadRaw, c.opts.Samples, c.opts.Interval, progress)
	if err != nil {
		return calibration.Result{}, err
	}
	return calibration.Compute(c.opts.Device, c.rangeCode, samples, c.now())
}

// WebSocket message types
type WSMessage struct {
	Action string `json:"action"` // capture, save, cancel
}

type WSResponse struct {
	Type     string              `json:"type"` // progress, result, saved, error
	Progress float64             `json:"progress,omitempty"`
	Result   *calibration.Result `json:"result,omitempty"`
	Path     string              `json:"path,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// CalibrationSession is one websocket client driving captures.
type CalibrationSession struct {
	cal  *calibrator
	conn *websocket.Conn

	mu     sync.Mutex
	result *calibration.Result
}

func (s *CalibrationSession) send(resp WSResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(resp); err != nil {
		s.cal.log.Debugf("calibration: websocket write error: %v", err)
	}
}

func (s *CalibrationSession) sendError(msg string) {
	s.send(WSResponse{Type: "error", Message: msg})
}

func (s *CalibrationSession) runCapture(ctx context.Context) {
	res, err := s.cal.capture(ctx, func(done float64) {
		s.send(WSResponse{Type: "progress", Progress: done * 100})
	})
	if err != nil {
		s.sendError(err.Error())
		return
	}
	s.mu.Lock()
	s.result = &res
	s.mu.Unlock()
	s.send(WSResponse{Type: "result", Result: &res})
}

func (s *CalibrationSession) save() {
	s.mu.Lock()
	res := s.result
	s.mu.Unlock()
	if res == nil {
		s.sendError("nothing captured yet")
		return
	}
	if err := calibration.Save(s.cal.opts.Output, *res); err != nil {
		s.sendError(err.Error())
		return
	}
	s.cal.log.Infof("calibration: saved to %s (gain %.4f)", s.cal.opts.Output, res.Gain)
	s.send(WSResponse{Type: "saved", Path: s.cal.opts.Output})
}

// handleWS runs captures on request. A capture blocks the session until it
// finishes or the client cancels.
func (c *calibrator) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warnf("calibration: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := &CalibrationSession{cal: c, conn: conn}
	var (
		wg      sync.WaitGroup
		running bool
		runMu   sync.Mutex
		stop    context.CancelFunc
	)
	defer wg.Wait()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.log.Debugf("calibration: websocket read error: %v", err)
			cancel()
			return
		}

		switch msg.Action {
		case "capture":
			runMu.Lock()
			if running {
				runMu.Unlock()
				sess.sendError("capture already running")
				continue
			}
			running = true
			var capCtx context.Context
			capCtx, stop = context.WithCancel(ctx)
			runMu.Unlock()

			wg.Add(1)
			go func(stop context.CancelFunc) {
				defer wg.Done()
				defer stop()
				sess.runCapture(capCtx)
				runMu.Lock()
				running = false
				runMu.Unlock()
			}(stop)

		case "save":
			sess.save()

		case "cancel":
			runMu.Lock()
			if running && stop != nil {
				stop()
			}
			runMu.Unlock()
			c.log.Infof("calibration: cancelled by user")

		default:
			sess.sendError(fmt.Sprintf("unknown action %q", msg.Action))
		}
	}
}

// runInteractive prompts on out, waits for Enter on in, captures and saves.
func (c *calibrator) runInteractive(ctx context.Context, in io.Reader, out io.Writer) (calibration.Result, error) {
	fmt.Fprintf(out, "Place the device on a flat, steady surface and press Enter...\n")
	if _, err := bufio.NewReader(in).ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
		return calibration.Result{}, err
	}

	last := -1
	res, err := c.capture(ctx, func(done float64) {
		pct := int(done * 100)
		if pct/10 != last/10 {
			fmt.Fprintf(out, "  %3d%%\n", pct)
			last = pct
		}
	})
	if err != nil {
		return res, err
	}

	fmt.Fprintf(out, "rest magnitude %.4fg, gain %.4f, noise %.4fg, confidence %.2f\n",
		res.RestMagnitude, res.Gain, res.NoiseG, res.Confidence)
	for _, n := range res.Notes {
		fmt.Fprintf(out, "note: %s\n", n)
	}
	if err := calibration.Save(c.opts.Output, res); err != nil {
		return res, err
	}
	fmt.Fprintf(out, "saved to %s\n", c.opts.Output)
	return res, nil
}

// RunCalibration captures the MPU9250 at rest and writes CALIBRATION_FILE.
// With serveAddr set it serves /ws/calibration instead of prompting.
func RunCalibration(ctx context.Context, log *zap.SugaredLogger, opts CalibrationOptions, serveAddr string, in io.Reader, out io.Writer) error {
	cfg := config.Get()
	if opts.Output == "" {
		opts.Output = cfg.CalibrationFile
	}
	if err := opts.validate(); err != nil {
		return err
	}

	// Gain 1: the capture measures the uncorrected sensor.
	imu, err := sensors.OpenMPU9250(cfg.IMUSPIDevice, cfg.IMUCSPin, cfg.IMUAccelRange, 1, log)
	if err != nil {
		return err
	}
	cal := &calibrator{reader: imu, rangeCode: imu.RangeCode(), opts: opts, now: time.Now, log: log}

	if serveAddr == "" {
		_, err := cal.runInteractive(ctx, in, out)
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/calibration", cal.handleWS)
	mux.Handle("/", http.FileServer(http.Dir("web")))
	srv := &http.Server{Addr: serveAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Infof("calibration: serving on %s", serveAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
