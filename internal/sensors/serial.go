package sensors

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/metrics"
)

// SerialOptions returns 8N1 options for an accelerometer streaming lines.
func SerialOptions(port string, baud int) serial.OpenOptions {
	return serial.OpenOptions{
		PortName:              port,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
}

// NewSerialSource reads "x,y,z" lines in g from a serial port, e.g. a
// microcontroller streaming its accelerometer. The port is open only while
// the hub has subscribers.
func NewSerialSource(opts serial.OpenOptions, log *zap.SugaredLogger) *Hub {
	return newLineHub("serial", func() (io.ReadWriteCloser, error) {
		return serial.Open(opts)
	}, log)
}

func newLineHub(name string, open func() (io.ReadWriteCloser, error), log *zap.SugaredLogger) *Hub {
	var h *Hub
	h = newHub(name, log, func(_ time.Duration, publish func(accel.Sample)) (func(), error) {
		port, err := open()
		if err != nil {
			return nil, fmt.Errorf("open port: %w", err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanner := bufio.NewScanner(port)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				s, err := ParseLine(line)
				if err != nil {
					metrics.IncSensorError(name)
					h.log.Debugf("%s: %v", name, err)
					continue
				}
				publish(s)
			}
			if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				h.log.Debugf("%s: read stopped: %v", name, err)
			}
		}()

		return func() {
			_ = port.Close()
			wg.Wait()
		}, nil
	})
	return h
}

// ParseLine parses "x,y,z" (commas or whitespace) in g.
func ParseLine(line string) (accel.Sample, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
	if len(fields) != 3 {
		return accel.Sample{}, fmt.Errorf("expected 3 fields, got %d in %q", len(fields), line)
	}
	var v [3]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return accel.Sample{}, fmt.Errorf("field %d of %q: %w", i, line, err)
		}
		v[i] = x
	}
	s := accel.Sample{X: v[0], Y: v[1], Z: v[2]}
	if !accel.Finite(s) {
		return accel.Sample{}, fmt.Errorf("non-finite sample %q", line)
	}
	return s, nil
}
