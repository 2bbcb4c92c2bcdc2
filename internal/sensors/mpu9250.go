// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/shake_relax/internal/accel"
)

// RawReader reads accelerometer counts.
type RawReader interface {
	ReadRaw() (accel.Raw, error)
}

// MPU9250 is an accelerometer on SPI.
type MPU9250 struct {
	imu       *mpu9250.MPU9250
	rangeCode byte
	gain      float64
}

// OpenMPU9250 initializes the MPU9250 on spiDev with chip select csPin and
// sets the accelerometer range. gain comes from a calibration file, 1 if
// there is none.
func OpenMPU9250(spiDev, csPin string, rangeCode byte, gain float64, log *zap.SugaredLogger) (*MPU9250, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("mpu9250: periph host init: %w", err)
	}

	cs := gpioreg.ByName(csPin)
	if cs == nil {
		return nil, fmt.Errorf("mpu9250: CS pin %q not found", csPin)
	}

	tr, err := mpu9250.NewSpiTransport(spiDev, cs)
	if err != nil {
		return nil, fmt.Errorf("mpu9250: SPI transport (%s): %w", spiDev, err)
	}

	imu, err := mpu9250.New(*tr)
	if err != nil {
		return nil, fmt.Errorf("mpu9250: device creation: %w", err)
	}

	if err := imu.Init(); err != nil {
		return nil, fmt.Errorf("mpu9250: initialization: %w", err)
	}

	if err := imu.SetAccelRange(rangeCode); err != nil {
		return nil, fmt.Errorf("mpu9250: set accel range: %w", err)
	}
	log.Infof("mpu9250: accelerometer range set to %d (±%dg)", rangeCode, []int{2, 4, 8, 16}[rangeCode&3])

	// Offset calibration is best effort; the gain file handles scale.
	if err := imu.Calibrate(); err != nil {
		log.Warnf("mpu9250: offset calibration failed: %v", err)
	} else {
		log.Infof("mpu9250: offset calibration complete")
	}

	if gain <= 0 {
		gain = 1
	}
	return &MPU9250{imu: imu, rangeCode: rangeCode, gain: gain}, nil
}

// ReadRaw reads the three accelerometer axes.
func (m *MPU9250) ReadRaw() (accel.Raw, error) {
	ax, err := m.imu.GetAccelerationX()
	if err != nil {
		return accel.Raw{}, fmt.Errorf("mpu9250 accel X: %w", err)
	}
	ay, err := m.imu.GetAccelerationY()
	if err != nil {
		return accel.Raw{}, fmt.Errorf("mpu9250 accel Y: %w", err)
	}
	az, err := m.imu.GetAccelerationZ()
	if err != nil {
		return accel.Raw{}, fmt.Errorf("mpu9250 accel Z: %w", err)
	}
	return accel.Raw{Ax: ax, Ay: ay, Az: az}, nil
}

// Read returns a calibrated sample in g.
func (m *MPU9250) Read() (accel.Sample, error) {
	return ReadCalibrated(m, m.rangeCode, m.gain)
}

func (m *MPU9250) RangeCode() byte { return m.rangeCode }

// ReadCalibrated reads counts from r and converts them to g.
func ReadCalibrated(r RawReader, rangeCode byte, gain float64) (accel.Sample, error) {
	raw, err := r.ReadRaw()
	if err != nil {
		return accel.Sample{}, err
	}
	return accel.FromRaw(raw, rangeCode, gain), nil
}
