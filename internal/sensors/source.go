package sensors

import (
	"errors"
	"fmt"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/calibration"
	"github.com/relabs-tech/shake_relax/internal/clock"
	"github.com/relabs-tech/shake_relax/internal/config"
)

// Open builds the accelerometer source selected by cfg.SensorSource. client
// is only needed for the mqtt source.
func Open(cfg *config.Config, client mqtt.Client, clk clock.Clock, log *zap.SugaredLogger) (*Hub, error) {
	switch cfg.SensorSource {
	case config.SourceMock:
		return NewMockSource(DefaultMockPattern(), clk, log), nil
	case config.SourceMQTT:
		if client == nil {
			return nil, fmt.Errorf("sensors: mqtt source needs a connected client")
		}
		return NewMQTTSource(client, cfg.TopicAccel, log), nil
	case config.SourceSerial:
		return NewSerialSource(SerialOptions(cfg.SerialPort, cfg.SerialBaudRate), log), nil
	case config.SourceMPU9250:
		gain, err := LoadGain(cfg.CalibrationFile, cfg.IMUAccelRange, log)
		if err != nil {
			return nil, err
		}
		dev, err := OpenMPU9250(cfg.IMUSPIDevice, cfg.IMUCSPin, cfg.IMUAccelRange, gain, log)
		if err != nil {
			return nil, err
		}
		return NewPollingHub("mpu9250", dev.Read, clk, log), nil
	}
	return nil, fmt.Errorf("sensors: unknown source %q", cfg.SensorSource)
}

// LoadGain returns the calibrated gain from path, or 1 when path is empty or
// the file does not exist yet. A file captured under another accel range is
// rejected.
func LoadGain(path string, rangeCode byte, log *zap.SugaredLogger) (float64, error) {
	if path == "" {
		return 1, nil
	}
	res, err := calibration.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warnf("sensors: no calibration at %s, using gain 1", path)
			return 1, nil
		}
		return 0, err
	}
	if res.AccelRange != rangeCode {
		return 0, fmt.Errorf("sensors: calibration %s was captured at range %d, device is at %d", path, res.AccelRange, rangeCode)
	}
	log.Infof("sensors: calibration gain %.4f from %s (confidence %.2f)", res.Gain, path, res.Confidence)
	return res.Gain, nil
}
