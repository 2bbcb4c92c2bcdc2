package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/clock"
	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/metrics"
	"github.com/relabs-tech/shake_relax/internal/sensors"
)

// producerInterval samples fast enough for both detectors.
func producerInterval(cfg *config.Config) time.Duration {
	ms := cfg.SessionSampleInterval
	if cfg.WatcherSampleInterval < ms {
		ms = cfg.WatcherSampleInterval
	}
	return time.Duration(ms) * time.Millisecond
}

// forwardSamples publishes every sample from src on topic until the returned
// stop func is called.
func forwardSamples(src accel.Source, pub publisher, topic string, interval time.Duration, log *zap.SugaredLogger) (func(), error) {
	src.SetSampleInterval(interval)
	n := 0
	return src.Subscribe(func(s accel.Sample) {
		if err := pub.Publish(topic, false, s); err != nil {
			metrics.IncSensorError("mqtt")
			log.Warnf("producer: %v", err)
			return
		}
		n++
		if n%1000 == 0 {
			log.Debugf("producer: %d samples published, last x=%.3f y=%.3f z=%.3f", n, s.X, s.Y, s.Z)
		}
	})
}

// RunAccelProducer reads the local accelerometer and publishes g-unit
// samples for the session and watcher processes.
func RunAccelProducer(ctx context.Context, log *zap.SugaredLogger) error {
	cfg := config.Get()
	if cfg.SensorSource == config.SourceMQTT {
		return fmt.Errorf("producer: SENSOR_SOURCE=mqtt would read its own output; use mpu9250, serial or mock")
	}
	clk := clock.Real()

	serveMetrics(ctx, cfg.MetricsPortFor(config.MetricsProducer), log)

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	src, err := sensors.Open(cfg, client, clk, log)
	if err != nil {
		return err
	}

	interval := producerInterval(cfg)
	stop, err := forwardSamples(src, mqttPublisher{client: client}, cfg.TopicAccel, interval, log)
	if err != nil {
		return err
	}
	defer stop()
	log.Infof("producer: publishing %s samples on %s every %v", src.Name(), cfg.TopicAccel, interval)

	<-ctx.Done()
	log.Infof("producer: shutting down")
	return nil
}
