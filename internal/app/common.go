// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/logging"
	"github.com/relabs-tech/shake_relax/internal/metrics"
)

// Setup loads the global config and builds the command's logger.
func Setup(name, configPath string) (*config.Config, *zap.SugaredLogger, error) {
	if err := config.InitGlobal(configPath); err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := config.Get()
	log, err := logging.New(name, cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// connectMQTT opens the command and state client. Handlers run concurrently
// and may publish from inside a callback.
func connectMQTT(broker, clientID string, log *zap.SugaredLogger) (mqtt.Client, error) {
	return dialMQTT(broker, clientID, false, log)
}

// openSampleClient opens a second client, delivering in order, for the
// mqtt sensor source. It returns nil for every other source.
func openSampleClient(cfg *config.Config, clientID string, log *zap.SugaredLogger) (mqtt.Client, error) {
	if cfg.SensorSource != config.SourceMQTT {
		return nil, nil
	}
	return dialMQTT(cfg.MQTTBroker, clientID+"-accel", true, log)
}

func dialMQTT(broker, clientID string, ordered bool, log *zap.SugaredLogger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOrderMatters(ordered)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect %s: %w", broker, token.Error())
	}
	log.Infof("connected to MQTT broker at %s as %s", broker, clientID)
	return client, nil
}

// publisher sends JSON messages. The MQTT implementation is swapped for a
// recorder in tests.
type publisher interface {
	Publish(topic string, retained bool, v any) error
}

type mqttPublisher struct {
	client mqtt.Client
}

func (p mqttPublisher) Publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal (%s): %w", topic, err)
	}
	if token := p.client.Publish(topic, 0, retained, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT publish (%s): %w", topic, token.Error())
	}
	return nil
}

// subscribeJSON decodes every message on topic into a fresh T.
func subscribeJSON[T any](client mqtt.Client, topic string, log *zap.SugaredLogger, fn func(T)) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var v T
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			log.Warnf("%s unmarshal error: %v", topic, err)
			return
		}
		fn(v)
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	log.Infof("subscribed to MQTT topic %s", topic)
	return nil
}

// serveMetrics exposes /metrics on port until ctx is done. A zero port
// disables it.
func serveMetrics(ctx context.Context, port int, log *zap.SugaredLogger) {
	metrics.Init()
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("metrics listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}
