// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Rest calibration for the MPU-9250 accelerometer.
//
// Captures the sensor lying still and writes the gain that makes it read
// exactly 1g to CALIBRATION_FILE. The relax and watcher services apply it
// when SENSOR_SOURCE=mpu9250.
//
// Run:
//
//	sudo ./calibration
//	sudo ./calibration -serve :8081   # drive it from the browser instead
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/shake_relax/internal/app"
	"github.com/relabs-tech/shake_relax/internal/calibration"
)

func main() {
	configPath := flag.String("config", "shake_relax_config.txt", "path to config file")
	samples := flag.Int("samples", 200, "number of samples to capture")
	interval := flag.Duration("interval", 10*time.Millisecond, "time between samples")
	output := flag.String("out", "", "output file (default CALIBRATION_FILE)")
	serve := flag.String("serve", "", "serve the websocket calibration UI on this address")
	flag.Parse()

	if *samples < calibration.MinSamples {
		log.Fatalf("fatal: -samples must be at least %d", calibration.MinSamples)
	}

	_, logger, err := app.Setup("calibration", *configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := app.CalibrationOptions{
		Device:   "mpu9250",
		Samples:  *samples,
		Interval: *interval,
		Output:   *output,
	}
	if err := app.RunCalibration(ctx, logger, opts, *serve, os.Stdin, os.Stdout); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}
