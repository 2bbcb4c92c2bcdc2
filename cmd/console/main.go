// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/shake_relax/internal/app"
	"github.com/relabs-tech/shake_relax/internal/logging"
)

func main() {
	configPath := flag.String("config", "shake_relax_config.txt", "path to config file")
	flag.Parse()

	cfg, _, err := app.Setup("console", *configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	// The terminal belongs to the UI; log to LOG_DIR only.
	logger, err := logging.NewFileOnly("console", cfg.LogLevel, cfg.LogDir)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunConsole(ctx, logger); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
