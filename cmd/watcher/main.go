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
)

func main() {
	configPath := flag.String("config", "shake_relax_config.txt", "path to config file")
	flag.Parse()

	_, logger, err := app.Setup("watcher", *configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("starting shake-relax shake watcher")
	if err := app.RunWatcher(ctx, logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}
