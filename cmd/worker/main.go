// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/scheduler"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	workers := flag.Int("workers", 0, "worker count, defaults to the configured processes setting")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	// A worker process only makes sense against the shared job queue.
	cfg.Async = true

	if err := logger.Initialize(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, Console: true}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := orchestrator.New(ctx, cfg)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error building application")
		fmt.Fprintf(os.Stderr, "Error building application: %v\n", err)
		os.Exit(1)
	}

	size := *workers
	if size <= 0 {
		size = cfg.WorkerCount()
	}
	mainLog.Info().Int("workers", size).Msg("Starting depvet worker")

	pool := scheduler.NewWorkerPool(app.Scheduler, size)
	pool.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	mainLog.Info().Msgf("Received signal %v, draining workers...", sig)

	cancel()
	pool.Stop()

	if err := app.Close(); err != nil {
		mainLog.Error().Err(err).Msg("Error closing application")
	}
	mainLog.Info().Msg("Worker shut down")
}
