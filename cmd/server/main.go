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
	"time"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/server"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, Console: true}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting depvet API server")

	// This context drives the application's lifetime.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := orchestrator.New(ctx, cfg)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error building application")
		fmt.Fprintf(os.Stderr, "Error building application: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(cfg, app)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	// Wait for signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the
	// application ctx.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	cancel()
	if err := app.Close(); err != nil {
		mainLog.Error().Err(err).Msg("Error closing application")
	}

	mainLog.Info().Msg("API server shut down")
}
