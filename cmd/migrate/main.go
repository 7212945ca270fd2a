// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/database"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewGormDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("Starting database migration...")

	if err := db.AutoMigrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Database migration completed.")

	if err := db.ValidateSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "Schema validation failed after migration: %v\n", err)
		fmt.Fprintln(os.Stderr, "This might indicate a problem with the migration or model definitions.")
		os.Exit(1)
	}
	fmt.Println("Schema validation passed - database is ready to use.")
}
