// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map to the per-package levels in Options.Levels.
// These keep logger names consistent across the codebase.

// GetOrchestratorLogger returns a logger for the orchestrator application
func GetOrchestratorLogger() zerolog.Logger {
	return GetLogger("orchestrator")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetSchedulerLogger returns a logger for run scheduling and workers
func GetSchedulerLogger() zerolog.Logger {
	return GetLogger("scheduler")
}

// GetPipelineLogger returns a logger for the pipeline registry and engine
func GetPipelineLogger() zerolog.Logger {
	return GetLogger("pipeline")
}

// GetFetchLogger returns a logger for input acquisition
func GetFetchLogger() zerolog.Logger {
	return GetLogger("fetch")
}

// GetWorkspaceLogger returns a logger for workspace filesystem operations
func GetWorkspaceLogger() zerolog.Logger {
	return GetLogger("workspace")
}

// GetWebhookLogger returns a logger for webhook dispatch and delivery
func GetWebhookLogger() zerolog.Logger {
	return GetLogger("webhook")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetCLILogger returns a logger for CLI commands
func GetCLILogger() zerolog.Logger {
	return GetLogger("cli")
}
