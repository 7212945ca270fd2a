// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the depvet management commands. Every command
// builds the full application (database, registry, scheduler) the way
// the server does, runs one operation and exits; exit codes are mapped
// from the error taxonomy in ExitCode.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/depvet/depvet/internal/common"
	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

var (
	configPath string
	verbosity  int
)

// exitError carries a command-specific exit code through the cobra error
// path.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// ExitCode maps an error onto the process exit code: 2 for a taken
// project name, 3 for operations rejected by an in-progress run, the
// embedded code of command-level failures (compliance, verification),
// and 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coded *exitError
	switch {
	case errors.Is(err, errdefs.ErrNameTaken):
		return 2
	case errors.Is(err, errdefs.ErrRunInProgress):
		return 3
	case errors.As(err, &coded):
		return coded.code
	}
	return 1
}

// Execute runs the root command. The caller maps the returned error to an
// exit code with ExitCode.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd assembles the full command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           common.ToolName,
		Short:         "Software composition analysis orchestration",
		Version:       common.VersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "configuration file path")
	root.PersistentFlags().IntVar(&verbosity, "verbosity", 1, "output verbosity (0..3)")

	root.AddCommand(
		newCreateProjectCmd(),
		newBatchCreateCmd(),
		newAddInputCmd(),
		newAddPipelineCmd(),
		newAddWebhookCmd(),
		newExecuteCmd(),
		newShowPipelineCmd(),
		newStatusCmd(),
		newListProjectCmd(),
		newListPipelineCmd(),
		newOutputCmd(),
		newReportCmd(),
		newCheckComplianceCmd(),
		newVerifyProjectCmd(),
		newArchiveProjectCmd(),
		newResetProjectCmd(),
		newDeleteProjectCmd(),
		newFlushProjectsCmd(),
		newCreateUserCmd(),
		newRunCmd(),
	)
	return root
}

// withApp loads the configuration, initializes logging and builds the
// application for the duration of fn. Mutators adjust the configuration
// before wiring (e.g. the --async flag).
func withApp(fn func(ctx context.Context, app *orchestrator.Application) error, mutators ...func(*config.AppConfig)) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return err
	}
	for _, mutate := range mutators {
		mutate(cfg)
	}

	level := "warn"
	switch {
	case verbosity >= 3:
		level = "trace"
	case verbosity == 2:
		level = "debug"
	case verbosity == 1:
		level = "info"
	}
	if err := logger.Initialize(logger.Options{Level: level, File: cfg.LogFile, Console: verbosity >= 2}); err != nil {
		return err
	}
	defer func() { _ = logger.CloseGlobal() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := orchestrator.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	return fn(ctx, app)
}

// resolveProject looks a project up by its unique name.
func resolveProject(ctx context.Context, app *orchestrator.Application, name string) (*models.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: --project is required", errdefs.ErrBadConfig)
	}
	return app.DB.GetProjectByName(ctx, name)
}

// confirm asks for interactive confirmation of a destructive operation;
// --no-input skips the prompt.
func confirm(message string, noInput bool) (bool, error) {
	if noInput {
		return true, nil
	}
	var confirmed bool
	prompt := huh.NewConfirm().Title(message).Value(&confirmed)
	if err := prompt.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}

var (
	successBadge = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failureBadge = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	activeBadge  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	idleBadge    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// statusBadge renders "[STATUS]" with a color per status family.
func statusBadge(status models.RunStatus) string {
	text := "[" + status.Display() + "]"
	switch status {
	case models.RunStatusSuccess:
		return successBadge.Render(text)
	case models.RunStatusFailure, models.RunStatusStale:
		return failureBadge.Render(text)
	case models.RunStatusQueued, models.RunStatusRunning:
		return activeBadge.Render(text)
	default:
		return idleBadge.Render(text)
	}
}
