// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/output"
	"github.com/depvet/depvet/internal/orchestrator/services"
)

// newRunCmd is the one-shot mode: a throwaway project is created, the
// pipelines execute inline, the result document goes to stdout and the
// project is removed again.
func newRunCmd() *cobra.Command {
	var (
		projectName string
		format      string
	)
	cmd := &cobra.Command{
		Use:   "run PIPELINE [PIPELINE ...] INPUT",
		Short: "Run pipelines against one input and print the results",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipelines, input := args[:len(args)-1], args[len(args)-1]
			if projectName == "" {
				projectName = fmt.Sprintf("run-%s", time.Now().Format("2006-01-02-15-04-05.000000"))
			}

			params := services.CreateProjectParams{
				Name:       projectName,
				ExecuteNow: true,
			}
			for _, pipeline := range pipelines {
				params.Pipelines = append(params.Pipelines, services.ParseSelection(pipeline))
			}
			if _, err := os.Stat(input); err == nil {
				params.InputFiles = []services.InputFile{{Path: input}}
			} else if strings.Contains(input, "://") {
				params.InputURLs = []string{input}
			} else {
				return fmt.Errorf("%w: input %q is neither an existing file nor a URL", errdefs.ErrBadConfig, input)
			}

			inline := func(cfg *config.AppConfig) { cfg.Async = false }
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := app.Projects.CreateProject(ctx, params)
				if err != nil {
					return err
				}
				defer func() { _ = app.Projects.DeleteProject(context.WithoutCancel(ctx), project.UUID) }()

				if err := runFailure(ctx, app, project); err != nil {
					return err
				}

				doc, err := output.BuildDocument(ctx, app.DB, project)
				if err != nil {
					return err
				}
				paths, err := output.Export(format, doc, app.Projects.Workspace(project))
				if err != nil {
					return err
				}
				for _, path := range paths {
					if err := copyFileTo(cmd.OutOrStdout(), path); err != nil {
						return err
					}
				}
				return nil
			}, inline)
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "name of the throwaway project")
	cmd.Flags().StringVar(&format, "format", "json", "output format printed to stdout")
	return cmd
}

// runFailure surfaces the first non-successful run of the project as an
// error carrying its captured output.
func runFailure(ctx context.Context, app *orchestrator.Application, project *models.Project) error {
	runs, err := app.DB.ListRuns(ctx, project.UUID)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if run.Status == models.RunStatusSuccess {
			continue
		}
		reason := run.TaskOutput
		if reason == "" {
			reason = run.Log
		}
		return fmt.Errorf("%w: pipeline %s ended %s: %s",
			errdefs.ErrStepFailure, run.PipelineName, run.Status, strings.TrimSpace(reason))
	}
	return nil
}
