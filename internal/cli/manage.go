// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/services"
)

func newAddInputCmd() *cobra.Command {
	var (
		projectName  string
		inputFiles   []string
		inputURLs    []string
		copyCodebase string
	)
	cmd := &cobra.Command{
		Use:   "add-input",
		Short: "Add input files or download URLs to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(inputFiles) == 0 && len(inputURLs) == 0 && copyCodebase == "" {
				return fmt.Errorf("%w: at least one of --input-file, --input-url or --copy-codebase is required", errdefs.ErrBadConfig)
			}
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				files := make([]services.InputFile, 0, len(inputFiles))
				for _, file := range inputFiles {
					files = append(files, parseInputFileArg(file))
				}
				if err := app.Projects.AddInputs(ctx, project.UUID, files, inputURLs, copyCodebase); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Inputs added to project %s\n", project.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().StringArrayVar(&inputFiles, "input-file", nil, "local input file, PATH[:TAG] (repeatable)")
	cmd.Flags().StringArrayVar(&inputURLs, "input-url", nil, "input download URL, URL[#TAG] (repeatable)")
	cmd.Flags().StringVar(&copyCodebase, "copy-codebase", "", "copy this directory tree into codebase/")
	return cmd
}

func newAddPipelineCmd() *cobra.Command {
	var (
		projectName string
		execute     bool
		async       bool
	)
	cmd := &cobra.Command{
		Use:   "add-pipeline PIPELINE[:group1,group2] ...",
		Short: "Attach pipelines to a project",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mutators []func(*config.AppConfig)
			if async {
				mutators = append(mutators, func(cfg *config.AppConfig) { cfg.Async = true })
			}
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				for _, arg := range args {
					selection := services.ParseSelection(arg)
					run, err := app.Projects.AddPipeline(ctx, project.UUID, selection, execute)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s added to project %s as run %s\n",
						selection.String(), project.Name, run.UUID)
				}
				return nil
			}, mutators...)
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().BoolVar(&execute, "execute", false, "execute the pipeline immediately")
	cmd.Flags().BoolVar(&async, "async", false, "run on the job queue instead of inline")
	return cmd
}

func newAddWebhookCmd() *cobra.Command {
	var (
		projectName      string
		triggerOnEachRun bool
		includeSummary   bool
		includeResults   bool
		inactive         bool
	)
	cmd := &cobra.Command{
		Use:   "add-webhook TARGET_URL",
		Short: "Subscribe a webhook to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				subscription := &models.WebhookSubscription{
					TargetURL:        args[0],
					TriggerOnEachRun: triggerOnEachRun,
					IncludeSummary:   includeSummary,
					IncludeResults:   includeResults,
					IsActive:         !inactive,
				}
				if err := app.Projects.AddWebhook(ctx, project.UUID, subscription); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Webhook %s added to project %s\n", subscription.TargetURL, project.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().BoolVar(&triggerOnEachRun, "trigger-on-each-run", false, "deliver after every run, not only the last")
	cmd.Flags().BoolVar(&includeSummary, "include-summary", false, "include the project summary in the payload")
	cmd.Flags().BoolVar(&includeResults, "include-results", false, "include the scan results in the payload")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the subscription disabled")
	return cmd
}

func newExecuteCmd() *cobra.Command {
	var (
		projectName string
		async       bool
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute the next queued pipeline of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			var mutators []func(*config.AppConfig)
			if async {
				mutators = append(mutators, func(cfg *config.AppConfig) { cfg.Async = true })
			}
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				started, err := app.Runs.ExecuteNextRun(ctx, project.UUID)
				if err != nil {
					return err
				}
				if !started {
					return fmt.Errorf("%w: project %s has no queued pipeline", errdefs.ErrBadConfig, project.Name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pipeline execution started for project %s\n", project.Name)
				return nil
			}, mutators...)
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().BoolVar(&async, "async", false, "run on the job queue instead of inline")
	return cmd
}
