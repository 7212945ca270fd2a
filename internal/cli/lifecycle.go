// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/services"
)

func newArchiveProjectCmd() *cobra.Command {
	var (
		projectName    string
		removeInput    bool
		removeCodebase bool
		removeOutput   bool
		noInput        bool
	)
	cmd := &cobra.Command{
		Use:   "archive-project",
		Short: "Archive a project and optionally free workspace space",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				ok, err := confirm(fmt.Sprintf("Archive project %s?", project.Name), noInput)
				if err != nil || !ok {
					return err
				}
				opts := services.ArchiveOptions{
					RemoveInput:    removeInput,
					RemoveCodebase: removeCodebase,
					RemoveOutput:   removeOutput,
				}
				if err := app.Projects.ArchiveProject(ctx, project.UUID, opts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Project %s archived\n", project.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().BoolVar(&removeInput, "remove-input", false, "remove the input/ directory")
	cmd.Flags().BoolVar(&removeCodebase, "remove-codebase", false, "remove the codebase/ directory")
	cmd.Flags().BoolVar(&removeOutput, "remove-output", false, "remove the output/ directory")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "do not prompt for confirmation")
	return cmd
}

func newResetProjectCmd() *cobra.Command {
	var (
		projectName      string
		removeInput      bool
		removeWebhooks   bool
		restorePipelines bool
		executeNow       bool
		noInput          bool
	)
	cmd := &cobra.Command{
		Use:   "reset-project",
		Short: "Delete a project's scan data and runs, keeping its inputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				ok, err := confirm(fmt.Sprintf("Reset project %s? All scan results and runs will be deleted.", project.Name), noInput)
				if err != nil || !ok {
					return err
				}
				opts := services.ResetOptions{
					RemoveInput:      removeInput,
					RemoveWebhooks:   removeWebhooks,
					RestorePipelines: restorePipelines,
					ExecuteNow:       executeNow,
				}
				if err := app.Projects.ResetProject(ctx, project.UUID, opts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Project %s reset\n", project.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().BoolVar(&removeInput, "remove-input", false, "also remove the input/ directory")
	cmd.Flags().BoolVar(&removeWebhooks, "remove-webhook", false, "also remove the webhook subscriptions")
	cmd.Flags().BoolVar(&restorePipelines, "restore-pipelines", false, "re-attach the previously attached pipelines")
	cmd.Flags().BoolVar(&executeNow, "execute-now", false, "execute the restored pipelines immediately")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "do not prompt for confirmation")
	return cmd
}

func newDeleteProjectCmd() *cobra.Command {
	var (
		projectName string
		noInput     bool
	)
	cmd := &cobra.Command{
		Use:   "delete-project",
		Short: "Delete a project, its database rows and its workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				ok, err := confirm(fmt.Sprintf("Delete project %s and all its data?", project.Name), noInput)
				if err != nil || !ok {
					return err
				}
				if err := app.Projects.DeleteProject(ctx, project.UUID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Project %s deleted\n", project.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "do not prompt for confirmation")
	return cmd
}

func newFlushProjectsCmd() *cobra.Command {
	var (
		retainDays int
		labels     []string
		pipelines  []string
		dryRun     bool
		noInput    bool
	)
	cmd := &cobra.Command{
		Use:   "flush-projects",
		Short: "Delete projects older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				out := cmd.OutOrStdout()

				if dryRun {
					cutoff := time.Now().AddDate(0, 0, -retainDays)
					projects, err := app.DB.ListProjects(ctx, database.ProjectFilter{
						CreatedBefore:   cutoff,
						Labels:          labels,
						PipelineNames:   pipelines,
						IncludeArchived: true,
					})
					if err != nil {
						return err
					}
					for _, project := range projects {
						fmt.Fprintf(out, "would delete %s\n", project.Name)
					}
					fmt.Fprintf(out, "%d projects would be deleted\n", len(projects))
					return nil
				}

				prompt := fmt.Sprintf("Delete all projects older than %d days", retainDays)
				if len(labels) > 0 {
					prompt += " with labels " + strings.Join(labels, ", ")
				}
				ok, err := confirm(prompt+"?", noInput)
				if err != nil || !ok {
					return err
				}
				deleted, err := app.Projects.FlushProjects(ctx, services.FlushOptions{
					RetainDays:    retainDays,
					Labels:        labels,
					PipelineNames: pipelines,
				})
				if err != nil {
					return err
				}
				for _, name := range deleted {
					fmt.Fprintf(out, "deleted %s\n", name)
				}
				fmt.Fprintf(out, "%d projects deleted\n", len(deleted))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retainDays, "retain-days", 30, "keep projects created within this many days")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "only flush projects carrying this label (repeatable)")
	cmd.Flags().StringArrayVar(&pipelines, "pipeline", nil, "only flush projects that ran this pipeline (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the projects without deleting them")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "do not prompt for confirmation")
	return cmd
}
