// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

// writePipelineLines prints one "[STATUS] pipeline_name" line per run,
// oldest first.
func writePipelineLines(w io.Writer, runs []models.Run) {
	for _, run := range runs {
		fmt.Fprintf(w, "%s %s\n", statusBadge(run.Status), run.PipelineName)
	}
}

func newShowPipelineCmd() *cobra.Command {
	var projectName string
	cmd := &cobra.Command{
		Use:   "show-pipeline",
		Short: "Show the pipelines attached to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				runs, err := app.DB.ListRuns(ctx, project.UUID)
				if err != nil {
					return err
				}
				writePipelineLines(cmd.OutOrStdout(), runs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var projectName string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a project and its runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				fmt.Fprintf(out, "Project: %s\n", project.Name)
				fmt.Fprintf(out, "UUID: %s\n", project.UUID)
				fmt.Fprintf(out, "Created: %s\n", project.CreatedAt.Format("2006-01-02 15:04:05"))
				if project.IsArchived {
					fmt.Fprintln(out, "Archived: yes")
				}
				if len(project.Labels) > 0 {
					fmt.Fprintf(out, "Labels: %s\n", strings.Join(project.Labels, ", "))
				}
				if verbosity == 0 {
					return nil
				}

				summary, err := app.Summaries.ProjectSummary(ctx, project.UUID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Resources: %d\n", summary.ResourceCount)
				fmt.Fprintf(out, "Packages: %d (%d vulnerable)\n", summary.PackageCount, summary.VulnerablePackageCount)
				fmt.Fprintf(out, "Dependencies: %d (%d vulnerable)\n", summary.DependencyCount, summary.VulnerableDependencyCount)
				fmt.Fprintf(out, "Relations: %d\n", summary.RelationCount)
				fmt.Fprintf(out, "Messages: %d\n", summary.MessageCount)
				if summary.ProjectAlert != "" {
					fmt.Fprintf(out, "Compliance alert: %s\n", strings.ToUpper(summary.ProjectAlert))
				}

				runs, err := app.DB.ListRuns(ctx, project.UUID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\nPipelines (%d):\n", len(runs))
				for _, run := range runs {
					fmt.Fprintf(out, "%s %s %s\n", statusBadge(run.Status), run.PipelineName, run.UUID)
					if verbosity >= 2 {
						if run.TaskStartDate != nil {
							fmt.Fprintf(out, "  started: %s", run.TaskStartDate.Format("2006-01-02 15:04:05"))
							if run.TaskEndDate != nil {
								fmt.Fprintf(out, "  duration: %.1fs", run.ExecutionTime())
							}
							fmt.Fprintln(out)
						}
						if run.TaskExitCode != nil {
							fmt.Fprintf(out, "  exit code: %d\n", *run.TaskExitCode)
						}
						if run.TaskOutput != "" {
							fmt.Fprintf(out, "  output: %s\n", run.TaskOutput)
						}
					}
					if verbosity >= 3 && run.Log != "" {
						fmt.Fprintln(out, indent(run.Log, "  | "))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	return cmd
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func newListProjectCmd() *cobra.Command {
	var (
		search          string
		includeArchived bool
	)
	cmd := &cobra.Command{
		Use:   "list-project",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				projects, err := app.DB.ListProjects(ctx, database.ProjectFilter{
					NameContains:    search,
					IncludeArchived: includeArchived,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, project := range projects {
					marker := ""
					if project.IsArchived {
						marker = " (archived)"
					}
					fmt.Fprintf(out, "%s %s%s\n", project.UUID, project.Name, marker)
				}
				fmt.Fprintf(out, "%d projects\n", len(projects))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "substring filter on project names")
	cmd.Flags().BoolVar(&includeArchived, "include-archived", false, "include archived projects")
	return cmd
}

func newListPipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-pipeline",
		Short: "List the registered pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				out := cmd.OutOrStdout()
				for _, descriptor := range app.Registry.List() {
					fmt.Fprintf(out, "%s\n", descriptor.Name)
					if verbosity >= 1 && descriptor.Summary != "" {
						fmt.Fprintf(out, "  %s\n", descriptor.Summary)
					}
					if verbosity >= 2 {
						for _, step := range descriptor.Steps {
							line := "  - " + step.Name
							if len(step.Groups) > 0 {
								line += " [" + strings.Join(step.Groups, ",") + "]"
							}
							fmt.Fprintln(out, line)
							if verbosity >= 3 && step.Description != "" {
								fmt.Fprintf(out, "    %s\n", step.Description)
							}
						}
					}
				}
				return nil
			})
		},
	}
	return cmd
}
