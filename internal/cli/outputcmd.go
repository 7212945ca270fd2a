// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/output"
)

func newOutputCmd() *cobra.Command {
	var (
		projectName string
		formats     []string
		printOut    bool
	)
	cmd := &cobra.Command{
		Use:   "output",
		Short: "Export the scan results of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				doc, err := output.BuildDocument(ctx, app.DB, project)
				if err != nil {
					return err
				}
				ws := app.Projects.Workspace(project)

				out := cmd.OutOrStdout()
				for _, format := range formats {
					paths, err := output.Export(format, doc, ws)
					if err != nil {
						return err
					}
					for _, path := range paths {
						if printOut {
							if err := copyFileTo(out, path); err != nil {
								return err
							}
							continue
						}
						fmt.Fprintln(out, path)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().StringArrayVar(&formats, "format", []string{"json"},
		"output format (repeatable), one of: "+strings.Join(output.Formats(), ", "))
	cmd.Flags().BoolVar(&printOut, "print", false, "print the output on stdout instead of the file path")
	return cmd
}

func copyFileTo(w io.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
	}
	defer file.Close()
	_, err = io.Copy(w, file)
	return err
}

func newReportCmd() *cobra.Command {
	var (
		model           string
		outputDirectory string
		search          string
		labels          []string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write one CSV aggregating a model across projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !output.IsReportModel(model) {
				return fmt.Errorf("%w: report model %q, choices: %v",
					errdefs.ErrBadConfig, model, output.ReportModels)
			}
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				projects, err := app.DB.ListProjects(ctx, database.ProjectFilter{
					NameContains:    search,
					Labels:          labels,
					IncludeArchived: true,
				})
				if err != nil {
					return err
				}
				if len(projects) == 0 {
					return fmt.Errorf("%w: no projects match the filters", errdefs.ErrBadConfig)
				}

				path := filepath.Join(outputDirectory, model+"-report.csv")
				file, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
				}
				defer file.Close()

				if err := output.WriteReportCSV(ctx, app.DB, projects, model, file); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Report generated for %d projects: %s\n", len(projects), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "report model, one of: "+strings.Join(output.ReportModels, ", "))
	cmd.Flags().StringVar(&outputDirectory, "output-directory", ".", "directory the report is written to")
	cmd.Flags().StringVar(&search, "search", "", "substring filter on project names")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "label filter (repeatable)")
	return cmd
}
