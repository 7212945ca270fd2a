// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/services"
)

// parseInputFileArg splits the "PATH[:TAG]" form. A colon only counts as
// a tag separator when the trailing part contains no path separator.
func parseInputFileArg(arg string) services.InputFile {
	idx := strings.LastIndex(arg, ":")
	if idx > 0 && !strings.ContainsAny(arg[idx+1:], "/\\") {
		return services.InputFile{Path: arg[:idx], Tag: arg[idx+1:]}
	}
	return services.InputFile{Path: arg}
}

// createFlags are the options shared by create-project and batch-create.
type createFlags struct {
	pipelines       []string
	inputFiles      []string
	inputURLs       []string
	copyCodebase    string
	notes           string
	labels          []string
	execute         bool
	async           bool
	noGlobalWebhook bool
}

func (f *createFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.pipelines, "pipeline", nil, "pipeline to attach, NAME[:group1,group2] (repeatable)")
	cmd.Flags().StringArrayVar(&f.inputFiles, "input-file", nil, "local input file, PATH[:TAG] (repeatable)")
	cmd.Flags().StringArrayVar(&f.inputURLs, "input-url", nil, "input download URL, URL[#TAG] (repeatable)")
	cmd.Flags().StringVar(&f.copyCodebase, "copy-codebase", "", "copy this directory tree into codebase/")
	cmd.Flags().StringVar(&f.notes, "notes", "", "project notes")
	cmd.Flags().StringArrayVar(&f.labels, "label", nil, "project label (repeatable)")
	cmd.Flags().BoolVar(&f.execute, "execute", false, "execute the attached pipelines immediately")
	cmd.Flags().BoolVar(&f.async, "async", false, "run pipelines on the job queue instead of inline")
}

func (f *createFlags) params(name string) services.CreateProjectParams {
	params := services.CreateProjectParams{
		Name:                name,
		Labels:              f.labels,
		Notes:               f.notes,
		InputURLs:           f.inputURLs,
		CopyCodebase:        f.copyCodebase,
		ExecuteNow:          f.execute,
		CreateGlobalWebhook: !f.noGlobalWebhook,
	}
	for _, p := range f.pipelines {
		params.Pipelines = append(params.Pipelines, services.ParseSelection(p))
	}
	for _, file := range f.inputFiles {
		params.InputFiles = append(params.InputFiles, parseInputFileArg(file))
	}
	return params
}

func (f *createFlags) mutators() []func(*config.AppConfig) {
	if !f.async {
		return nil
	}
	return []func(*config.AppConfig){func(cfg *config.AppConfig) { cfg.Async = true }}
}

func newCreateProjectCmd() *cobra.Command {
	flags := &createFlags{}
	cmd := &cobra.Command{
		Use:   "create-project <name>",
		Short: "Create a new project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := app.Projects.CreateProject(ctx, flags.params(args[0]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Project %s created with uuid %s\n", project.Name, project.UUID)
				return nil
			}, flags.mutators()...)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.noGlobalWebhook, "no-global-webhook", false, "skip the configured global webhook subscription")
	return cmd
}

func newBatchCreateCmd() *cobra.Command {
	flags := &createFlags{}
	var (
		inputDirectory string
		inputList      string
		nameSuffix     string
		globalWebhook  bool
	)
	cmd := &cobra.Command{
		Use:   "batch-create",
		Short: "Create one project per input entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (inputDirectory == "") == (inputList == "") {
				return fmt.Errorf("%w: exactly one of --input-directory or --input-list is required", errdefs.ErrBadConfig)
			}
			flags.noGlobalWebhook = !globalWebhook

			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				entries, err := batchEntries(flags, inputDirectory, inputList, nameSuffix)
				if err != nil {
					return err
				}
				results, err := app.Projects.BatchCreate(ctx, entries)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				failures := 0
				for _, result := range results {
					if result.Err != nil {
						failures++
						fmt.Fprintf(out, "FAILED %s: %v\n", result.Name, result.Err)
						continue
					}
					fmt.Fprintf(out, "Project %s created with uuid %s\n", result.Project.Name, result.Project.UUID)
				}
				if failures > 0 {
					return &exitError{code: 1, msg: fmt.Sprintf("%d of %d projects failed", failures, len(results))}
				}
				return nil
			}, flags.mutators()...)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&inputDirectory, "input-directory", "", "create one project per file in this directory")
	cmd.Flags().StringVar(&inputList, "input-list", "", "CSV file with project_name and input_urls columns")
	cmd.Flags().StringVar(&nameSuffix, "project-name-suffix", "", "appended to every generated project name")
	cmd.Flags().BoolVar(&globalWebhook, "create-global-webhook", false, "subscribe the configured global webhook")
	return cmd
}

// batchEntries expands the batch source into per-project create params.
func batchEntries(flags *createFlags, inputDirectory, inputList, nameSuffix string) ([]services.CreateProjectParams, error) {
	if inputDirectory != "" {
		return batchEntriesFromDirectory(flags, inputDirectory, nameSuffix)
	}
	return batchEntriesFromCSV(flags, inputList, nameSuffix)
}

func batchEntriesFromDirectory(flags *createFlags, dir, nameSuffix string) ([]services.CreateProjectParams, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read input directory: %w", err)
	}
	var params []services.CreateProjectParams
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		p := flags.params(entry.Name() + nameSuffix)
		p.InputFiles = append(p.InputFiles, services.InputFile{Path: filepath.Join(dir, entry.Name())})
		params = append(params, p)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: no files in %s", errdefs.ErrBadConfig, dir)
	}
	return params, nil
}

// batchEntriesFromCSV reads a CSV whose header names a project_name
// column and an input_urls column (multiple URLs separated by
// semicolons).
func batchEntriesFromCSV(flags *createFlags, path, nameSuffix string) ([]services.CreateProjectParams, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input list: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	nameCol, urlsCol := -1, -1
	for i, column := range header {
		switch strings.TrimSpace(strings.ToLower(column)) {
		case "project_name":
			nameCol = i
		case "input_urls":
			urlsCol = i
		}
	}
	if nameCol < 0 || urlsCol < 0 {
		return nil, fmt.Errorf("%w: CSV must have project_name and input_urls columns", errdefs.ErrBadConfig)
	}

	var params []services.CreateProjectParams
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}
		p := flags.params(strings.TrimSpace(record[nameCol]) + nameSuffix)
		for _, rawURL := range strings.Split(record[urlsCol], ";") {
			if rawURL = strings.TrimSpace(rawURL); rawURL != "" {
				p.InputURLs = append(p.InputURLs, rawURL)
			}
		}
		params = append(params, p)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: no entries in %s", errdefs.ErrBadConfig, path)
	}
	return params, nil
}
