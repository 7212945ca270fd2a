// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package output exports project scan results to files. A small formatter
// registry maps format names to writers; the canonical JSON document is
// also what the inventory-loading pipeline re-imports.
package output

import (
	"context"
	"time"

	"github.com/depvet/depvet/internal/common"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

// Header carries the export provenance. One header per exporting tool;
// re-imported documents keep their original headers and this tool appends
// its own.
type Header struct {
	ToolName     string              `json:"tool_name"`
	ToolVersion  string              `json:"tool_version"`
	CreatedDate  time.Time           `json:"created_date"`
	Notice       string              `json:"notice,omitempty"`
	InputSources []models.InputSource `json:"input_sources,omitempty"`
	RunsExecuted []string            `json:"runs,omitempty"`
	ExtraData    models.JSONMap      `json:"extra_data,omitempty"`
}

// Document is the full exportable state of one project.
type Document struct {
	Headers      []Header                      `json:"headers"`
	Packages     []models.DiscoveredPackage    `json:"packages"`
	Dependencies []models.DiscoveredDependency `json:"dependencies"`
	Resources    []models.CodebaseResource     `json:"files"`
	Relations    []models.CodebaseRelation     `json:"relations"`
	Messages     []models.ProjectMessage       `json:"messages"`
}

const exportNotice = "Generated by depvet, a software composition analysis orchestrator."

// BuildDocument assembles the export document of a project from the
// repository.
func BuildDocument(ctx context.Context, repo database.Repository, project *models.Project) (*Document, error) {
	doc := &Document{}

	inputs, err := repo.ListInputSources(ctx, project.UUID)
	if err != nil {
		return nil, err
	}
	runs, err := repo.ListRuns(ctx, project.UUID)
	if err != nil {
		return nil, err
	}
	var runNames []string
	for _, run := range runs {
		if run.Status == models.RunStatusSuccess {
			runNames = append(runNames, run.PipelineName)
		}
	}
	doc.Headers = []Header{{
		ToolName:     common.ToolName,
		ToolVersion:  common.Version,
		CreatedDate:  time.Now().UTC(),
		Notice:       exportNotice,
		InputSources: inputs,
		RunsExecuted: runNames,
		ExtraData:    models.JSONMap{"project_name": project.Name, "project_uuid": project.UUID},
	}}

	if doc.Packages, err = repo.ListPackages(ctx, project.UUID, database.PackageFilter{}); err != nil {
		return nil, err
	}
	if doc.Dependencies, err = repo.ListDependencies(ctx, project.UUID); err != nil {
		return nil, err
	}
	if doc.Resources, err = repo.ListResources(ctx, project.UUID, database.ResourceFilter{}); err != nil {
		return nil, err
	}
	if doc.Relations, err = repo.ListRelations(ctx, project.UUID); err != nil {
		return nil, err
	}
	if doc.Messages, err = repo.ListMessages(ctx, project.UUID); err != nil {
		return nil, err
	}
	return doc, nil
}
