// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/output"
)

func loadInventoryPipeline() *Pipeline {
	return &Pipeline{
		Name:    "load_inventory",
		Summary: "Load previously exported JSON result documents back into the project inventory.",
		Steps: []Step{
			{StepDescriptor: StepDescriptor{Name: "get_inputs",
				Description: "Check that the input directory holds at least one JSON results document."},
				Run: stepGetInventoryInputs},
			{StepDescriptor: StepDescriptor{Name: "build_inventory",
				Description: "Recreate packages, dependencies, resources and relations from the documents."},
				Run: stepBuildInventory},
		},
	}
}

func inventoryDocuments(pc *Context) ([]string, error) {
	entries, err := os.ReadDir(pc.Workspace.InputDir())
	if err != nil {
		return nil, fmt.Errorf("%w: reading input dir: %v", errdefs.ErrWorkspaceIO, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(pc.Workspace.InputDir(), entry.Name()))
	}
	return paths, nil
}

func stepGetInventoryInputs(pc *Context) error {
	paths, err := inventoryDocuments(pc)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no JSON results document in the project inputs")
	}
	return nil
}

func stepBuildInventory(pc *Context) error {
	paths, err := inventoryDocuments(pc)
	if err != nil {
		return err
	}

	var loaded int
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
		}
		doc, err := output.ParseDocument(raw)
		if err != nil {
			pc.RecordMessage(models.SeverityWarning, "Project",
				fmt.Sprintf("skipping %s", filepath.Base(path)),
				models.JSONMap{"error": err.Error()})
			continue
		}
		if err := importDocument(pc, doc); err != nil {
			return err
		}
		loaded++
		pc.Log.Info().
			Str("document", filepath.Base(path)).
			Int("packages", len(doc.Packages)).
			Int("resources", len(doc.Resources)).
			Msg("Inventory document loaded")
	}
	if loaded == 0 {
		return fmt.Errorf("none of the input JSON files is a results document")
	}
	return nil
}

// importDocument recreates the document rows under the current project.
// Database identities are reset so re-imports into a fresh project never
// collide with the exporting project's rows.
func importDocument(pc *Context, doc *output.Document) error {
	for i := range doc.Packages {
		doc.Packages[i].ID = 0
		doc.Packages[i].ProjectUUID = pc.Project.UUID
	}
	for i := range doc.Dependencies {
		doc.Dependencies[i].ID = 0
		doc.Dependencies[i].ProjectUUID = pc.Project.UUID
	}
	for i := range doc.Resources {
		doc.Resources[i].ID = 0
		doc.Resources[i].ProjectUUID = pc.Project.UUID
	}
	for i := range doc.Relations {
		doc.Relations[i].ID = 0
		doc.Relations[i].ProjectUUID = pc.Project.UUID
	}

	if len(doc.Packages) > 0 {
		if err := pc.DB.CreatePackages(pc.Ctx, doc.Packages); err != nil {
			return err
		}
	}
	if len(doc.Dependencies) > 0 {
		if err := pc.DB.CreateDependencies(pc.Ctx, doc.Dependencies); err != nil {
			return err
		}
	}
	if len(doc.Resources) > 0 {
		if err := pc.DB.CreateResources(pc.Ctx, doc.Resources); err != nil {
			return err
		}
	}
	if len(doc.Relations) > 0 {
		if err := pc.DB.CreateRelations(pc.Ctx, doc.Relations); err != nil {
			return err
		}
	}
	return nil
}
