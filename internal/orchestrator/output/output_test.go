// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

func testWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws := workspace.New(t.TempDir())
	require.NoError(t, ws.Create())
	return ws
}

func sampleDocument() *Document {
	return &Document{
		Headers: []Header{{ToolName: "depvet", ToolVersion: "dev"}},
		Packages: []models.DiscoveredPackage{
			{
				ProjectUUID: "p1", PackageUID: "pkg:npm/left-pad@1.3.0?uuid=x",
				Type: "npm", Name: "left-pad", Version: "1.3.0",
				DeclaredLicenseExpression: "mit",
				AffectedByVulnerabilities: models.MapSlice{
					{"vulnerability_id": "VCID-0001"},
				},
			},
			{
				ProjectUUID: "p1", PackageUID: "pkg:pypi/requests@2.32.0?uuid=y",
				Type: "pypi", Name: "requests", Version: "2.32.0",
			},
		},
		Dependencies: []models.DiscoveredDependency{
			{ProjectUUID: "p1", DependencyUID: "d1", PURL: "pkg:npm/ms@2.1.3", Scope: "dependencies"},
		},
		Resources: []models.CodebaseResource{
			{ProjectUUID: "p1", Path: "src/main.js", Type: "file", Name: "main.js", Size: 10},
		},
		Relations: []models.CodebaseRelation{
			{ProjectUUID: "p1", FromResourcePath: "dist/a.js", ToResourcePath: "src/a.js", MapType: "path_suffix"},
		},
		Messages: []models.ProjectMessage{
			{ProjectUUID: "p1", Severity: "warning", Model: "CodebaseResource", Description: "odd file"},
		},
	}
}

func TestDispatchUnknownFormat(t *testing.T) {
	_, err := Dispatch("xlsx")
	assert.ErrorIs(t, err, errdefs.ErrResultExport)
	assert.Contains(t, err.Error(), "json")

	_, err = Dispatch("attribution")
	assert.ErrorIs(t, err, errdefs.ErrResultExport)
}

func TestDispatchCycloneDXVariant(t *testing.T) {
	_, err := Dispatch("cyclonedx:1.5")
	assert.NoError(t, err)

	_, err = Dispatch("cyclonedx:9.9")
	assert.ErrorIs(t, err, errdefs.ErrResultExport)

	_, err = Dispatch("json:1.5")
	assert.ErrorIs(t, err, errdefs.ErrResultExport)
}

func TestJSONRoundTrip(t *testing.T) {
	ws := testWorkspace(t)
	doc := sampleDocument()

	paths, err := Export("json", doc, ws)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	parsed, err := ParseDocument(raw)
	require.NoError(t, err)

	assert.Len(t, parsed.Packages, 2)
	assert.Len(t, parsed.Dependencies, 1)
	assert.Len(t, parsed.Resources, 1)
	assert.Len(t, parsed.Relations, 1)
	assert.Len(t, parsed.Messages, 1)
	assert.Equal(t, "left-pad", parsed.Packages[0].Name)
	assert.Equal(t, "VCID-0001", parsed.Packages[0].AffectedByVulnerabilities[0]["vulnerability_id"])
}

func TestParseDocumentRejectsForeignJSON(t *testing.T) {
	_, err := ParseDocument([]byte(`{"not": "a results document"}`))
	assert.ErrorIs(t, err, errdefs.ErrResultExport)

	_, err = ParseDocument([]byte(`not json`))
	assert.ErrorIs(t, err, errdefs.ErrResultExport)
}

func TestCSVWritesOneFilePerModel(t *testing.T) {
	ws := testWorkspace(t)
	paths, err := Export("csv", sampleDocument(), ws)
	require.NoError(t, err)
	require.Len(t, paths, 5)

	var stems []string
	for _, p := range paths {
		stems = append(stems, filepath.Base(p))
	}
	assert.Contains(t, stems[0], "packages")
	assert.Contains(t, stems[1], "dependencies")
	assert.Contains(t, stems[2], "resources")
	assert.Contains(t, stems[3], "relations")
	assert.Contains(t, stems[4], "messages")
}

func TestCycloneDXExport(t *testing.T) {
	ws := testWorkspace(t)
	paths, err := Export("cyclonedx", sampleDocument(), ws)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	var bom map[string]any
	require.NoError(t, json.Unmarshal(raw, &bom))

	assert.Equal(t, "CycloneDX", bom["bomFormat"])
	assert.Equal(t, "1.6", bom["specVersion"])
	assert.Len(t, bom["components"], 2)
	assert.Len(t, bom["vulnerabilities"], 1)
}

func TestCycloneDXSelectableVersion(t *testing.T) {
	ws := testWorkspace(t)
	paths, err := Export("cyclonedx:1.5", sampleDocument(), ws)
	require.NoError(t, err)

	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	var bom map[string]any
	require.NoError(t, json.Unmarshal(raw, &bom))
	assert.Equal(t, "1.5", bom["specVersion"])
}

func TestSPDXExport(t *testing.T) {
	ws := testWorkspace(t)
	paths, err := Export("spdx", sampleDocument(), ws)
	require.NoError(t, err)

	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "SPDX-2.3", doc["spdxVersion"])
	assert.Len(t, doc["packages"], 2)
	assert.Len(t, doc["relationships"], 2)
}
