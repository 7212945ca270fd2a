// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/output"
	"github.com/depvet/depvet/internal/orchestrator/policies"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

func newStepContext(t *testing.T) *Context {
	t.Helper()
	db := database.NewTestDB(t)
	project := database.CreateTestProject(t, db, "step-test")
	run := database.CreateTestRun(t, db, project, "scan_codebase", models.RunStatusRunning)
	ws := workspace.New(t.TempDir())
	require.NoError(t, ws.Create())
	return &Context{
		Ctx:       context.Background(),
		Project:   project,
		Run:       run,
		DB:        db,
		Workspace: ws,
		Config:    &config.AppConfig{},
		Log:       zerolog.Nop(),
	}
}

func writeCodebaseFile(t *testing.T, pc *Context, relPath, content string) {
	t.Helper()
	path := filepath.Join(pc.Workspace.CodebaseDir(), filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanCodebaseSteps(t *testing.T) {
	pc := newStepContext(t)
	pc.Env = &config.ProjectEnv{IgnoredPatterns: []string{"**/*.log"}}

	// Inputs: a plain file and an archive that extracts next to itself.
	require.NoError(t, os.WriteFile(
		filepath.Join(pc.Workspace.InputDir(), "main.c"), []byte("int main(void) { return 0; }"), 0o644))
	archivePath := writeZip(t, t.TempDir(), map[string]string{
		"src/app.js":   "console.log(1)",
		"logs/out.log": "noise",
	})
	archiveDest := filepath.Join(pc.Workspace.InputDir(), "bundle.zip")
	raw, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archiveDest, raw, 0o644))
	require.NoError(t, pc.Workspace.WriteManifestEntry("bundle.zip", workspace.ManifestEntry{Tag: "to"}))

	require.NoError(t, stepCopyInputsToCodebase(pc))
	assert.FileExists(t, filepath.Join(pc.Workspace.CodebaseDir(), "main.c"))
	assert.NoFileExists(t, filepath.Join(pc.Workspace.CodebaseDir(), workspace.ManifestFilename))

	require.NoError(t, stepExtractArchives(pc))
	assert.FileExists(t, filepath.Join(pc.Workspace.CodebaseDir(), "bundle.zip"+extractSuffix, "src", "app.js"))

	require.NoError(t, stepCollectFilesystemInformation(pc))
	resource, err := pc.DB.GetResourceByPath(context.Background(), pc.Project.UUID, "main.c")
	require.NoError(t, err)
	assert.Equal(t, models.ResourceTypeFile, resource.Type)
	assert.Len(t, resource.SHA1, 40)
	assert.Len(t, resource.SHA256, 64)
	assert.NotEmpty(t, resource.MimeType)

	tagged, err := pc.DB.GetResourceByPath(context.Background(), pc.Project.UUID, "bundle.zip"+extractSuffix+"/src/app.js")
	require.NoError(t, err)
	assert.Equal(t, "to", tagged.Tag)

	require.NoError(t, stepFlagIgnoredResources(pc))
	ignored, err := pc.DB.GetResourceByPath(context.Background(), pc.Project.UUID, "bundle.zip"+extractSuffix+"/logs/out.log")
	require.NoError(t, err)
	assert.Equal(t, models.ResourceStatusIgnored, ignored.Status)
	scanned, err := pc.DB.GetResourceByPath(context.Background(), pc.Project.UUID, "main.c")
	require.NoError(t, err)
	assert.Equal(t, models.ResourceStatusScanned, scanned.Status)

	require.NoError(t, stepSummarize(pc))
	project, err := pc.DB.GetProject(context.Background(), pc.Project.UUID)
	require.NoError(t, err)
	summary, ok := project.ExtraData["scan_summary"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, summary["ignored_count"])
}

func TestEvaluateLicenseCompliance(t *testing.T) {
	pc := newStepContext(t)
	doc, err := policies.Load([]byte(`
license_policies:
  - license_key: mit
    label: Approved
    compliance_alert: ''
  - license_key: gpl-3.0
    label: Prohibited
    compliance_alert: error
`))
	require.NoError(t, err)
	pc.Policies = doc

	require.NoError(t, pc.DB.CreateResources(context.Background(), []models.CodebaseResource{
		{ProjectUUID: pc.Project.UUID, Path: "a.c", Type: models.ResourceTypeFile,
			Status: models.ResourceStatusScanned, DetectedLicenseExpression: "mit"},
		{ProjectUUID: pc.Project.UUID, Path: "b.c", Type: models.ResourceTypeFile,
			Status: models.ResourceStatusScanned, DetectedLicenseExpression: "mit OR gpl-3.0"},
	}))
	require.NoError(t, pc.DB.CreatePackages(context.Background(), []models.DiscoveredPackage{
		{ProjectUUID: pc.Project.UUID, Name: "left-pad", Type: "npm",
			DeclaredLicenseExpression: "gpl-3.0"},
	}))

	require.NoError(t, stepEvaluateLicenseCompliance(pc))

	clean, err := pc.DB.GetResourceByPath(context.Background(), pc.Project.UUID, "a.c")
	require.NoError(t, err)
	assert.Equal(t, "", clean.ComplianceAlert)

	flagged, err := pc.DB.GetResourceByPath(context.Background(), pc.Project.UUID, "b.c")
	require.NoError(t, err)
	assert.Equal(t, "error", flagged.ComplianceAlert)

	packages, err := pc.DB.ListPackages(context.Background(), pc.Project.UUID, database.PackageFilter{})
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "error", packages[0].ComplianceAlert)
}

func TestInspectPackages(t *testing.T) {
	pc := newStepContext(t)
	writeCodebaseFile(t, pc, "app/package.json", `{
		"name": "@acme/app", "version": "2.0.0", "license": "MIT",
		"dependencies": {"ms": "2.1.3", "debug": "^4.0.0"},
		"devDependencies": {"jest": "~29.0.0"}
	}`)
	writeCodebaseFile(t, pc, "svc/requirements.txt", "requests==2.32.0\nflask>=2.0\n# comment\n")
	writeCodebaseFile(t, pc, "rust/Cargo.toml", `
[package]
name = "widget"
version = "0.3.1"
license = "Apache-2.0"

[dependencies]
serde = "1.0.200"
tokio = { version = "1.38", features = ["full"] }
`)
	writeCodebaseFile(t, pc, "purl-list.txt", "pkg:gem/rails@7.1.0\n")

	require.NoError(t, stepInspectManifests(pc))

	packages, err := pc.DB.ListPackages(context.Background(), pc.Project.UUID, database.PackageFilter{})
	require.NoError(t, err)
	require.Len(t, packages, 3)

	byName := map[string]models.DiscoveredPackage{}
	for _, pkg := range packages {
		byName[pkg.Name] = pkg
	}
	assert.Equal(t, "@acme", byName["app"].Namespace)
	assert.Equal(t, "mit", byName["app"].DeclaredLicenseExpression)
	assert.Equal(t, "0.3.1", byName["widget"].Version)
	assert.Equal(t, "7.1.0", byName["rails"].Version)

	dependencies, err := pc.DB.ListDependencies(context.Background(), pc.Project.UUID)
	require.NoError(t, err)
	// 3 npm + 2 pypi + 2 cargo.
	assert.Len(t, dependencies, 7)

	var pinned, runtime int
	for _, dependency := range dependencies {
		if dependency.IsPinned {
			pinned++
		}
		if dependency.IsRuntime {
			runtime++
		}
	}
	assert.Equal(t, 4, pinned)  // ms, requests, serde, tokio
	assert.Equal(t, 6, runtime) // everything but the dev dependency jest
}

func TestParseCargoTomlDependencyTables(t *testing.T) {
	packages, dependencies, err := parseCargoToml([]byte(`
[package]
name = "widget"
version = "0.3.1"
license = "Apache-2.0"

[dependencies]
serde = { version = "1.0.200", features = ["derive"] }

[dependencies.tokio]
version = "1.38"
features = ["full"]

[dev-dependencies]
criterion = "0.5"

[build-dependencies]
cc = "1.0"
`))
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "widget", packages[0].Name)
	assert.Equal(t, "0.3.1", packages[0].Version)
	assert.Equal(t, "apache-2.0", packages[0].DeclaredLicenseExpression)

	byPURL := map[string]models.DiscoveredDependency{}
	for _, dependency := range dependencies {
		byPURL[dependency.PURL] = dependency
	}
	require.Len(t, byPURL, 4)

	tokio := byPURL["pkg:cargo/tokio"]
	assert.Equal(t, "dependencies", tokio.Scope)
	assert.True(t, tokio.IsRuntime)
	assert.Equal(t, "1.38", tokio.ExtraData["constraint"])

	criterion := byPURL["pkg:cargo/criterion"]
	assert.Equal(t, "dev-dependencies", criterion.Scope)
	assert.False(t, criterion.IsRuntime)

	_, _, err = parseCargoToml([]byte("[workspace]\nmembers = [\"a\"]\n"))
	assert.Error(t, err)
}

func TestLoadInventoryRoundTrip(t *testing.T) {
	// Export a populated project, then load the document into a second
	// project and compare counts.
	source := newStepContext(t)
	require.NoError(t, source.DB.CreatePackages(context.Background(), []models.DiscoveredPackage{
		{ProjectUUID: source.Project.UUID, Type: "npm", Name: "left-pad", Version: "1.3.0"},
		{ProjectUUID: source.Project.UUID, Type: "pypi", Name: "requests", Version: "2.32.0"},
	}))
	require.NoError(t, source.DB.CreateResources(context.Background(), []models.CodebaseResource{
		{ProjectUUID: source.Project.UUID, Path: "a.txt", Type: models.ResourceTypeFile},
	}))
	require.NoError(t, source.DB.CreateDependencies(context.Background(), []models.DiscoveredDependency{
		{ProjectUUID: source.Project.UUID, PURL: "pkg:npm/ms@2.1.3"},
	}))

	doc, err := output.BuildDocument(context.Background(), source.DB, source.Project)
	require.NoError(t, err)
	paths, err := output.Export("json", doc, source.Workspace)
	require.NoError(t, err)

	target := newStepContext(t)
	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(target.Workspace.InputDir(), "results.json"), raw, 0o644))

	require.NoError(t, stepGetInventoryInputs(target))
	require.NoError(t, stepBuildInventory(target))

	count, err := target.DB.CountPackages(context.Background(), target.Project.UUID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	resourceCount, err := target.DB.CountResources(context.Background(), target.Project.UUID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, resourceCount)
	dependencyCount, err := target.DB.CountDependencies(context.Background(), target.Project.UUID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dependencyCount)
}

func TestLoadInventoryRejectsEmptyInputs(t *testing.T) {
	pc := newStepContext(t)
	err := stepGetInventoryInputs(pc)
	assert.Error(t, err)
}

func TestFindVulnerabilities(t *testing.T) {
	pc := newStepContext(t)
	require.NoError(t, pc.DB.CreatePackages(context.Background(), []models.DiscoveredPackage{
		{ProjectUUID: pc.Project.UUID, Type: "npm", Name: "left-pad", Version: "1.3.0"},
		{ProjectUUID: pc.Project.UUID, Type: "pypi", Name: "requests", Version: "2.32.0"},
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/packages/bulk_search", r.URL.Path)
		require.Equal(t, "Token sekrit", r.Header.Get("Authorization"))

		var body struct {
			PURLs []string `json:"purls"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.PURLs, 2)

		fmt.Fprint(w, `[
			{"purl": "pkg:npm/left-pad@1.3.0",
			 "affected_by_vulnerabilities": [{"vulnerability_id": "VCID-0001"}]},
			{"purl": "pkg:pypi/requests@2.32.0", "affected_by_vulnerabilities": []}
		]`)
	}))
	defer srv.Close()

	pc.Config = &config.AppConfig{VulnerableCodeURL: srv.URL, VulnerableCodeAPIKey: "sekrit"}
	require.NoError(t, stepLookupPackages(pc))

	vulnerable, err := pc.DB.CountVulnerablePackages(context.Background(), pc.Project.UUID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, vulnerable)
}

func TestFindVulnerabilitiesRequiresService(t *testing.T) {
	pc := newStepContext(t)
	err := stepLookupPackages(pc)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "vulnerablecode_url")
}

func TestMapDeployToDevelop(t *testing.T) {
	pc := newStepContext(t)
	require.NoError(t, pc.DB.CreateResources(context.Background(), []models.CodebaseResource{
		// Checksum pair.
		{ProjectUUID: pc.Project.UUID, Path: "dev/src/util.js", Name: "util.js",
			Type: models.ResourceTypeFile, Tag: "from", SHA1: "aaa"},
		{ProjectUUID: pc.Project.UUID, Path: "deploy/bundle/util.js", Name: "util.js",
			Type: models.ResourceTypeFile, Tag: "to", SHA1: "aaa"},
		// Path-suffix pair: different checksums, shared suffix lib/core.js.
		{ProjectUUID: pc.Project.UUID, Path: "dev/lib/core.js", Name: "core.js",
			Type: models.ResourceTypeFile, Tag: "from", SHA1: "bbb"},
		{ProjectUUID: pc.Project.UUID, Path: "deploy/lib/core.js", Name: "core.js",
			Type: models.ResourceTypeFile, Tag: "to", SHA1: "ccc"},
		// Unmatched deployed file.
		{ProjectUUID: pc.Project.UUID, Path: "deploy/vendor.js", Name: "vendor.js",
			Type: models.ResourceTypeFile, Tag: "to", SHA1: "ddd"},
	}))

	require.NoError(t, stepMapChecksum(pc))
	require.NoError(t, stepMapPathSuffix(pc))

	relations, err := pc.DB.ListRelations(context.Background(), pc.Project.UUID)
	require.NoError(t, err)
	require.Len(t, relations, 2)

	byType := map[string]models.CodebaseRelation{}
	for _, relation := range relations {
		byType[relation.MapType] = relation
	}
	assert.Equal(t, "dev/src/util.js", byType["sha1"].FromResourcePath)
	assert.Equal(t, "deploy/bundle/util.js", byType["sha1"].ToResourcePath)
	assert.Equal(t, "dev/lib/core.js", byType["path_suffix"].FromResourcePath)
	assert.Equal(t, "deploy/lib/core.js", byType["path_suffix"].ToResourcePath)
}
