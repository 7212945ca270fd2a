// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

func TestRegistryBuiltins(t *testing.T) {
	registry, err := NewRegistry(&config.AppConfig{})
	require.NoError(t, err)

	names := registry.Names()
	assert.Contains(t, names, "scan_codebase")
	assert.Contains(t, names, "inspect_packages")
	assert.Contains(t, names, "load_inventory")
	assert.Contains(t, names, "find_vulnerabilities")
	assert.Contains(t, names, "map_deploy_to_develop")

	vulnerabilities, err := registry.Get("find_vulnerabilities")
	require.NoError(t, err)
	assert.True(t, vulnerabilities.IsAddon)

	_, err = registry.Get("no_such_pipeline")
	assert.ErrorIs(t, err, errdefs.ErrUnknownPipeline)
}

func TestRegistryOverride(t *testing.T) {
	registry, err := NewRegistry(&config.AppConfig{})
	require.NoError(t, err)

	replacement := &Pipeline{
		Name:    "scan_codebase",
		Summary: "replacement",
		Steps:   []Step{{StepDescriptor: StepDescriptor{Name: "only"}, Run: func(*Context) error { return nil }}},
	}
	registry.Register(replacement)

	resolved, err := registry.Get("scan_codebase")
	require.NoError(t, err)
	assert.Equal(t, "replacement", resolved.Summary)
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	manifest := `
name: company_scan
summary: Run the in-house scanner.
is_addon: true
steps:
  - name: scan
    description: Run the scanner binary.
    command: ["/usr/bin/true"]
  - name: verify
    groups: [extra]
    command: ["/usr/bin/true", "--verify"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "company_scan.yml"), []byte(manifest), 0o644))

	registry, err := NewRegistry(&config.AppConfig{PipelinesDirs: []string{dir, filepath.Join(dir, "missing")}})
	require.NoError(t, err)

	pipeline, err := registry.Get("company_scan")
	require.NoError(t, err)
	assert.True(t, pipeline.IsAddon)
	require.Len(t, pipeline.Steps, 2)
	assert.Equal(t, []string{"extra"}, pipeline.Groups())
}

func TestLoadManifestValidation(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	_, err := LoadManifest(write("noname.yml", "summary: x\nsteps: [{name: a, command: [ls]}]"))
	assert.ErrorIs(t, err, errdefs.ErrBadConfig)

	_, err = LoadManifest(write("nosteps.yml", "name: x"))
	assert.ErrorIs(t, err, errdefs.ErrBadConfig)

	_, err = LoadManifest(write("nocommand.yml", "name: x\nsteps: [{name: a}]"))
	assert.ErrorIs(t, err, errdefs.ErrBadConfig)
}

func TestEffectiveSteps(t *testing.T) {
	pipeline := &Pipeline{
		Name: "sample",
		Steps: []Step{
			{StepDescriptor: StepDescriptor{Name: "always"}},
			{StepDescriptor: StepDescriptor{Name: "a_only", Groups: []string{"a"}}},
			{StepDescriptor: StepDescriptor{Name: "b_only", Groups: []string{"b"}}},
			{StepDescriptor: StepDescriptor{Name: "a_or_b", Groups: []string{"a", "b"}}},
		},
	}

	steps, err := pipeline.EffectiveSteps(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"always"}, stepNames(steps))

	steps, err = pipeline.EffectiveSteps([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"always", "a_only", "a_or_b"}, stepNames(steps))

	_, err = pipeline.EffectiveSteps([]string{"nope"})
	assert.ErrorIs(t, err, errdefs.ErrUnknownGroup)
}

func TestEffectiveStepsDefaultGroups(t *testing.T) {
	pipeline := mapDeployToDevelopPipeline()

	steps, err := pipeline.EffectiveSteps(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"map_checksum", "map_path_suffix"}, stepNames(steps))

	steps, err = pipeline.EffectiveSteps([]string{"checksum"})
	require.NoError(t, err)
	assert.Equal(t, []string{"map_checksum"}, stepNames(steps))
}

func stepNames(steps []Step) []string {
	names := make([]string, 0, len(steps))
	for _, step := range steps {
		names = append(names, step.Name)
	}
	return names
}

func TestManifestSubprocessStep(t *testing.T) {
	f := newEngineFixture(t)

	manifest := `
name: shell_scan
summary: Exercise the subprocess step contract.
steps:
  - name: record_cwd
    command: ["/bin/sh", "-c", "pwd -P > \"$DEPVET_PROJECT_TMP/cwd.txt\""]
  - name: write_marker
    command: ["/bin/sh", "-c", "echo scanned > \"$DEPVET_PROJECT_OUTPUT/marker.txt\""]
`
	path := filepath.Join(t.TempDir(), "shell_scan.yml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	pipeline, err := LoadManifest(path)
	require.NoError(t, err)
	require.NoError(t, f.engine.Execute(context.Background(), f.execution(pipeline)))

	marker, err := os.ReadFile(filepath.Join(f.ws.OutputDir(), "marker.txt"))
	require.NoError(t, err)
	assert.Equal(t, "scanned\n", string(marker))

	// The step's working directory is the workspace root.
	cwd, err := os.ReadFile(filepath.Join(f.ws.TmpDir(), "cwd.txt"))
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(f.ws.Root)
	require.NoError(t, err)
	assert.Equal(t, resolved, strings.TrimSpace(string(cwd)))
}

func TestManifestSubprocessStepFailure(t *testing.T) {
	f := newEngineFixture(t)

	manifest := `
name: broken_scan
summary: Always exits non-zero.
steps:
  - name: explode
    command: ["/bin/sh", "-c", "echo tool output; exit 3"]
`
	path := filepath.Join(t.TempDir(), "broken_scan.yml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	pipeline, err := LoadManifest(path)
	require.NoError(t, err)

	err = f.engine.Execute(context.Background(), f.execution(pipeline))
	require.ErrorIs(t, err, errdefs.ErrStepFailure)

	messages, err := f.db.ListMessages(context.Background(), f.project.UUID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.SeverityError, messages[0].Severity)
	assert.Contains(t, messages[0].Description, "explode")
	assert.Equal(t, "tool output", messages[0].Details["output"])
}
