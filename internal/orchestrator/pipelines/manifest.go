// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

// pipelineManifest is the YAML shape of a directory-installed pipeline.
// Each step is an argv run as a subprocess against the project workspace.
type pipelineManifest struct {
	Name    string `yaml:"name"`
	Summary string `yaml:"summary"`
	IsAddon bool   `yaml:"is_addon"`
	Steps   []struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Groups      []string `yaml:"groups"`
		Command     []string `yaml:"command"`
	} `yaml:"steps"`
}

// LoadManifest parses one pipeline manifest file into an executable
// pipeline.
func LoadManifest(path string) (*Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pipeline manifest %s: %v", errdefs.ErrBadConfig, path, err)
	}
	var manifest pipelineManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: bad pipeline manifest %s: %v", errdefs.ErrBadConfig, path, err)
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("%w: pipeline manifest %s has no name", errdefs.ErrBadConfig, path)
	}
	if len(manifest.Steps) == 0 {
		return nil, fmt.Errorf("%w: pipeline manifest %s has no steps", errdefs.ErrBadConfig, path)
	}

	pipeline := &Pipeline{
		Name:    manifest.Name,
		Summary: manifest.Summary,
		IsAddon: manifest.IsAddon,
	}
	for i, step := range manifest.Steps {
		if step.Name == "" {
			return nil, fmt.Errorf("%w: pipeline manifest %s step %d has no name", errdefs.ErrBadConfig, path, i)
		}
		if len(step.Command) == 0 {
			return nil, fmt.Errorf("%w: pipeline manifest %s step %q has no command", errdefs.ErrBadConfig, path, step.Name)
		}
		pipeline.Steps = append(pipeline.Steps, Step{
			StepDescriptor: StepDescriptor{
				Name:        step.Name,
				Description: step.Description,
				Groups:      step.Groups,
			},
			Run: subprocessStep(step.Name, step.Command),
		})
	}
	return pipeline, nil
}

// subprocessStep runs an argv against the project workspace. The
// workspace directories and project name are passed through the
// environment; output goes to the run log; a non-zero exit fails the
// step.
func subprocessStep(stepName string, argv []string) StepFunc {
	return func(pc *Context) error {
		cmd := exec.CommandContext(pc.Ctx, argv[0], argv[1:]...)
		cmd.Dir = pc.Workspace.Root
		cmd.Env = append(os.Environ(),
			"DEPVET_PROJECT_INPUT="+pc.Workspace.InputDir(),
			"DEPVET_PROJECT_CODEBASE="+pc.Workspace.CodebaseDir(),
			"DEPVET_PROJECT_OUTPUT="+pc.Workspace.OutputDir(),
			"DEPVET_PROJECT_TMP="+pc.Workspace.TmpDir(),
			"DEPVET_PROJECT_NAME="+pc.Project.Name,
		)

		output, err := cmd.CombinedOutput()
		if text := strings.TrimSpace(string(output)); text != "" {
			pc.Log.Info().Str("step", stepName).Msg(text)
		}
		if err != nil {
			pc.RecordMessage(models.SeverityError, "Run", fmt.Sprintf("step %s: %v", stepName, err), models.JSONMap{
				"command": strings.Join(argv, " "),
				"output":  strings.TrimSpace(string(output)),
			})
			return fmt.Errorf("command %q: %w", argv[0], err)
		}
		return nil
	}
}
