// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipelines holds the pipeline registry and execution engine. A
// pipeline is an ordered list of steps run against one project workspace;
// steps are cooperative units: the engine observes cancellation and
// deadlines between them, never inside them.
package pipelines

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/policies"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// StepFunc is one step body. A returned error fails the run.
type StepFunc func(pc *Context) error

// StepDescriptor is the metadata of one step.
type StepDescriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	// Groups are the selection labels of this step. A step without groups
	// is always-on; a grouped step runs only when one of its groups is
	// selected.
	Groups []string `json:"groups,omitempty"`
}

// Step couples a descriptor with its body.
type Step struct {
	StepDescriptor
	Run StepFunc
}

// Descriptor is the registry-facing metadata of a pipeline.
type Descriptor struct {
	Name    string           `json:"name"`
	Summary string           `json:"summary"`
	Steps   []StepDescriptor `json:"steps"`
	IsAddon bool             `json:"is_addon"`
}

// Pipeline is an executable pipeline.
type Pipeline struct {
	Name    string
	Summary string
	IsAddon bool
	Steps   []Step
	// DefaultGroups is the group selection applied when a run selects
	// none. Empty means only always-on steps run by default.
	DefaultGroups []string
}

// Descriptor returns the metadata view of the pipeline.
func (p *Pipeline) Descriptor() Descriptor {
	descriptor := Descriptor{
		Name:    p.Name,
		Summary: p.Summary,
		IsAddon: p.IsAddon,
		Steps:   make([]StepDescriptor, 0, len(p.Steps)),
	}
	for _, step := range p.Steps {
		descriptor.Steps = append(descriptor.Steps, step.StepDescriptor)
	}
	return descriptor
}

// Groups returns the sorted set of selectable group labels.
func (p *Pipeline) Groups() []string {
	seen := map[string]bool{}
	for _, step := range p.Steps {
		for _, group := range step.Groups {
			seen[group] = true
		}
	}
	groups := make([]string, 0, len(seen))
	for group := range seen {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// EffectiveSteps computes the step list for a group selection: always-on
// steps plus steps with a selected group. An unknown selected group is an
// error.
func (p *Pipeline) EffectiveSteps(selectedGroups []string) ([]Step, error) {
	if len(selectedGroups) == 0 {
		selectedGroups = p.DefaultGroups
	}
	known := map[string]bool{}
	for _, group := range p.Groups() {
		known[group] = true
	}
	selected := map[string]bool{}
	for _, group := range selectedGroups {
		if !known[group] {
			return nil, fmt.Errorf("%w: %q is not a group of pipeline %s, available: %v",
				errdefs.ErrUnknownGroup, group, p.Name, p.Groups())
		}
		selected[group] = true
	}

	var steps []Step
	for _, step := range p.Steps {
		if len(step.Groups) == 0 {
			steps = append(steps, step)
			continue
		}
		for _, group := range step.Groups {
			if selected[group] {
				steps = append(steps, step)
				break
			}
		}
	}
	return steps, nil
}

// Context is what a running step sees: the project and run being
// executed, the persistence layer, the workspace directories and the
// merged per-project configuration.
type Context struct {
	Ctx       context.Context
	Project   *models.Project
	Run       *models.Run
	DB        database.Repository
	Workspace *workspace.Workspace
	Env       *config.ProjectEnv
	Config    *config.AppConfig
	// Policies is nil when no policy file is configured for the project
	// or the deployment.
	Policies *policies.Document
	Log      zerolog.Logger

	FileTimeout time.Duration
	MaxFileSize int64
	Processes   int
}

// RecordMessage persists a project message, the per-entity error channel
// of pipeline steps. Failures to record are logged, not propagated.
func (pc *Context) RecordMessage(severity, model, description string, details models.JSONMap) {
	message := &models.ProjectMessage{
		ProjectUUID: pc.Project.UUID,
		Severity:    severity,
		Model:       model,
		Description: description,
		Details:     details,
	}
	if err := pc.DB.CreateMessage(pc.Ctx, message); err != nil {
		pc.Log.Error().Err(err).Str("description", description).Msg("Failed to record project message")
	}
}
