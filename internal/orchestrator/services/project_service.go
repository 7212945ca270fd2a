// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package services holds the application services between the surfaces
// (REST, CLI) and the persistence layer. The project service is the
// single writer for project-level invariants; nothing else creates or
// mutates projects.
package services

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/fetch"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/pipelines"
	"github.com/depvet/depvet/internal/orchestrator/scheduler"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// InputFile is one local file to copy into a project's input directory.
type InputFile struct {
	Path string
	Tag  string
}

// PipelineSelection names a pipeline and the step groups to run.
type PipelineSelection struct {
	Name   string
	Groups []string
}

// CreateProjectParams collects everything a project can be born with.
type CreateProjectParams struct {
	Name     string
	Labels   []string
	Notes    string
	Settings map[string]any

	InputFiles   []InputFile
	InputURLs    []string
	CopyCodebase string

	Pipelines  []PipelineSelection
	ExecuteNow bool

	// CreateGlobalWebhook subscribes the configured global webhook
	// template; ignored when the template is disabled.
	CreateGlobalWebhook bool
}

// ProjectService implements the project lifecycle operations shared by
// every surface.
type ProjectService struct {
	db       database.Repository
	cfg      *config.AppConfig
	fetcher  *fetch.Fetcher
	registry *pipelines.Registry
	sched    *scheduler.Scheduler
	log      zerolog.Logger
}

// NewProjectService wires the project service.
func NewProjectService(db database.Repository, cfg *config.AppConfig, fetcher *fetch.Fetcher,
	registry *pipelines.Registry, sched *scheduler.Scheduler) *ProjectService {
	return &ProjectService{
		db:       db,
		cfg:      cfg,
		fetcher:  fetcher,
		registry: registry,
		sched:    sched,
		log:      logger.GetOrchestratorLogger(),
	}
}

// Workspace returns the workspace of a project.
func (s *ProjectService) Workspace(project *models.Project) *workspace.Workspace {
	return workspace.ForProject(s.cfg.ProjectsRoot(), project)
}

// CreateProject creates a project atomically: the rows, the workspace
// directory, the inputs and the pipeline runs either all exist
// afterwards or none do. Any failure after the rows are committed
// triggers a compensating delete.
func (s *ProjectService) CreateProject(ctx context.Context, params CreateProjectParams) (*models.Project, error) {
	if err := s.validateCreate(ctx, &params); err != nil {
		return nil, err
	}

	project := &models.Project{
		Name:     params.Name,
		Labels:   models.StringSlice(params.Labels),
		Notes:    params.Notes,
		Settings: models.JSONMap(params.Settings),
	}
	err := s.db.Transaction(ctx, func(tx database.Repository) error {
		if err := tx.CreateProject(ctx, project); err != nil {
			return err
		}
		if params.CreateGlobalWebhook && s.cfg.GlobalWebhook.Enabled() {
			return tx.CreateWebhookSubscription(ctx, globalSubscription(project.UUID, s.cfg.GlobalWebhook))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.populateProject(ctx, project, params); err != nil {
		s.compensate(ctx, project)
		return nil, err
	}

	if params.ExecuteNow {
		if err := s.executeQueuedPipelines(ctx, project); err != nil {
			return nil, err
		}
	}
	s.log.Info().Str("project", project.Name).Str("uuid", project.UUID).Msg("Project created")
	return project, nil
}

// validateCreate runs every check that can fail before anything is
// created: name rules, uniqueness, and pipeline existence.
func (s *ProjectService) validateCreate(ctx context.Context, params *CreateProjectParams) error {
	if err := models.ValidateProjectName(params.Name); err != nil {
		return err
	}
	exists, err := s.db.ProjectNameExists(ctx, params.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %q", errdefs.ErrNameTaken, params.Name)
	}
	for _, selection := range params.Pipelines {
		pipeline, err := s.registry.Get(selection.Name)
		if err != nil {
			return err
		}
		if _, err := pipeline.EffectiveSteps(selection.Groups); err != nil {
			return err
		}
	}
	return nil
}

// populateProject builds the on-disk and derived state of a fresh
// project: workspace, inputs, codebase copy, pipeline runs.
func (s *ProjectService) populateProject(ctx context.Context, project *models.Project, params CreateProjectParams) error {
	ws := s.Workspace(project)
	if err := ws.Create(); err != nil {
		return err
	}
	if err := s.addInputFiles(ctx, project, ws, params.InputFiles); err != nil {
		return err
	}
	if err := s.addInputURLs(ctx, project, ws, params.InputURLs); err != nil {
		return err
	}
	if params.CopyCodebase != "" {
		if err := ws.CopyTreeToCodebase(params.CopyCodebase); err != nil {
			return err
		}
	}
	for _, selection := range params.Pipelines {
		if _, err := s.createRun(ctx, project, selection); err != nil {
			return err
		}
	}
	return nil
}

// compensate rolls back a half-created project: rows and workspace.
func (s *ProjectService) compensate(ctx context.Context, project *models.Project) {
	if err := s.db.DeleteProject(ctx, project.UUID); err != nil {
		s.log.Error().Err(err).Str("project", project.UUID).Msg("Compensating row delete failed")
	}
	if err := s.Workspace(project).Remove(); err != nil {
		s.log.Error().Err(err).Str("project", project.UUID).Msg("Compensating workspace delete failed")
	}
}

// AddInputs copies local files and fetches URLs into the project input
// directory. Rejected while any run is non-terminal so executed
// pipelines always describe the inputs they actually saw.
func (s *ProjectService) AddInputs(ctx context.Context, projectUUID string, files []InputFile, urls []string, codebaseCopy string) error {
	project, err := s.db.GetProject(ctx, projectUUID)
	if err != nil {
		return err
	}
	if err := s.requireIdle(ctx, project); err != nil {
		return err
	}

	ws := s.Workspace(project)
	if err := ws.Create(); err != nil {
		return err
	}
	if err := s.addInputFiles(ctx, project, ws, files); err != nil {
		return err
	}
	if err := s.addInputURLs(ctx, project, ws, urls); err != nil {
		return err
	}
	if codebaseCopy != "" {
		if err := ws.CopyTreeToCodebase(codebaseCopy); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProjectService) addInputFiles(ctx context.Context, project *models.Project, ws *workspace.Workspace, files []InputFile) error {
	for _, file := range files {
		name := workspace.SanitizeFilename(filepath.Base(file.Path))
		size, err := ws.CopyFileToInput(file.Path, name)
		if err != nil {
			return err
		}
		if err := ws.WriteManifestEntry(name, workspace.ManifestEntry{
			Tag:        file.Tag,
			IsUploaded: true,
			Size:       size,
		}); err != nil {
			return err
		}
		if err := s.db.CreateInputSource(ctx, &models.InputSource{
			ProjectUUID: project.UUID,
			Filename:    name,
			Tag:         file.Tag,
			IsUploaded:  true,
			Size:        size,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProjectService) addInputURLs(ctx context.Context, project *models.Project, ws *workspace.Workspace, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	sources, err := s.fetcher.FetchToProject(ctx, project.UUID, ws, urls)
	if err != nil {
		return err
	}
	for i := range sources {
		if err := s.db.CreateInputSource(ctx, &sources[i]); err != nil {
			return err
		}
	}
	return nil
}

// AddPipeline appends a run for the named pipeline to the project's
// queue. With executeNow the run is queued (and executed inline in
// synchronous deployments).
func (s *ProjectService) AddPipeline(ctx context.Context, projectUUID string, selection PipelineSelection, executeNow bool) (*models.Run, error) {
	project, err := s.db.GetProject(ctx, projectUUID)
	if err != nil {
		return nil, err
	}
	pipeline, err := s.registry.Get(selection.Name)
	if err != nil {
		return nil, err
	}
	if _, err := pipeline.EffectiveSteps(selection.Groups); err != nil {
		return nil, err
	}

	run, err := s.createRun(ctx, project, selection)
	if err != nil {
		return nil, err
	}
	if executeNow {
		if err := s.startRun(ctx, project, run); err != nil {
			return nil, err
		}
	}
	return run, nil
}

func (s *ProjectService) createRun(ctx context.Context, project *models.Project, selection PipelineSelection) (*models.Run, error) {
	pipeline, err := s.registry.Get(selection.Name)
	if err != nil {
		return nil, err
	}
	run := &models.Run{
		ProjectUUID:    project.UUID,
		PipelineName:   pipeline.Name,
		SelectedGroups: models.StringSlice(selection.Groups),
		Description:    pipeline.Summary,
		Status:         models.RunStatusNotStarted,
	}
	if err := s.db.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// startRun queues one run and, in synchronous mode, drains the project
// queue inline.
func (s *ProjectService) startRun(ctx context.Context, project *models.Project, run *models.Run) error {
	if err := s.sched.Enqueue(ctx, run.UUID); err != nil {
		return err
	}
	if s.cfg.Async {
		return nil
	}
	_, err := s.sched.ExecuteNext(ctx, project.UUID)
	return err
}

// executeQueuedPipelines queues every not-started run of the project in
// creation order and kicks off execution.
func (s *ProjectService) executeQueuedPipelines(ctx context.Context, project *models.Project) error {
	runs, err := s.db.ListRuns(ctx, project.UUID)
	if err != nil {
		return err
	}
	var first *models.Run
	for i := range runs {
		run := &runs[i]
		if run.Status != models.RunStatusNotStarted {
			continue
		}
		if err := s.sched.Enqueue(ctx, run.UUID); err != nil {
			return err
		}
		if first == nil {
			first = run
		}
	}
	if first == nil || s.cfg.Async {
		return nil
	}
	_, err = s.sched.ExecuteNext(ctx, project.UUID)
	return err
}

// ArchiveOptions selects which workspace subdirectories an archive drops.
type ArchiveOptions struct {
	RemoveInput    bool
	RemoveCodebase bool
	RemoveOutput   bool
}

// ArchiveProject marks a project read-only and optionally frees its
// workspace space. Rejected while runs are queued or running.
func (s *ProjectService) ArchiveProject(ctx context.Context, projectUUID string, opts ArchiveOptions) error {
	project, err := s.db.GetProject(ctx, projectUUID)
	if err != nil {
		return err
	}
	// Not-started runs do not block an archive; only queued or running
	// ones do.
	active, err := s.db.OldestActiveRun(ctx, project.UUID)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: project %s has a %s run", errdefs.ErrRunInProgress, project.Name, active.Status)
	}

	now := time.Now()
	if err := s.db.UpdateProjectFields(ctx, project.UUID, map[string]any{
		"is_archived": true,
		"archived_at": now,
	}); err != nil {
		return err
	}

	ws := s.Workspace(project)
	subdirs := map[string]bool{
		workspace.SubdirInput:    opts.RemoveInput,
		workspace.SubdirCodebase: opts.RemoveCodebase,
		workspace.SubdirOutput:   opts.RemoveOutput,
	}
	for subdir, remove := range subdirs {
		if !remove {
			continue
		}
		if err := ws.RemoveSubdir(subdir); err != nil {
			return err
		}
	}
	s.log.Info().Str("project", project.Name).Msg("Project archived")
	return nil
}

// ResetOptions selects what a reset drops and restores.
type ResetOptions struct {
	RemoveInput      bool
	RemoveWebhooks   bool
	RestorePipelines bool
	ExecuteNow       bool
}

// ResetProject drops every scan entity and run of the project and clears
// the derived workspace directories; input/ is preserved by default.
// With RestorePipelines the previously attached pipelines are re-created
// as fresh runs; pipelines that are no longer registered are skipped
// with a project message.
func (s *ProjectService) ResetProject(ctx context.Context, projectUUID string, opts ResetOptions) error {
	project, err := s.db.GetProject(ctx, projectUUID)
	if err != nil {
		return err
	}
	active, err := s.db.OldestActiveRun(ctx, project.UUID)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: project %s has a %s run", errdefs.ErrRunInProgress, project.Name, active.Status)
	}

	previous, err := s.db.ListRuns(ctx, project.UUID)
	if err != nil {
		return err
	}

	err = s.db.Transaction(ctx, func(tx database.Repository) error {
		if err := tx.DeleteScanData(ctx, project.UUID); err != nil {
			return err
		}
		for _, run := range previous {
			if err := tx.DeleteRun(ctx, run.UUID); err != nil {
				return err
			}
		}
		if opts.RemoveInput {
			if err := tx.DeleteInputSources(ctx, project.UUID); err != nil {
				return err
			}
		}
		if opts.RemoveWebhooks {
			return tx.DeleteWebhookSubscriptions(ctx, project.UUID, true)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ws := s.Workspace(project)
	for _, subdir := range []string{workspace.SubdirCodebase, workspace.SubdirOutput, workspace.SubdirTmp} {
		if err := ws.RemoveSubdir(subdir); err != nil {
			return err
		}
	}
	if opts.RemoveInput {
		if err := ws.RemoveSubdir(workspace.SubdirInput); err != nil {
			return err
		}
	}
	if err := ws.Create(); err != nil {
		return err
	}

	if opts.RestorePipelines {
		if err := s.restorePipelines(ctx, project, previous); err != nil {
			return err
		}
	}
	if opts.ExecuteNow {
		if err := s.executeQueuedPipelines(ctx, project); err != nil {
			return err
		}
	}
	s.log.Info().Str("project", project.Name).Msg("Project reset")
	return nil
}

// restorePipelines re-creates the distinct pipelines of the dropped
// runs, preserving first-seen order.
func (s *ProjectService) restorePipelines(ctx context.Context, project *models.Project, previous []models.Run) error {
	seen := map[string]bool{}
	for _, old := range previous {
		if seen[old.PipelineName] {
			continue
		}
		seen[old.PipelineName] = true
		selection := PipelineSelection{Name: old.PipelineName, Groups: old.SelectedGroups}
		if _, err := s.createRun(ctx, project, selection); err != nil {
			if errdefs.IsValidation(err) {
				s.log.Warn().
					Str("project", project.Name).
					Str("pipeline", old.PipelineName).
					Msg("Skipping restore of a pipeline that is no longer registered")
				s.recordMessage(ctx, project.UUID, models.SeverityWarning,
					fmt.Sprintf("pipeline %q was not restored: no longer registered", old.PipelineName))
				continue
			}
			return err
		}
	}
	return nil
}

// DeleteProject removes the project rows (cascade) and its workspace.
func (s *ProjectService) DeleteProject(ctx context.Context, projectUUID string) error {
	project, err := s.db.GetProject(ctx, projectUUID)
	if err != nil {
		return err
	}
	if err := s.db.DeleteProject(ctx, project.UUID); err != nil {
		return err
	}
	if err := s.Workspace(project).Remove(); err != nil {
		return err
	}
	s.log.Info().Str("project", project.Name).Msg("Project deleted")
	return nil
}

// FlushOptions narrows which old projects a flush removes.
type FlushOptions struct {
	RetainDays    int
	Labels        []string
	PipelineNames []string
}

// FlushProjects deletes projects created more than RetainDays ago that
// match the filters, skipping projects with active runs. Returns the
// names of the deleted projects.
func (s *ProjectService) FlushProjects(ctx context.Context, opts FlushOptions) ([]string, error) {
	cutoff := time.Now().AddDate(0, 0, -opts.RetainDays)
	projects, err := s.db.ListProjects(ctx, database.ProjectFilter{
		CreatedBefore:   cutoff,
		Labels:          opts.Labels,
		PipelineNames:   opts.PipelineNames,
		IncludeArchived: true,
	})
	if err != nil {
		return nil, err
	}

	var deleted []string
	for i := range projects {
		project := &projects[i]
		active, err := s.db.CountNonTerminalRuns(ctx, project.UUID)
		if err != nil {
			return deleted, err
		}
		if active > 0 {
			s.log.Warn().Str("project", project.Name).Msg("Flush skipping project with active runs")
			continue
		}
		if err := s.DeleteProject(ctx, project.UUID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, project.Name)
	}
	return deleted, nil
}

// BatchResult reports one entry of a batch create.
type BatchResult struct {
	Name    string
	Project *models.Project
	Err     error
}

// BatchCreate creates one project per entry. Validation runs for every
// entry up front and any validation failure aborts the whole batch;
// per-entry runtime failures (fetch errors) are reported in the results
// while the remaining entries proceed.
func (s *ProjectService) BatchCreate(ctx context.Context, entries []CreateProjectParams) ([]BatchResult, error) {
	names := map[string]bool{}
	for i := range entries {
		if err := s.validateCreate(ctx, &entries[i]); err != nil {
			return nil, fmt.Errorf("entry %q: %w", entries[i].Name, err)
		}
		if names[entries[i].Name] {
			return nil, fmt.Errorf("%w: %q appears twice in the batch", errdefs.ErrNameTaken, entries[i].Name)
		}
		names[entries[i].Name] = true
	}

	results := make([]BatchResult, 0, len(entries))
	for _, entry := range entries {
		project, err := s.CreateProject(ctx, entry)
		results = append(results, BatchResult{Name: entry.Name, Project: project, Err: err})
	}
	return results, nil
}

// AddWebhook subscribes a webhook to the project.
func (s *ProjectService) AddWebhook(ctx context.Context, projectUUID string, subscription *models.WebhookSubscription) error {
	project, err := s.db.GetProject(ctx, projectUUID)
	if err != nil {
		return err
	}
	subscription.ProjectUUID = project.UUID
	return s.db.CreateWebhookSubscription(ctx, subscription)
}

func (s *ProjectService) requireIdle(ctx context.Context, project *models.Project) error {
	active, err := s.db.CountNonTerminalRuns(ctx, project.UUID)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("%w: project %s has %d active run(s)", errdefs.ErrRunInProgress, project.Name, active)
	}
	return nil
}

func (s *ProjectService) recordMessage(ctx context.Context, projectUUID, severity, description string) {
	err := s.db.CreateMessage(ctx, &models.ProjectMessage{
		ProjectUUID: projectUUID,
		Severity:    severity,
		Model:       "project",
		Description: description,
	})
	if err != nil {
		s.log.Error().Err(err).Str("project", projectUUID).Msg("Failed to record project message")
	}
}

// globalSubscription instantiates the configured global webhook template
// for one project.
func globalSubscription(projectUUID string, template config.GlobalWebhookConfig) *models.WebhookSubscription {
	return &models.WebhookSubscription{
		ProjectUUID:      projectUUID,
		TargetURL:        template.TargetURL,
		TriggerOnEachRun: template.TriggerOnEachRun,
		IncludeSummary:   template.IncludeSummary,
		IncludeResults:   template.IncludeResults,
		IsActive:         true,
		IsGlobal:         true,
	}
}
