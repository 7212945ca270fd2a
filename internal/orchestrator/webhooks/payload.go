// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package webhooks

import (
	"context"
	"time"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/output"
)

// Payload is the body POSTed for one run event.
type Payload struct {
	Project ProjectRef       `json:"project"`
	Run     RunRef           `json:"run"`
	Summary *Summary         `json:"summary,omitempty"`
	Results *output.Document `json:"results,omitempty"`
}

// ProjectRef identifies the project of the event.
type ProjectRef struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// RunRef carries the run fields exposed to webhook consumers.
type RunRef struct {
	UUID          string     `json:"uuid"`
	PipelineName  string     `json:"pipeline_name"`
	Status        string     `json:"status"`
	TaskExitCode  *int       `json:"task_exitcode"`
	CreatedDate   time.Time  `json:"created_date"`
	TaskStartDate *time.Time `json:"task_start_date"`
	TaskEndDate   *time.Time `json:"task_end_date"`
	ExecutionTime float64    `json:"execution_time"`
}

// Summary is the compact per-project count block included when the
// subscription requests it and the run succeeded.
type Summary struct {
	PackageCount              int64 `json:"package_count"`
	DependencyCount           int64 `json:"dependency_count"`
	ResourceCount             int64 `json:"resource_count"`
	RelationCount             int64 `json:"relation_count"`
	MessageCount              int64 `json:"message_count"`
	VulnerablePackageCount    int64 `json:"vulnerable_package_count"`
	VulnerableDependencyCount int64 `json:"vulnerable_dependency_count"`
}

// buildPayload assembles the event body for one subscription. Summary is
// attached only for successful runs; results are attached whenever the
// subscription asks for them.
func buildPayload(ctx context.Context, db database.Repository, cfg *config.AppConfig,
	subscription *models.WebhookSubscription, project *models.Project, run *models.Run) (*Payload, error) {

	payload := &Payload{
		Project: ProjectRef{
			UUID: project.UUID,
			Name: project.Name,
			URL:  cfg.ProjectURL(project.UUID),
		},
		Run: RunRef{
			UUID:          run.UUID,
			PipelineName:  run.PipelineName,
			Status:        string(run.Status),
			TaskExitCode:  run.TaskExitCode,
			CreatedDate:   run.CreatedAt,
			TaskStartDate: run.TaskStartDate,
			TaskEndDate:   run.TaskEndDate,
			ExecutionTime: run.ExecutionTime(),
		},
	}

	if subscription.IncludeSummary && run.Status == models.RunStatusSuccess {
		summary, err := buildSummary(ctx, db, project.UUID)
		if err != nil {
			return nil, err
		}
		payload.Summary = summary
	}
	if subscription.IncludeResults {
		doc, err := output.BuildDocument(ctx, db, project)
		if err != nil {
			return nil, err
		}
		payload.Results = doc
	}
	return payload, nil
}

func buildSummary(ctx context.Context, db database.Repository, projectUUID string) (*Summary, error) {
	summary := &Summary{}
	counts := []struct {
		dst   *int64
		count func(context.Context, string) (int64, error)
	}{
		{&summary.PackageCount, db.CountPackages},
		{&summary.DependencyCount, db.CountDependencies},
		{&summary.ResourceCount, db.CountResources},
		{&summary.RelationCount, db.CountRelations},
		{&summary.MessageCount, db.CountMessages},
		{&summary.VulnerablePackageCount, db.CountVulnerablePackages},
		{&summary.VulnerableDependencyCount, db.CountVulnerableDependencies},
	}
	for _, c := range counts {
		n, err := c.count(ctx, projectUUID)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}
	return summary, nil
}
