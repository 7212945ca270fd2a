// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package database is the persistence layer: a Repository interface per
// the operations the orchestrator needs, implemented over GORM with
// postgres in production and sqlite for tests and zero-config local use.
package database

import (
	"context"
	"time"

	"github.com/depvet/depvet/internal/orchestrator/models"
)

// ProjectFilter narrows project listings. Zero values are ignored.
type ProjectFilter struct {
	UUID            string
	Name            string
	NameContains    string
	Labels          []string
	PipelineNames   []string
	CreatedBefore   time.Time
	IsArchived      *bool
	IncludeArchived bool
	Limit           int
	Offset          int
}

// ResourceFilter narrows codebase resource listings.
type ResourceFilter struct {
	Status           string
	Tag              string
	ComplianceAlerts []string
	PathContains     string
	Limit            int
	Offset           int
}

// PackageFilter narrows discovered package listings.
type PackageFilter struct {
	Type             string
	NameContains     string
	ComplianceAlerts []string
	OnlyVulnerable   bool
	Limit            int
	Offset           int
}

// Repository is the single persistence contract of the orchestrator. All
// services, the scheduler and the surfaces go through it; nothing else
// issues queries.
type Repository interface {
	// Transaction runs fn against a repository bound to one database
	// transaction, rolling back when fn returns an error.
	Transaction(ctx context.Context, fn func(Repository) error) error
	Close() error

	// Projects.
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, uuid string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	ProjectNameExists(ctx context.Context, name string) (bool, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]models.Project, error)
	CountProjects(ctx context.Context, filter ProjectFilter) (int64, error)
	UpdateProjectFields(ctx context.Context, uuid string, fields map[string]any) error
	DeleteProject(ctx context.Context, uuid string) error

	// Input sources.
	CreateInputSource(ctx context.Context, source *models.InputSource) error
	ListInputSources(ctx context.Context, projectUUID string) ([]models.InputSource, error)
	DeleteInputSources(ctx context.Context, projectUUID string) error

	// Runs.
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, uuid string) (*models.Run, error)
	ListRuns(ctx context.Context, projectUUID string) ([]models.Run, error)
	ListRunsByStatus(ctx context.Context, statuses ...models.RunStatus) ([]models.Run, error)
	// OldestActiveRun returns the oldest queued or running run of the
	// project, nil when the queue is empty.
	OldestActiveRun(ctx context.Context, projectUUID string) (*models.Run, error)
	NextQueuedRun(ctx context.Context, projectUUID string) (*models.Run, error)
	CountNonTerminalRuns(ctx context.Context, projectUUID string) (int64, error)
	// CompareAndSetRunStatus atomically moves a run from one of the
	// expected statuses to the target, applying extra field updates in the
	// same statement. Returns false without error when the run was not in
	// an expected status (another writer won).
	CompareAndSetRunStatus(ctx context.Context, uuid string, expected []models.RunStatus, to models.RunStatus, fields map[string]any) (bool, error)
	UpdateRunFields(ctx context.Context, uuid string, fields map[string]any) error
	AppendRunLog(ctx context.Context, uuid string, text string) error
	SetRunStopRequested(ctx context.Context, uuid string, requested bool) error
	DeleteRun(ctx context.Context, uuid string) error

	// Scan entities. Created by pipeline steps, dropped on project reset.
	CreateResources(ctx context.Context, resources []models.CodebaseResource) error
	SaveResource(ctx context.Context, resource *models.CodebaseResource) error
	ListResources(ctx context.Context, projectUUID string, filter ResourceFilter) ([]models.CodebaseResource, error)
	GetResourceByPath(ctx context.Context, projectUUID, path string) (*models.CodebaseResource, error)
	CountResources(ctx context.Context, projectUUID string) (int64, error)

	CreatePackages(ctx context.Context, packages []models.DiscoveredPackage) error
	SavePackage(ctx context.Context, pkg *models.DiscoveredPackage) error
	ListPackages(ctx context.Context, projectUUID string, filter PackageFilter) ([]models.DiscoveredPackage, error)
	CountPackages(ctx context.Context, projectUUID string) (int64, error)
	CountVulnerablePackages(ctx context.Context, projectUUID string) (int64, error)

	CreateDependencies(ctx context.Context, dependencies []models.DiscoveredDependency) error
	SaveDependency(ctx context.Context, dependency *models.DiscoveredDependency) error
	ListDependencies(ctx context.Context, projectUUID string) ([]models.DiscoveredDependency, error)
	CountDependencies(ctx context.Context, projectUUID string) (int64, error)
	CountVulnerableDependencies(ctx context.Context, projectUUID string) (int64, error)

	CreateRelations(ctx context.Context, relations []models.CodebaseRelation) error
	ListRelations(ctx context.Context, projectUUID string) ([]models.CodebaseRelation, error)
	CountRelations(ctx context.Context, projectUUID string) (int64, error)

	CreateMessage(ctx context.Context, message *models.ProjectMessage) error
	ListMessages(ctx context.Context, projectUUID string) ([]models.ProjectMessage, error)
	CountMessages(ctx context.Context, projectUUID string) (int64, error)

	// DeleteScanData drops every scan entity of a project, keeping the
	// project, its runs, inputs and webhooks.
	DeleteScanData(ctx context.Context, projectUUID string) error

	// Webhooks.
	CreateWebhookSubscription(ctx context.Context, subscription *models.WebhookSubscription) error
	GetWebhookSubscription(ctx context.Context, uuid string) (*models.WebhookSubscription, error)
	ListWebhookSubscriptions(ctx context.Context, projectUUID string, activeOnly bool) ([]models.WebhookSubscription, error)
	DeleteWebhookSubscriptions(ctx context.Context, projectUUID string, keepGlobal bool) error
	CreateWebhookDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	ListWebhookDeliveries(ctx context.Context, subscriptionUUID string) ([]models.WebhookDelivery, error)

	// Users.
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error)
}
