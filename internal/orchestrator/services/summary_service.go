// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"

	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/policies"
)

// ProjectSummary is the compact per-project report used by the REST
// detail view, the CLI status command and webhook payloads.
type ProjectSummary struct {
	ResourceCount             int64 `json:"resource_count"`
	PackageCount              int64 `json:"package_count"`
	DependencyCount           int64 `json:"dependency_count"`
	RelationCount             int64 `json:"relation_count"`
	MessageCount              int64 `json:"message_count"`
	VulnerablePackageCount    int64 `json:"vulnerable_package_count"`
	VulnerableDependencyCount int64 `json:"vulnerable_dependency_count"`

	// Compliance tallies resources and packages per compliance alert
	// level, omitting entities with no alert.
	ResourceCompliance map[string]int `json:"resource_compliance,omitempty"`
	PackageCompliance  map[string]int `json:"package_compliance,omitempty"`

	// ProjectAlert is the worst compliance alert across the project,
	// empty when everything is compliant.
	ProjectAlert string `json:"project_alert,omitempty"`

	// ExtraData carries the scan summary block written by pipelines.
	ExtraData models.JSONMap `json:"extra_data,omitempty"`
}

// SummaryService aggregates project counts and compliance state.
type SummaryService struct {
	db database.Repository
}

// NewSummaryService wires the summary service.
func NewSummaryService(db database.Repository) *SummaryService {
	return &SummaryService{db: db}
}

// ProjectSummary builds the summary of one project.
func (s *SummaryService) ProjectSummary(ctx context.Context, projectUUID string) (*ProjectSummary, error) {
	project, err := s.db.GetProject(ctx, projectUUID)
	if err != nil {
		return nil, err
	}
	summary := &ProjectSummary{ExtraData: project.ExtraData}

	counts := []struct {
		dst   *int64
		count func(context.Context, string) (int64, error)
	}{
		{&summary.ResourceCount, s.db.CountResources},
		{&summary.PackageCount, s.db.CountPackages},
		{&summary.DependencyCount, s.db.CountDependencies},
		{&summary.RelationCount, s.db.CountRelations},
		{&summary.MessageCount, s.db.CountMessages},
		{&summary.VulnerablePackageCount, s.db.CountVulnerablePackages},
		{&summary.VulnerableDependencyCount, s.db.CountVulnerableDependencies},
	}
	for _, c := range counts {
		n, err := c.count(ctx, projectUUID)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}

	if err := s.fillCompliance(ctx, projectUUID, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// fillCompliance tallies compliance alerts and derives the project-wide
// worst alert.
func (s *SummaryService) fillCompliance(ctx context.Context, projectUUID string, summary *ProjectSummary) error {
	resources, err := s.db.ListResources(ctx, projectUUID, database.ResourceFilter{})
	if err != nil {
		return err
	}
	packages, err := s.db.ListPackages(ctx, projectUUID, database.PackageFilter{})
	if err != nil {
		return err
	}

	var alerts []policies.Alert
	resourceCompliance := map[string]int{}
	for _, resource := range resources {
		if resource.ComplianceAlert == "" {
			continue
		}
		resourceCompliance[resource.ComplianceAlert]++
		alerts = append(alerts, policies.Alert(resource.ComplianceAlert))
	}
	packageCompliance := map[string]int{}
	for _, pkg := range packages {
		if pkg.ComplianceAlert == "" {
			continue
		}
		packageCompliance[pkg.ComplianceAlert]++
		alerts = append(alerts, policies.Alert(pkg.ComplianceAlert))
	}

	if len(resourceCompliance) > 0 {
		summary.ResourceCompliance = resourceCompliance
	}
	if len(packageCompliance) > 0 {
		summary.PackageCompliance = packageCompliance
	}
	summary.ProjectAlert = string(policies.MaxAlert(alerts...))
	return nil
}
