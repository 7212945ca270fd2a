// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

// ReportModels lists the models the cross-project report accepts.
var ReportModels = []string{"package", "dependency", "resource", "relation", "message", "todo"}

// IsReportModel reports whether model names a supported report.
func IsReportModel(model string) bool {
	for _, m := range ReportModels {
		if m == model {
			return true
		}
	}
	return false
}

// WriteReportCSV streams one CSV aggregating the chosen model across the
// given projects. The todo report is the resource report restricted to
// entries carrying a compliance alert.
func WriteReportCSV(ctx context.Context, repo database.Repository, projects []models.Project, model string, w io.Writer) error {
	if !IsReportModel(model) {
		return fmt.Errorf("%w: report model %q, choices: %v", errdefs.ErrBadConfig, model, ReportModels)
	}

	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(reportHeader(model)); err != nil {
		return err
	}
	for i := range projects {
		if err := writeReportRows(ctx, repo, cw, &projects[i], model); err != nil {
			return err
		}
	}
	return cw.Error()
}

func reportHeader(model string) []string {
	switch model {
	case "package":
		return []string{"project", "package_uid", "type", "namespace", "name", "version", "declared_license_expression", "compliance_alert", "vulnerabilities"}
	case "dependency":
		return []string{"project", "dependency_uid", "purl", "scope", "is_runtime", "is_optional", "is_pinned"}
	case "resource", "todo":
		return []string{"project", "path", "type", "status", "detected_license_expression", "compliance_alert"}
	case "relation":
		return []string{"project", "from_resource", "to_resource", "map_type"}
	default: // message
		return []string{"project", "severity", "model", "description"}
	}
}

func writeReportRows(ctx context.Context, repo database.Repository, cw *csv.Writer, project *models.Project, model string) error {
	switch model {
	case "package":
		packages, err := repo.ListPackages(ctx, project.UUID, database.PackageFilter{})
		if err != nil {
			return err
		}
		for _, pkg := range packages {
			err := cw.Write([]string{project.Name, pkg.PackageUID, pkg.Type, pkg.Namespace, pkg.Name,
				pkg.Version, pkg.DeclaredLicenseExpression, pkg.ComplianceAlert,
				strconv.Itoa(len(pkg.AffectedByVulnerabilities))})
			if err != nil {
				return err
			}
		}
	case "dependency":
		dependencies, err := repo.ListDependencies(ctx, project.UUID)
		if err != nil {
			return err
		}
		for _, dep := range dependencies {
			err := cw.Write([]string{project.Name, dep.DependencyUID, dep.PURL, dep.Scope,
				strconv.FormatBool(dep.IsRuntime), strconv.FormatBool(dep.IsOptional), strconv.FormatBool(dep.IsPinned)})
			if err != nil {
				return err
			}
		}
	case "resource", "todo":
		resources, err := repo.ListResources(ctx, project.UUID, database.ResourceFilter{})
		if err != nil {
			return err
		}
		for _, resource := range resources {
			if model == "todo" && resource.ComplianceAlert == "" {
				continue
			}
			err := cw.Write([]string{project.Name, resource.Path, resource.Type, resource.Status,
				resource.DetectedLicenseExpression, resource.ComplianceAlert})
			if err != nil {
				return err
			}
		}
	case "relation":
		relations, err := repo.ListRelations(ctx, project.UUID)
		if err != nil {
			return err
		}
		for _, relation := range relations {
			err := cw.Write([]string{project.Name, relation.FromResourcePath, relation.ToResourcePath, relation.MapType})
			if err != nil {
				return err
			}
		}
	case "message":
		messages, err := repo.ListMessages(ctx, project.UUID)
		if err != nil {
			return err
		}
		for _, message := range messages {
			if err := cw.Write([]string{project.Name, message.Severity, message.Model, message.Description}); err != nil {
				return err
			}
		}
	}
	return nil
}
