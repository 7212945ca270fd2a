// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// writeCSV exports one file per model. Nested values (vulnerabilities,
// extra data) are embedded as JSON cells.
func writeCSV(doc *Document, ws *workspace.Workspace) ([]string, error) {
	var paths []string

	write := func(stem string, header []string, rows [][]string) error {
		path, err := ws.OutputFilePath(stem, "csv")
		if err != nil {
			return err
		}
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
		}
		defer file.Close()

		writer := csv.NewWriter(file)
		if err := writer.Write(header); err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
		}
		if err := writer.WriteAll(rows); err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
		}
		paths = append(paths, path)
		return nil
	}

	packageRows := make([][]string, 0, len(doc.Packages))
	for i := range doc.Packages {
		p := &doc.Packages[i]
		packageRows = append(packageRows, []string{
			p.PackageUID, p.PURL(), p.Type, p.Namespace, p.Name, p.Version,
			p.DeclaredLicenseExpression, p.ComplianceAlert,
			jsonCell(p.AffectedByVulnerabilities),
		})
	}
	if err := write("packages", []string{
		"package_uid", "purl", "type", "namespace", "name", "version",
		"declared_license_expression", "compliance_alert", "affected_by_vulnerabilities",
	}, packageRows); err != nil {
		return paths, err
	}

	dependencyRows := make([][]string, 0, len(doc.Dependencies))
	for i := range doc.Dependencies {
		d := &doc.Dependencies[i]
		dependencyRows = append(dependencyRows, []string{
			d.DependencyUID, d.PURL, d.Scope,
			strconv.FormatBool(d.IsRuntime), strconv.FormatBool(d.IsOptional),
			strconv.FormatBool(d.IsPinned), d.ForPackageUID,
			jsonCell(d.AffectedByVulnerabilities),
		})
	}
	if err := write("dependencies", []string{
		"dependency_uid", "purl", "scope", "is_runtime", "is_optional",
		"is_pinned", "for_package_uid", "affected_by_vulnerabilities",
	}, dependencyRows); err != nil {
		return paths, err
	}

	resourceRows := make([][]string, 0, len(doc.Resources))
	for i := range doc.Resources {
		r := &doc.Resources[i]
		resourceRows = append(resourceRows, []string{
			r.Path, r.Type, r.Name, r.Extension, strconv.FormatInt(r.Size, 10),
			r.SHA1, r.MD5, r.SHA256, r.MimeType, r.Status, r.Tag,
			r.DetectedLicenseExpression, r.ComplianceAlert,
		})
	}
	if err := write("resources", []string{
		"path", "type", "name", "extension", "size", "sha1", "md5", "sha256",
		"mime_type", "status", "tag", "detected_license_expression", "compliance_alert",
	}, resourceRows); err != nil {
		return paths, err
	}

	relationRows := make([][]string, 0, len(doc.Relations))
	for i := range doc.Relations {
		rel := &doc.Relations[i]
		relationRows = append(relationRows, []string{
			rel.FromResourcePath, rel.ToResourcePath, rel.MapType,
		})
	}
	if err := write("relations", []string{
		"from_resource", "to_resource", "map_type",
	}, relationRows); err != nil {
		return paths, err
	}

	messageRows := make([][]string, 0, len(doc.Messages))
	for i := range doc.Messages {
		m := &doc.Messages[i]
		messageRows = append(messageRows, []string{
			m.Severity, m.Model, m.Description, jsonCell(m.Details),
		})
	}
	if err := write("messages", []string{
		"severity", "model", "description", "details",
	}, messageRows); err != nil {
		return paths, err
	}

	return paths, nil
}

func jsonCell(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
