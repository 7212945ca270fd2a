// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"fmt"
	"sort"
	"strings"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// Formatter writes one export format into the workspace output directory
// and returns the written file paths.
type Formatter func(doc *Document, ws *workspace.Workspace) ([]string, error)

// formatters is the registry of exportable formats. Spreadsheet and
// attribution formats are deliberately absent.
var formatters = map[string]Formatter{
	"json":      writeJSON,
	"csv":       writeCSV,
	"cyclonedx": writeCycloneDXDefault,
	"spdx":      writeSPDX,
}

// Formats returns the registered format names, sorted.
func Formats() []string {
	names := make([]string, 0, len(formatters))
	for name := range formatters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch resolves a format name to its writer. CycloneDX accepts a
// spec-version suffix, e.g. "cyclonedx:1.5".
func Dispatch(format string) (Formatter, error) {
	name, variant, _ := strings.Cut(format, ":")
	name = strings.ToLower(strings.TrimSpace(name))

	if name == "cyclonedx" && variant != "" {
		if !isSupportedCycloneDXVersion(variant) {
			return nil, fmt.Errorf("%w: cyclonedx spec version %q, supported: %s",
				errdefs.ErrResultExport, variant, strings.Join(cycloneDXVersions, ", "))
		}
		version := variant
		return func(doc *Document, ws *workspace.Workspace) ([]string, error) {
			return writeCycloneDX(doc, ws, version)
		}, nil
	}
	if variant != "" && name != "cyclonedx" {
		return nil, fmt.Errorf("%w: format %q takes no variant", errdefs.ErrResultExport, format)
	}

	formatter, ok := formatters[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown format %q, available: %s",
			errdefs.ErrResultExport, format, strings.Join(Formats(), ", "))
	}
	return formatter, nil
}

// Export runs one format against a built document.
func Export(format string, doc *Document, ws *workspace.Workspace) ([]string, error) {
	formatter, err := Dispatch(format)
	if err != nil {
		return nil, err
	}
	return formatter(doc, ws)
}
