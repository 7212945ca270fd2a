// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/depvet/depvet/internal/common"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

var cycloneDXVersions = []string{"1.5", "1.6"}

const defaultCycloneDXVersion = "1.6"

func isSupportedCycloneDXVersion(version string) bool {
	for _, v := range cycloneDXVersions {
		if v == version {
			return true
		}
	}
	return false
}

type cdxBOM struct {
	BOMFormat       string             `json:"bomFormat"`
	SpecVersion     string             `json:"specVersion"`
	SerialNumber    string             `json:"serialNumber"`
	Version         int                `json:"version"`
	Metadata        cdxMetadata        `json:"metadata"`
	Components      []cdxComponent     `json:"components"`
	Vulnerabilities []cdxVulnerability `json:"vulnerabilities,omitempty"`
}

type cdxMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Tools     []cdxTool `json:"tools"`
}

type cdxTool struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type cdxComponent struct {
	BOMRef   string       `json:"bom-ref"`
	Type     string       `json:"type"`
	Name     string       `json:"name"`
	Version  string       `json:"version,omitempty"`
	PURL     string       `json:"purl,omitempty"`
	Licenses []cdxLicense `json:"licenses,omitempty"`
}

type cdxLicense struct {
	Expression string `json:"expression"`
}

type cdxVulnerability struct {
	ID      string       `json:"id"`
	Affects []cdxAffects `json:"affects"`
}

type cdxAffects struct {
	Ref string `json:"ref"`
}

func writeCycloneDXDefault(doc *Document, ws *workspace.Workspace) ([]string, error) {
	return writeCycloneDX(doc, ws, defaultCycloneDXVersion)
}

// writeCycloneDX exports a CycloneDX JSON BOM of the discovered packages.
// Vulnerability records attached to packages become BOM vulnerabilities
// referencing their component.
func writeCycloneDX(doc *Document, ws *workspace.Workspace, specVersion string) ([]string, error) {
	bom := cdxBOM{
		BOMFormat:    "CycloneDX",
		SpecVersion:  specVersion,
		SerialNumber: "urn:uuid:" + uuid.NewString(),
		Version:      1,
		Metadata: cdxMetadata{
			Timestamp: time.Now().UTC(),
			Tools:     []cdxTool{{Name: common.ToolName, Version: common.Version}},
		},
		Components: []cdxComponent{},
	}

	for i := range doc.Packages {
		p := &doc.Packages[i]
		component := cdxComponent{
			BOMRef:  p.PackageUID,
			Type:    "library",
			Name:    p.Name,
			Version: p.Version,
			PURL:    p.PURL(),
		}
		if p.DeclaredLicenseExpression != "" {
			component.Licenses = []cdxLicense{{Expression: p.DeclaredLicenseExpression}}
		}
		bom.Components = append(bom.Components, component)

		for _, vulnerability := range p.AffectedByVulnerabilities {
			id, _ := vulnerability["vulnerability_id"].(string)
			if id == "" {
				continue
			}
			bom.Vulnerabilities = append(bom.Vulnerabilities, cdxVulnerability{
				ID:      id,
				Affects: []cdxAffects{{Ref: p.PackageUID}},
			})
		}
	}

	path, err := ws.OutputFilePath("results", "cdx.json")
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(bom, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
	}
	return []string{path}, nil
}
