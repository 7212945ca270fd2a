// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/depvet/depvet/internal/common"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

type spdxDocument struct {
	SPDXVersion       string            `json:"spdxVersion"`
	DataLicense       string            `json:"dataLicense"`
	SPDXID            string            `json:"SPDXID"`
	Name              string            `json:"name"`
	DocumentNamespace string            `json:"documentNamespace"`
	CreationInfo      spdxCreationInfo  `json:"creationInfo"`
	Packages          []spdxPackage     `json:"packages"`
	Relationships     []spdxRelationship `json:"relationships"`
}

type spdxCreationInfo struct {
	Created  time.Time `json:"created"`
	Creators []string  `json:"creators"`
}

type spdxPackage struct {
	SPDXID           string        `json:"SPDXID"`
	Name             string        `json:"name"`
	VersionInfo      string        `json:"versionInfo,omitempty"`
	DownloadLocation string        `json:"downloadLocation"`
	LicenseDeclared  string        `json:"licenseDeclared,omitempty"`
	ExternalRefs     []spdxExtRef  `json:"externalRefs,omitempty"`
}

type spdxExtRef struct {
	ReferenceCategory string `json:"referenceCategory"`
	ReferenceType     string `json:"referenceType"`
	ReferenceLocator  string `json:"referenceLocator"`
}

type spdxRelationship struct {
	SPDXElementID      string `json:"spdxElementId"`
	RelatedSPDXElement string `json:"relatedSpdxElement"`
	RelationshipType   string `json:"relationshipType"`
}

var spdxIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// writeSPDX exports an SPDX 2.3 JSON document of the discovered packages.
func writeSPDX(doc *Document, ws *workspace.Workspace) ([]string, error) {
	out := spdxDocument{
		SPDXVersion:       "SPDX-2.3",
		DataLicense:       "CC0-1.0",
		SPDXID:            "SPDXRef-DOCUMENT",
		Name:              "depvet-results",
		DocumentNamespace: "https://depvet.dev/spdxdocs/" + uuid.NewString(),
		CreationInfo: spdxCreationInfo{
			Created:  time.Now().UTC(),
			Creators: []string{fmt.Sprintf("Tool: %s-%s", common.ToolName, common.Version)},
		},
		Packages: []spdxPackage{},
	}

	for i := range doc.Packages {
		p := &doc.Packages[i]
		spdxID := "SPDXRef-Package-" + spdxIDSanitizer.ReplaceAllString(p.PackageUID, "-")
		out.Packages = append(out.Packages, spdxPackage{
			SPDXID:           spdxID,
			Name:             p.Name,
			VersionInfo:      p.Version,
			DownloadLocation: "NOASSERTION",
			LicenseDeclared:  p.DeclaredLicenseExpression,
			ExternalRefs: []spdxExtRef{{
				ReferenceCategory: "PACKAGE-MANAGER",
				ReferenceType:     "purl",
				ReferenceLocator:  p.PURL(),
			}},
		})
		out.Relationships = append(out.Relationships, spdxRelationship{
			SPDXElementID:      "SPDXRef-DOCUMENT",
			RelatedSPDXElement: spdxID,
			RelationshipType:   "DESCRIBES",
		})
	}

	path, err := ws.OutputFilePath("results", "spdx.json")
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
	}
	return []string{path}, nil
}
