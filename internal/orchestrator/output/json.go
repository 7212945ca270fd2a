// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// writeJSON exports the canonical document. This file is what the
// inventory-loading pipeline re-imports, so the shape must stay stable.
func writeJSON(doc *Document, ws *workspace.Workspace) ([]string, error) {
	path, err := ws.OutputFilePath("results", "json")
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrResultExport, err)
	}
	return []string{path}, nil
}

// ParseDocument reads a previously exported JSON document.
func ParseDocument(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: not a depvet results document: %v", errdefs.ErrResultExport, err)
	}
	if len(doc.Headers) == 0 {
		return nil, fmt.Errorf("%w: results document has no headers section", errdefs.ErrResultExport)
	}
	return &doc, nil
}
