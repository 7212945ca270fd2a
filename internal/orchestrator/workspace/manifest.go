// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// ManifestFilename is the sidecar file inside input/ that records the tag
// and origin of every input file. It survives database resets so that a
// workspace alone is enough to rebuild the input source rows.
const ManifestFilename = ".depvet-manifest.json"

// ManifestEntry describes one input file.
type ManifestEntry struct {
	Tag         string `json:"tag,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	IsUploaded  bool   `json:"is_uploaded,omitempty"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256,omitempty"`
}

// InputManifest maps input filenames to their entries.
type InputManifest map[string]ManifestEntry

func (w *Workspace) manifestPath() string {
	return filepath.Join(w.InputDir(), ManifestFilename)
}

// ReadManifest loads the input manifest. A missing manifest yields an
// empty map.
func (w *Workspace) ReadManifest() (InputManifest, error) {
	raw, err := os.ReadFile(w.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return InputManifest{}, nil
		}
		return nil, fmt.Errorf("%w: failed to read input manifest: %v", errdefs.ErrWorkspaceIO, err)
	}
	manifest := InputManifest{}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: corrupt input manifest: %v", errdefs.ErrWorkspaceIO, err)
	}
	return manifest, nil
}

// WriteManifestEntry upserts one entry and persists the manifest.
func (w *Workspace) WriteManifestEntry(filename string, entry ManifestEntry) error {
	manifest, err := w.ReadManifest()
	if err != nil {
		return err
	}
	manifest[filename] = entry
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize input manifest: %w", err)
	}
	if err := os.WriteFile(w.manifestPath(), raw, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write input manifest: %v", errdefs.ErrWorkspaceIO, err)
	}
	return nil
}
