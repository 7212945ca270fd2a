// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"context"

	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// FetchToProject resolves a list of input URLs into the project workspace
// input directory and returns the input source rows to persist. The first
// failing URL aborts the batch; files already written stay on disk and the
// caller decides whether to roll the workspace back.
func (f *Fetcher) FetchToProject(ctx context.Context, projectUUID string, ws *workspace.Workspace, urls []string) ([]models.InputSource, error) {
	var sources []models.InputSource
	for _, rawURL := range urls {
		download, err := f.Fetch(ctx, rawURL, ws.InputDir())
		if err != nil {
			return sources, err
		}
		if err := ws.WriteManifestEntry(download.Filename, workspace.ManifestEntry{
			Tag:         download.Tag,
			DownloadURL: download.DownloadURL,
			Size:        download.Size,
		}); err != nil {
			return sources, err
		}
		sources = append(sources, models.InputSource{
			ProjectUUID: projectUUID,
			Filename:    download.Filename,
			DownloadURL: download.DownloadURL,
			Tag:         download.Tag,
			Size:        download.Size,
		})
	}
	return sources, nil
}
