// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/depvet/depvet/internal/common"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

// vulnerabilityBatchSize bounds one bulk lookup request.
const vulnerabilityBatchSize = 100

func findVulnerabilitiesPipeline() *Pipeline {
	return &Pipeline{
		Name:    "find_vulnerabilities",
		Summary: "Look up known vulnerabilities for every discovered package and dependency.",
		IsAddon: true,
		Steps: []Step{
			{StepDescriptor: StepDescriptor{Name: "lookup_packages",
				Description: "Query the vulnerability service with the package URLs of the inventory."},
				Run: stepLookupPackages},
		},
	}
}

type vulnerabilityRecord struct {
	PURL                      string           `json:"purl"`
	AffectedByVulnerabilities []map[string]any `json:"affected_by_vulnerabilities"`
}

func stepLookupPackages(pc *Context) error {
	baseURL := strings.TrimSuffix(pc.Config.VulnerableCodeURL, "/")
	if baseURL == "" {
		return fmt.Errorf("vulnerablecode_url is not configured")
	}

	packages, err := pc.DB.ListPackages(pc.Ctx, pc.Project.UUID, database.PackageFilter{})
	if err != nil {
		return err
	}
	dependencies, err := pc.DB.ListDependencies(pc.Ctx, pc.Project.UUID)
	if err != nil {
		return err
	}
	if len(packages) == 0 && len(dependencies) == 0 {
		pc.Log.Info().Msg("Empty package inventory, nothing to look up")
		return nil
	}

	purls := map[string]bool{}
	for i := range packages {
		purls[packages[i].PURL()] = true
	}
	for i := range dependencies {
		if dependencies[i].PURL != "" {
			purls[dependencies[i].PURL] = true
		}
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	findings := map[string]models.MapSlice{}
	for _, chunk := range lo.Chunk(lo.Keys(purls), vulnerabilityBatchSize) {
		if err := pc.Ctx.Err(); err != nil {
			return err
		}
		records, err := bulkSearch(pc, client, baseURL, chunk)
		if err != nil {
			return err
		}
		for _, record := range records {
			if len(record.AffectedByVulnerabilities) > 0 {
				findings[record.PURL] = models.MapSlice(record.AffectedByVulnerabilities)
			}
		}
	}
	pc.Log.Info().
		Int("looked_up", len(purls)).
		Int("vulnerable", len(findings)).
		Msg("Vulnerability lookup finished")

	for i := range packages {
		pkg := &packages[i]
		vulnerabilities, ok := findings[pkg.PURL()]
		if !ok {
			continue
		}
		pkg.AffectedByVulnerabilities = vulnerabilities
		if err := pc.DB.SavePackage(pc.Ctx, pkg); err != nil {
			return err
		}
	}
	for i := range dependencies {
		dependency := &dependencies[i]
		vulnerabilities, ok := findings[dependency.PURL]
		if !ok {
			continue
		}
		dependency.AffectedByVulnerabilities = vulnerabilities
		if err := pc.DB.SaveDependency(pc.Ctx, dependency); err != nil {
			return err
		}
	}
	return nil
}

func bulkSearch(pc *Context, client *http.Client, baseURL string, purls []string) ([]vulnerabilityRecord, error) {
	payload, err := json.Marshal(map[string]any{"purls": purls})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(pc.Ctx, http.MethodPost,
		baseURL+"/api/packages/bulk_search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", common.UserAgent())
	if key := pc.Config.VulnerableCodeAPIKey; key != "" {
		req.Header.Set("Authorization", "Token "+key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vulnerability service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("vulnerability service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var records []vulnerabilityRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("bad vulnerability service response: %w", err)
	}
	return records, nil
}
