// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"strings"

	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

// Input tags partitioning a deploy-to-develop codebase.
const (
	tagFrom = "from" // development sources
	tagTo   = "to"   // deployed artifacts
)

func mapDeployToDevelopPipeline() *Pipeline {
	return &Pipeline{
		Name:          "map_deploy_to_develop",
		Summary:       "Relate deployed files back to their development sources by checksum and path.",
		DefaultGroups: []string{"checksum", "path"},
		Steps: []Step{
			{StepDescriptor: StepDescriptor{Name: "map_checksum",
				Description: "Relate deployed files to sources sharing the same sha1.",
				Groups:      []string{"checksum"}},
				Run: stepMapChecksum},
			{StepDescriptor: StepDescriptor{Name: "map_path_suffix",
				Description: "Relate remaining deployed files to sources by longest path suffix.",
				Groups:      []string{"path"}},
				Run: stepMapPathSuffix},
		},
	}
}

// taggedResources partitions the project's file resources by input tag.
func taggedResources(pc *Context) (from, to []models.CodebaseResource, err error) {
	resources, err := pc.DB.ListResources(pc.Ctx, pc.Project.UUID, database.ResourceFilter{})
	if err != nil {
		return nil, nil, err
	}
	for i := range resources {
		if resources[i].Type != models.ResourceTypeFile {
			continue
		}
		switch resources[i].Tag {
		case tagFrom:
			from = append(from, resources[i])
		case tagTo:
			to = append(to, resources[i])
		}
	}
	return from, to, nil
}

// mappedToPaths collects the deployed paths already related, so later
// mapping steps only handle the remainder.
func mappedToPaths(pc *Context) (map[string]bool, error) {
	relations, err := pc.DB.ListRelations(pc.Ctx, pc.Project.UUID)
	if err != nil {
		return nil, err
	}
	mapped := map[string]bool{}
	for i := range relations {
		mapped[relations[i].ToResourcePath] = true
	}
	return mapped, nil
}

func stepMapChecksum(pc *Context) error {
	from, to, err := taggedResources(pc)
	if err != nil {
		return err
	}

	bySHA1 := map[string][]string{}
	for i := range from {
		if from[i].SHA1 != "" {
			bySHA1[from[i].SHA1] = append(bySHA1[from[i].SHA1], from[i].Path)
		}
	}

	var relations []models.CodebaseRelation
	for i := range to {
		deployed := &to[i]
		if deployed.SHA1 == "" {
			continue
		}
		for _, sourcePath := range bySHA1[deployed.SHA1] {
			relations = append(relations, models.CodebaseRelation{
				ProjectUUID:      pc.Project.UUID,
				FromResourcePath: sourcePath,
				ToResourcePath:   deployed.Path,
				MapType:          "sha1",
			})
		}
	}
	pc.Log.Info().Int("relations", len(relations)).Msg("Checksum mapping finished")
	return pc.DB.CreateRelations(pc.Ctx, relations)
}

func stepMapPathSuffix(pc *Context) error {
	from, to, err := taggedResources(pc)
	if err != nil {
		return err
	}
	mapped, err := mappedToPaths(pc)
	if err != nil {
		return err
	}

	byFilename := map[string][]string{}
	for i := range from {
		name := from[i].Name
		byFilename[name] = append(byFilename[name], from[i].Path)
	}

	var relations []models.CodebaseRelation
	for i := range to {
		deployed := &to[i]
		if mapped[deployed.Path] {
			continue
		}
		best, depth := bestSuffixMatch(deployed.Path, byFilename[deployed.Name])
		if best == "" {
			continue
		}
		relations = append(relations, models.CodebaseRelation{
			ProjectUUID:      pc.Project.UUID,
			FromResourcePath: best,
			ToResourcePath:   deployed.Path,
			MapType:          "path_suffix",
			ExtraData:        models.JSONMap{"matched_segments": depth},
		})
	}
	pc.Log.Info().Int("relations", len(relations)).Msg("Path mapping finished")
	return pc.DB.CreateRelations(pc.Ctx, relations)
}

// bestSuffixMatch picks the candidate sharing the longest trailing
// segment run with the deployed path. Ties are ambiguous and yield no
// match.
func bestSuffixMatch(deployedPath string, candidates []string) (string, int) {
	var best string
	bestDepth, tied := 0, false
	for _, candidate := range candidates {
		depth := commonSuffixSegments(deployedPath, candidate)
		switch {
		case depth > bestDepth:
			best, bestDepth, tied = candidate, depth, false
		case depth == bestDepth && depth > 0:
			tied = true
		}
	}
	if tied || bestDepth == 0 {
		return "", 0
	}
	return best, bestDepth
}

func commonSuffixSegments(a, b string) int {
	segmentsA := strings.Split(a, "/")
	segmentsB := strings.Split(b, "/")
	count := 0
	for count < len(segmentsA) && count < len(segmentsB) {
		if segmentsA[len(segmentsA)-1-count] != segmentsB[len(segmentsB)-1-count] {
			break
		}
		count++
	}
	return count
}
