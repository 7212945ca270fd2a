// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/policies"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// extractSuffix names the directory an archive is unpacked into, next to
// the archive itself.
const extractSuffix = "-extract"

const resourceBatchSize = 500

func scanCodebasePipeline() *Pipeline {
	return &Pipeline{
		Name:    "scan_codebase",
		Summary: "Copy inputs into the codebase, extract archives and inventory every file.",
		Steps: []Step{
			{StepDescriptor: StepDescriptor{Name: "copy_inputs_to_codebase",
				Description: "Copy the project input files into the codebase directory."},
				Run: stepCopyInputsToCodebase},
			{StepDescriptor: StepDescriptor{Name: "extract_archives",
				Description: "Recursively unpack recognized archives next to their source file."},
				Run: stepExtractArchives},
			{StepDescriptor: StepDescriptor{Name: "collect_filesystem_information",
				Description: "Record every codebase file with size, checksums and type."},
				Run: stepCollectFilesystemInformation},
			{StepDescriptor: StepDescriptor{Name: "flag_ignored_resources",
				Description: "Mark resources matching the ignored patterns."},
				Run: stepFlagIgnoredResources},
			{StepDescriptor: StepDescriptor{Name: "evaluate_license_compliance",
				Description: "Apply the license policies to detected and declared expressions."},
				Run: stepEvaluateLicenseCompliance},
			{StepDescriptor: StepDescriptor{Name: "summarize",
				Description: "Store resource counts and the license clarity score on the project."},
				Run: stepSummarize},
		},
	}
}

func stepCopyInputsToCodebase(pc *Context) error {
	entries, err := os.ReadDir(pc.Workspace.InputDir())
	if err != nil {
		return fmt.Errorf("%w: reading input dir: %v", errdefs.ErrWorkspaceIO, err)
	}
	for _, entry := range entries {
		if entry.Name() == workspace.ManifestFilename {
			continue
		}
		src := filepath.Join(pc.Workspace.InputDir(), entry.Name())
		dst := filepath.Join(pc.Workspace.CodebaseDir(), entry.Name())
		if entry.IsDir() {
			if err := workspace.CopyTree(src, dst); err != nil {
				return err
			}
			continue
		}
		source, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
		}
		_, err = workspace.AtomicWrite(source, dst)
		source.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// stepExtractArchives unpacks archives into "<name>-extract/" sibling
// directories, repeating until no unextracted archive remains so nested
// archives are covered. Extraction depth is bounded to keep archive
// bombs from recursing forever.
func stepExtractArchives(pc *Context) error {
	const maxPasses = 6
	extracted := map[string]bool{}

	for pass := 0; pass < maxPasses; pass++ {
		var archives []string
		err := filepath.Walk(pc.Workspace.CodebaseDir(), func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.Mode().IsRegular() && IsArchive(info.Name()) && !extracted[path] {
				archives = append(archives, path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
		}
		if len(archives) == 0 {
			return nil
		}
		for _, archive := range archives {
			if err := pc.Ctx.Err(); err != nil {
				return err
			}
			destDir := archive + extractSuffix
			if err := ExtractArchive(archive, destDir, pc.MaxFileSize); err != nil {
				// A corrupt archive is recorded, not fatal: the archive file
				// itself still becomes a resource.
				pc.Log.Warn().Str("archive", archive).Err(err).Msg("Extraction failed")
				pc.RecordMessage(models.SeverityWarning, "CodebaseResource",
					fmt.Sprintf("cannot extract %s", filepath.Base(archive)),
					models.JSONMap{"error": err.Error()})
			}
			extracted[archive] = true
		}
	}
	pc.Log.Warn().Msg("Archive nesting deeper than the extraction limit, leaving the rest packed")
	return nil
}

func stepCollectFilesystemInformation(pc *Context) error {
	tags, err := inputTags(pc.Workspace)
	if err != nil {
		return err
	}

	root := pc.Workspace.CodebaseDir()
	var batch []models.CodebaseResource
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := pc.DB.CreateResources(pc.Ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if err := pc.Ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		resource := models.CodebaseResource{
			ProjectUUID: pc.Project.UUID,
			Path:        relPath,
			Name:        info.Name(),
			Tag:         tags[topSegment(relPath)],
		}
		switch {
		case info.IsDir():
			resource.Type = models.ResourceTypeDirectory
		case info.Mode()&os.ModeSymlink != 0:
			resource.Type = models.ResourceTypeSymlink
		case info.Mode().IsRegular():
			resource.Type = models.ResourceTypeFile
			resource.Extension = strings.ToLower(filepath.Ext(info.Name()))
			resource.Size = info.Size()
			if pc.MaxFileSize > 0 && info.Size() > pc.MaxFileSize {
				resource.ExtraData = models.JSONMap{"skipped": "over scan_max_file_size"}
			} else if err := fillFileInformation(&resource, path); err != nil {
				pc.RecordMessage(models.SeverityWarning, "CodebaseResource",
					fmt.Sprintf("cannot read %s", relPath), models.JSONMap{"error": err.Error()})
			}
		default:
			// Sockets, devices and pipes do not belong in a codebase; skip.
			return nil
		}

		batch = append(batch, resource)
		if len(batch) >= resourceBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// fillFileInformation computes the three checksums and the mime type in
// one pass over the file.
func fillFileInformation(resource *models.CodebaseResource, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	resource.MimeType = http.DetectContentType(head[:n])

	sha1Hash, md5Hash, sha256Hash := sha1.New(), md5.New(), sha256.New()
	combined := io.MultiWriter(sha1Hash, md5Hash, sha256Hash)
	if _, err := combined.Write(head[:n]); err != nil {
		return err
	}
	if _, err := io.Copy(combined, file); err != nil {
		return err
	}
	resource.SHA1 = hexSum(sha1Hash)
	resource.MD5 = hexSum(md5Hash)
	resource.SHA256 = hexSum(sha256Hash)
	return nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// inputTags maps codebase top-level names to their input tag: both the
// input file itself and its extraction directory carry the tag.
func inputTags(ws *workspace.Workspace) (map[string]string, error) {
	manifest, err := ws.ReadManifest()
	if err != nil {
		return nil, err
	}
	tags := map[string]string{}
	for filename, entry := range manifest {
		if entry.Tag == "" {
			continue
		}
		tags[filename] = entry.Tag
		tags[filename+extractSuffix] = entry.Tag
	}
	return tags, nil
}

func topSegment(relPath string) string {
	segment, _, _ := strings.Cut(relPath, "/")
	return segment
}

func stepFlagIgnoredResources(pc *Context) error {
	var patterns []string
	if pc.Env != nil {
		patterns = pc.Env.IgnoredPatterns
	}

	resources, err := pc.DB.ListResources(pc.Ctx, pc.Project.UUID, database.ResourceFilter{})
	if err != nil {
		return err
	}
	for i := range resources {
		resource := &resources[i]
		if resource.Status != "" {
			continue
		}
		status := models.ResourceStatusScanned
		if matchesAny(patterns, resource.Path) {
			status = models.ResourceStatusIgnored
		}
		resource.Status = status
		if err := pc.DB.SaveResource(pc.Ctx, resource); err != nil {
			return err
		}
	}
	return nil
}

func matchesAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
		// A bare name pattern matches at any depth.
		if !strings.Contains(pattern, "/") {
			if ok, err := doublestar.Match("**/"+pattern, path); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func stepEvaluateLicenseCompliance(pc *Context) error {
	if pc.Policies == nil {
		pc.Log.Info().Msg("No policies configured, skipping license compliance")
		return nil
	}

	resources, err := pc.DB.ListResources(pc.Ctx, pc.Project.UUID, database.ResourceFilter{})
	if err != nil {
		return err
	}
	for i := range resources {
		resource := &resources[i]
		if resource.DetectedLicenseExpression == "" || resource.Status == models.ResourceStatusIgnored {
			continue
		}
		alert := pc.Policies.ComplianceForExpression(resource.DetectedLicenseExpression)
		if string(alert) == resource.ComplianceAlert {
			continue
		}
		resource.ComplianceAlert = string(alert)
		if err := pc.DB.SaveResource(pc.Ctx, resource); err != nil {
			return err
		}
	}

	packages, err := pc.DB.ListPackages(pc.Ctx, pc.Project.UUID, database.PackageFilter{})
	if err != nil {
		return err
	}
	for i := range packages {
		pkg := &packages[i]
		alert := policies.AlertOK
		if pkg.DeclaredLicenseExpression != "" {
			alert = pc.Policies.ComplianceForExpression(pkg.DeclaredLicenseExpression)
		}
		if pkg.ScorecardScore != nil {
			alert = policies.MaxAlert(alert, pc.Policies.ScorecardAlert(*pkg.ScorecardScore))
		}
		if string(alert) == pkg.ComplianceAlert {
			continue
		}
		pkg.ComplianceAlert = string(alert)
		if err := pc.DB.SavePackage(pc.Ctx, pkg); err != nil {
			return err
		}
	}
	return nil
}

// stepSummarize writes the scan summary into the project extra data:
// resource counts by status and the license clarity score, the share of
// scanned files carrying a detected license expression.
func stepSummarize(pc *Context) error {
	resources, err := pc.DB.ListResources(pc.Ctx, pc.Project.UUID, database.ResourceFilter{})
	if err != nil {
		return err
	}

	var files, scanned, ignored, withLicense int
	for i := range resources {
		if resources[i].Type != models.ResourceTypeFile {
			continue
		}
		files++
		switch resources[i].Status {
		case models.ResourceStatusScanned:
			scanned++
			if resources[i].DetectedLicenseExpression != "" {
				withLicense++
			}
		case models.ResourceStatusIgnored:
			ignored++
		}
	}

	clarityScore := 0
	if scanned > 0 {
		clarityScore = withLicense * 100 / scanned
	}

	project, err := pc.DB.GetProject(pc.Ctx, pc.Project.UUID)
	if err != nil {
		return err
	}
	extra := project.ExtraData
	if extra == nil {
		extra = models.JSONMap{}
	}
	extra["scan_summary"] = map[string]any{
		"file_count":            files,
		"scanned_count":         scanned,
		"ignored_count":         ignored,
		"license_clarity_score": clarityScore,
	}
	if pc.Policies != nil {
		extra["license_clarity_compliance_alert"] = string(pc.Policies.ClarityAlert(clarityScore))
	}
	return pc.DB.UpdateProjectFields(pc.Ctx, pc.Project.UUID, map[string]any{
		"extra_data": extra,
	})
}
