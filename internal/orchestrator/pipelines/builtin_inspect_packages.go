// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/fetch"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

func inspectPackagesPipeline() *Pipeline {
	return &Pipeline{
		Name:    "inspect_packages",
		Summary: "Parse well-known package manifests found in the codebase into the package inventory.",
		Steps: []Step{
			{StepDescriptor: StepDescriptor{Name: "inspect_manifests",
				Description: "Parse package.json, requirements.txt, Cargo.toml and purl-list.txt files."},
				Run: stepInspectManifests},
		},
	}
}

// manifestParser turns one manifest file into packages and dependencies.
type manifestParser func(raw []byte) ([]models.DiscoveredPackage, []models.DiscoveredDependency, error)

var manifestParsers = map[string]manifestParser{
	"package.json":     parsePackageJSON,
	"requirements.txt": parseRequirementsTxt,
	"Cargo.toml":       parseCargoToml,
	"purl-list.txt":    parsePurlList,
}

func stepInspectManifests(pc *Context) error {
	root := pc.Workspace.CodebaseDir()
	var packages []models.DiscoveredPackage
	var dependencies []models.DiscoveredDependency

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		parser, ok := manifestParsers[info.Name()]
		if !ok {
			return nil
		}
		if err := pc.Ctx.Err(); err != nil {
			return err
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
		}
		relPath, _ := filepath.Rel(root, path)
		foundPackages, foundDependencies, err := parser(raw)
		if err != nil {
			pc.RecordMessage(models.SeverityWarning, "DiscoveredPackage",
				fmt.Sprintf("cannot parse %s", filepath.ToSlash(relPath)),
				models.JSONMap{"error": err.Error()})
			return nil
		}
		pc.Log.Info().
			Str("manifest", filepath.ToSlash(relPath)).
			Int("packages", len(foundPackages)).
			Int("dependencies", len(foundDependencies)).
			Msg("Parsed package manifest")

		for i := range foundPackages {
			foundPackages[i].ProjectUUID = pc.Project.UUID
		}
		for i := range foundDependencies {
			foundDependencies[i].ProjectUUID = pc.Project.UUID
		}
		packages = append(packages, foundPackages...)
		dependencies = append(dependencies, foundDependencies...)
		return nil
	})
	if err != nil {
		return err
	}

	if len(packages) > 0 {
		if err := pc.DB.CreatePackages(pc.Ctx, packages); err != nil {
			return err
		}
	}
	if len(dependencies) > 0 {
		if err := pc.DB.CreateDependencies(pc.Ctx, dependencies); err != nil {
			return err
		}
	}
	return nil
}

func parsePackageJSON(raw []byte) ([]models.DiscoveredPackage, []models.DiscoveredDependency, error) {
	var manifest struct {
		Name            string            `json:"name"`
		Version         string            `json:"version"`
		License         string            `json:"license"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, err
	}
	if manifest.Name == "" {
		return nil, nil, fmt.Errorf("package.json without a name")
	}

	namespace, name := splitNPMName(manifest.Name)
	pkg := models.DiscoveredPackage{
		Type:                      "npm",
		Namespace:                 namespace,
		Name:                      name,
		Version:                   manifest.Version,
		DeclaredLicenseExpression: strings.ToLower(manifest.License),
	}

	var dependencies []models.DiscoveredDependency
	appendDeps := func(entries map[string]string, scope string, runtime bool) {
		for depName, constraint := range entries {
			depNamespace, depBase := splitNPMName(depName)
			purl := models.DiscoveredPackage{Type: "npm", Namespace: depNamespace, Name: depBase}
			dependencies = append(dependencies, models.DiscoveredDependency{
				PURL:       purl.PURL(),
				Scope:      scope,
				IsRuntime:  runtime,
				IsOptional: false,
				IsPinned:   isExactVersion(constraint),
				ExtraData:  models.JSONMap{"constraint": constraint},
			})
		}
	}
	appendDeps(manifest.Dependencies, "dependencies", true)
	appendDeps(manifest.DevDependencies, "devDependencies", false)

	return []models.DiscoveredPackage{pkg}, dependencies, nil
}

func splitNPMName(full string) (namespace, name string) {
	if strings.HasPrefix(full, "@") {
		if idx := strings.Index(full, "/"); idx > 0 {
			return full[:idx], full[idx+1:]
		}
	}
	return "", full
}

func isExactVersion(constraint string) bool {
	if constraint == "" {
		return false
	}
	return !strings.ContainsAny(constraint, "^~><*x ||")
}

func parseRequirementsTxt(raw []byte) ([]models.DiscoveredPackage, []models.DiscoveredDependency, error) {
	var dependencies []models.DiscoveredDependency
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		// Strip environment markers and inline comments.
		if idx := strings.IndexAny(line, ";#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}

		name, version := line, ""
		pinned := false
		if idx := strings.Index(line, "=="); idx >= 0 {
			name = strings.TrimSpace(line[:idx])
			version = strings.TrimSpace(line[idx+2:])
			pinned = true
		} else if idx := strings.IndexAny(line, "><~!="); idx >= 0 {
			name = strings.TrimSpace(line[:idx])
		}
		// Extras like name[extra] collapse to the base name.
		if idx := strings.Index(name, "["); idx >= 0 {
			name = name[:idx]
		}
		if name == "" {
			continue
		}

		purl := models.DiscoveredPackage{Type: "pypi", Name: strings.ToLower(name), Version: version}
		dependencies = append(dependencies, models.DiscoveredDependency{
			PURL:      purl.PURL(),
			Scope:     "install",
			IsRuntime: true,
			IsPinned:  pinned,
		})
	}
	return nil, dependencies, nil
}

// parseCargoToml reads the single-crate layout: a [package] table with
// name/version/license and dependency tables whose entries are either a
// bare requirement string or a table with a version key.
func parseCargoToml(raw []byte) ([]models.DiscoveredPackage, []models.DiscoveredDependency, error) {
	var manifest struct {
		Package struct {
			Name    string `toml:"name"`
			Version string `toml:"version"`
			License string `toml:"license"`
		} `toml:"package"`
		Dependencies      map[string]any `toml:"dependencies"`
		DevDependencies   map[string]any `toml:"dev-dependencies"`
		BuildDependencies map[string]any `toml:"build-dependencies"`
	}
	if err := toml.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, err
	}

	var dependencies []models.DiscoveredDependency
	appendDeps := func(entries map[string]any, scope string) {
		for depName, value := range entries {
			constraint := cargoConstraint(value)
			purl := models.DiscoveredPackage{Type: "cargo", Name: depName}
			dependencies = append(dependencies, models.DiscoveredDependency{
				PURL:      purl.PURL(),
				Scope:     scope,
				IsRuntime: scope == "dependencies",
				IsPinned:  constraint != "" && !strings.ContainsAny(constraint, "^~><*"),
				ExtraData: models.JSONMap{"constraint": constraint},
			})
		}
	}
	appendDeps(manifest.Dependencies, "dependencies")
	appendDeps(manifest.DevDependencies, "dev-dependencies")
	appendDeps(manifest.BuildDependencies, "build-dependencies")

	if manifest.Package.Name == "" {
		if len(dependencies) == 0 {
			return nil, nil, fmt.Errorf("Cargo.toml without a package table")
		}
		return nil, dependencies, nil
	}
	pkg := models.DiscoveredPackage{
		Type:                      "cargo",
		Name:                      manifest.Package.Name,
		Version:                   manifest.Package.Version,
		DeclaredLicenseExpression: strings.ToLower(manifest.Package.License),
	}
	return []models.DiscoveredPackage{pkg}, dependencies, nil
}

// cargoConstraint pulls the version requirement out of either dependency
// form.
func cargoConstraint(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		if version, ok := v["version"].(string); ok {
			return version
		}
	}
	return ""
}

// parsePurlList reads one package URL per line into discovered packages.
func parsePurlList(raw []byte) ([]models.DiscoveredPackage, []models.DiscoveredDependency, error) {
	var packages []models.DiscoveredPackage
	for lineNumber, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		purl, err := fetch.ParsePackageURL(line)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineNumber+1, err)
		}
		packages = append(packages, models.DiscoveredPackage{
			Type:      purl.Type,
			Namespace: purl.Namespace,
			Name:      purl.Name,
			Version:   purl.Version,
		})
	}
	return packages, nil, nil
}
