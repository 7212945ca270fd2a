// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// ProjectConfigFilename is the per-project configuration file looked up in a
// project's input directory.
const ProjectConfigFilename = "scancode-config.yml"

// ProjectEnv holds the per-project configuration overrides merged from the
// optional project config file and the project's settings bag. Zero values
// mean "not overridden".
type ProjectEnv struct {
	ProductName    string   `yaml:"product_name" mapstructure:"product_name"`
	ProductVersion string   `yaml:"product_version" mapstructure:"product_version"`
	IgnoredPatterns []string `yaml:"ignored_patterns" mapstructure:"ignored_patterns"`
	IgnoredDependencyScopes []DependencyScope `yaml:"ignored_dependency_scopes" mapstructure:"ignored_dependency_scopes"`
	IgnoredVulnerabilities  []string          `yaml:"ignored_vulnerabilities" mapstructure:"ignored_vulnerabilities"`

	// Policies is an inline policy document taking precedence over the
	// process-wide policies_file. Kept raw; the policies package parses it.
	Policies map[string]any `yaml:"policies" mapstructure:"policies"`

	// ScanMaxFileSize and ScanFileTimeout may also be overridden per project.
	ScanMaxFileSize int64 `yaml:"scan_max_file_size" mapstructure:"scan_max_file_size"`
	ScanFileTimeout int   `yaml:"scan_file_timeout" mapstructure:"scan_file_timeout"`
}

// DependencyScope identifies a dependency scope to ignore for one package type.
type DependencyScope struct {
	PackageType string `yaml:"package_type" mapstructure:"package_type"`
	Scope       string `yaml:"scope" mapstructure:"scope"`
}

// HasPolicies reports whether the project carries an inline policy document.
func (e *ProjectEnv) HasPolicies() bool {
	return len(e.Policies) > 0
}

// PoliciesYAML re-serializes the inline policy document for the policy loader.
func (e *ProjectEnv) PoliciesYAML() ([]byte, error) {
	if !e.HasPolicies() {
		return nil, nil
	}
	raw, err := yaml.Marshal(e.Policies)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize inline policies: %w", err)
	}
	return raw, nil
}

// LoadProjectEnv merges the per-project configuration: the config file found
// in inputDir (then codebaseDir/<configDir>/config.yml) is read first, and
// the project's settings bag overrides it. A missing file is not an error.
func LoadProjectEnv(inputDir, codebaseDir, configDir string, settings map[string]any) (*ProjectEnv, error) {
	env := &ProjectEnv{}

	candidates := []string{
		filepath.Join(inputDir, ProjectConfigFilename),
		filepath.Join(codebaseDir, configDir, "config.yml"),
	}
	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%w: failed to read %s: %v", errdefs.ErrWorkspaceIO, path, err)
		}
		if err := yaml.Unmarshal(raw, env); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errdefs.ErrBadConfig, path, err)
		}
		break
	}

	if len(settings) > 0 {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: env})
		if err != nil {
			return nil, fmt.Errorf("failed to build settings decoder: %w", err)
		}
		if err := decoder.Decode(settings); err != nil {
			return nil, fmt.Errorf("%w: project settings: %v", errdefs.ErrBadConfig, err)
		}
	}

	return env, nil
}
