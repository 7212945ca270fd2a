// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/policies"
)

// alertsAtOrAbove expands a fail level into the alert values at or above
// it, highest precedence first.
func alertsAtOrAbove(level string) ([]string, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", "ERROR":
		return []string{string(policies.AlertError)}, nil
	case "WARNING":
		return []string{string(policies.AlertError), string(policies.AlertWarning)}, nil
	case "MISSING":
		return []string{string(policies.AlertError), string(policies.AlertWarning), string(policies.AlertMissing)}, nil
	}
	return nil, fmt.Errorf("%w: fail-level %q, choices: ERROR, WARNING, MISSING", errdefs.ErrBadConfig, level)
}

func newCheckComplianceCmd() *cobra.Command {
	var (
		projectName           string
		failLevel             string
		failOnVulnerabilities bool
	)
	cmd := &cobra.Command{
		Use:   "check-compliance",
		Short: "Exit non-zero when a project carries compliance alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			alerts, err := alertsAtOrAbove(failLevel)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}
				packages, err := app.DB.ListPackages(ctx, project.UUID, database.PackageFilter{ComplianceAlerts: alerts})
				if err != nil {
					return err
				}
				resources, err := app.DB.ListResources(ctx, project.UUID, database.ResourceFilter{ComplianceAlerts: alerts})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				failures := 0
				if len(packages) > 0 {
					failures += len(packages)
					fmt.Fprintf(out, "%d packages with compliance alerts:\n", len(packages))
					for _, pkg := range packages {
						fmt.Fprintf(out, "  %s %s\n", strings.ToUpper(pkg.ComplianceAlert), pkg.PURL())
					}
				}
				if len(resources) > 0 {
					failures += len(resources)
					fmt.Fprintf(out, "%d resources with compliance alerts:\n", len(resources))
					for _, resource := range resources {
						fmt.Fprintf(out, "  %s %s\n", strings.ToUpper(resource.ComplianceAlert), resource.Path)
					}
				}
				if failOnVulnerabilities {
					vulnerable, err := app.DB.CountVulnerablePackages(ctx, project.UUID)
					if err != nil {
						return err
					}
					if vulnerable > 0 {
						failures += int(vulnerable)
						fmt.Fprintf(out, "%d vulnerable packages\n", vulnerable)
					}
				}

				if failures > 0 {
					return &exitError{code: 1, msg: fmt.Sprintf("project %s has %d compliance issues", project.Name, failures)}
				}
				fmt.Fprintf(out, "Project %s is compliant\n", project.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().StringVar(&failLevel, "fail-level", "ERROR", "lowest alert level that fails the check: ERROR, WARNING or MISSING")
	cmd.Flags().BoolVar(&failOnVulnerabilities, "fail-on-vulnerabilities", false, "also fail when vulnerable packages exist")
	return cmd
}

// verifyCheck is one count expectation of verify-project.
type verifyCheck struct {
	name     string
	expected int64
	actual   int64
}

func (c verifyCheck) met(strict bool) bool {
	if strict {
		return c.actual == c.expected
	}
	return c.actual >= c.expected
}

func newVerifyProjectCmd() *cobra.Command {
	var (
		projectName            string
		packages               int64
		vulnerablePackages     int64
		dependencies           int64
		vulnerableDependencies int64
		vulnerabilities        int64
		strict                 bool
	)
	cmd := &cobra.Command{
		Use:   "verify-project",
		Short: "Verify scan result counts against expectations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *orchestrator.Application) error {
				project, err := resolveProject(ctx, app, projectName)
				if err != nil {
					return err
				}

				var checks []verifyCheck
				appendCheck := func(flag, name string, expected int64, count func() (int64, error)) error {
					if !cmd.Flags().Changed(flag) {
						return nil
					}
					actual, err := count()
					if err != nil {
						return err
					}
					checks = append(checks, verifyCheck{name: name, expected: expected, actual: actual})
					return nil
				}

				steps := []func() error{
					func() error {
						return appendCheck("packages", "packages", packages, func() (int64, error) {
							return app.DB.CountPackages(ctx, project.UUID)
						})
					},
					func() error {
						return appendCheck("vulnerable-packages", "vulnerable packages", vulnerablePackages, func() (int64, error) {
							return app.DB.CountVulnerablePackages(ctx, project.UUID)
						})
					},
					func() error {
						return appendCheck("dependencies", "dependencies", dependencies, func() (int64, error) {
							return app.DB.CountDependencies(ctx, project.UUID)
						})
					},
					func() error {
						return appendCheck("vulnerable-dependencies", "vulnerable dependencies", vulnerableDependencies, func() (int64, error) {
							return app.DB.CountVulnerableDependencies(ctx, project.UUID)
						})
					},
					func() error {
						return appendCheck("vulnerabilities", "vulnerabilities", vulnerabilities, func() (int64, error) {
							return countVulnerabilities(ctx, app, project.UUID)
						})
					},
				}
				for _, step := range steps {
					if err := step(); err != nil {
						return err
					}
				}
				if len(checks) == 0 {
					return fmt.Errorf("%w: at least one expectation flag is required", errdefs.ErrBadConfig)
				}

				out := cmd.OutOrStdout()
				failures := 0
				for _, check := range checks {
					state := "ok"
					if !check.met(strict) {
						state = "FAILED"
						failures++
					}
					fmt.Fprintf(out, "%s: expected %d, found %d ... %s\n", check.name, check.expected, check.actual, state)
				}
				if failures > 0 {
					return &exitError{code: 1, msg: fmt.Sprintf("%d of %d expectations not met", failures, len(checks))}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectName, "project", "", "project name")
	cmd.Flags().Int64Var(&packages, "packages", 0, "expected package count")
	cmd.Flags().Int64Var(&vulnerablePackages, "vulnerable-packages", 0, "expected vulnerable package count")
	cmd.Flags().Int64Var(&dependencies, "dependencies", 0, "expected dependency count")
	cmd.Flags().Int64Var(&vulnerableDependencies, "vulnerable-dependencies", 0, "expected vulnerable dependency count")
	cmd.Flags().Int64Var(&vulnerabilities, "vulnerabilities", 0, "expected total vulnerability count across packages")
	cmd.Flags().BoolVar(&strict, "strict", false, "expectations must match exactly instead of at-least")
	return cmd
}

// countVulnerabilities totals the vulnerability records attached to the
// project's packages.
func countVulnerabilities(ctx context.Context, app *orchestrator.Application, projectUUID string) (int64, error) {
	packages, err := app.DB.ListPackages(ctx, projectUUID, database.PackageFilter{OnlyVulnerable: true})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, pkg := range packages {
		total += int64(len(pkg.AffectedByVulnerabilities))
	}
	return total, nil
}
