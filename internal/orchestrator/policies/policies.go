// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package policies evaluates scan results against a user-supplied policy
// document: license keys map to compliance labels, clarity and scorecard
// scores map to threshold alerts, and alerts combine by precedence.
package policies

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// Alert is a compliance label. The empty string means compliant.
type Alert string

// Alert values, lowest to highest precedence.
const (
	AlertOK      Alert = ""
	AlertMissing Alert = "missing"
	AlertWarning Alert = "warning"
	AlertError   Alert = "error"
)

// Precedence returns the rank used to combine alerts: error > warning >
// missing > ok.
func Precedence(a Alert) int {
	switch a {
	case AlertError:
		return 3
	case AlertWarning:
		return 2
	case AlertMissing:
		return 1
	default:
		return 0
	}
}

// MaxAlert returns the highest-precedence alert of the given set.
func MaxAlert(alerts ...Alert) Alert {
	max := AlertOK
	for _, a := range alerts {
		if Precedence(a) > Precedence(max) {
			max = a
		}
	}
	return max
}

// ParseAlert validates one alert string from a policy file.
func ParseAlert(s string) (Alert, error) {
	switch Alert(strings.ToLower(strings.TrimSpace(s))) {
	case AlertOK:
		return AlertOK, nil
	case AlertMissing:
		return AlertMissing, nil
	case AlertWarning:
		return AlertWarning, nil
	case AlertError:
		return AlertError, nil
	}
	return AlertOK, fmt.Errorf("%w: unknown compliance alert %q", errdefs.ErrInvalidPolicy, s)
}

// LicensePolicy maps one license key to its label and alert.
type LicensePolicy struct {
	LicenseKey      string `yaml:"license_key"`
	Label           string `yaml:"label"`
	ComplianceAlert Alert  `yaml:"compliance_alert"`
}

// Threshold assigns an alert to every score greater than or equal to
// MinScore, first match wins on a descending list.
type Threshold struct {
	MinScore float64
	Alert    Alert
}

// UnknownLicensePolicy is returned for license keys absent from the
// document.
var UnknownLicensePolicy = LicensePolicy{Label: "Unknown", ComplianceAlert: AlertMissing}

// Document is a parsed, validated policy document.
type Document struct {
	LicensePolicies     map[string]LicensePolicy
	ClarityThresholds   []Threshold
	ScorecardThresholds []Threshold
}

// HasLicensePolicies reports whether any license policy is configured.
func (d *Document) HasLicensePolicies() bool {
	return d != nil && len(d.LicensePolicies) > 0
}

// LicensePolicyFor returns the policy of a license key, or
// UnknownLicensePolicy when the key is not listed.
func (d *Document) LicensePolicyFor(licenseKey string) LicensePolicy {
	if policy, ok := d.LicensePolicies[licenseKey]; ok {
		return policy
	}
	return UnknownLicensePolicy
}

// ComplianceForExpression combines the alerts of every license key in the
// expression under precedence order. An empty expression is compliant.
func (d *Document) ComplianceForExpression(expression string) Alert {
	keys := ExtractLicenseKeys(expression)
	if len(keys) == 0 {
		return AlertOK
	}
	alert := AlertOK
	for _, key := range keys {
		alert = MaxAlert(alert, d.LicensePolicyFor(key).ComplianceAlert)
	}
	return alert
}

// ClarityAlert returns the alert of the highest clarity threshold the
// score satisfies.
func (d *Document) ClarityAlert(score int) Alert {
	return alertForScore(d.ClarityThresholds, float64(score))
}

// ScorecardAlert returns the alert of the highest scorecard threshold the
// score satisfies.
func (d *Document) ScorecardAlert(score float64) Alert {
	return alertForScore(d.ScorecardThresholds, score)
}

func alertForScore(thresholds []Threshold, score float64) Alert {
	for _, t := range thresholds {
		if score >= t.MinScore {
			return t.Alert
		}
	}
	return AlertOK
}

// expressionOperators are dropped while tokenizing license expressions.
var expressionOperators = map[string]struct{}{
	"and": {}, "or": {}, "with": {},
}

// ExtractLicenseKeys tokenizes a license expression into its license keys,
// stripping parentheses and AND/OR/WITH operators (case-insensitive).
func ExtractLicenseKeys(expression string) []string {
	cleaned := strings.NewReplacer("(", " ", ")", " ").Replace(expression)
	var keys []string
	seen := map[string]struct{}{}
	for _, token := range strings.Fields(cleaned) {
		if _, isOp := expressionOperators[strings.ToLower(token)]; isOp {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		keys = append(keys, token)
	}
	return keys
}

// rawDocument mirrors the on-disk YAML layout. Threshold maps are decoded
// through yaml.Node to preserve the file order for descending validation.
type rawDocument struct {
	LicensePolicies          []LicensePolicy `yaml:"license_policies"`
	LicenseClarityThresholds yaml.Node       `yaml:"license_clarity_thresholds"`
	ScorecardScoreThresholds yaml.Node       `yaml:"scorecard_score_thresholds"`
}

// Load parses and validates a YAML policy document.
func Load(raw []byte) (*Document, error) {
	var parsed rawDocument
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidPolicy, err)
	}

	doc := &Document{LicensePolicies: map[string]LicensePolicy{}}
	for _, policy := range parsed.LicensePolicies {
		if policy.LicenseKey == "" {
			return nil, fmt.Errorf("%w: license policy without license_key", errdefs.ErrInvalidPolicy)
		}
		if _, err := ParseAlert(string(policy.ComplianceAlert)); err != nil {
			return nil, err
		}
		if policy.Label == "" {
			policy.Label = policy.LicenseKey
		}
		doc.LicensePolicies[policy.LicenseKey] = policy
	}

	var err error
	if doc.ClarityThresholds, err = parseThresholds(&parsed.LicenseClarityThresholds, "license_clarity_thresholds"); err != nil {
		return nil, err
	}
	if doc.ScorecardThresholds, err = parseThresholds(&parsed.ScorecardScoreThresholds, "scorecard_score_thresholds"); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadFile loads a policy document from disk.
func LoadFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read policies file %s: %v", errdefs.ErrInvalidPolicy, path, err)
	}
	return Load(raw)
}

// parseThresholds decodes a score→alert mapping node, requiring the file
// order to be strictly descending on score.
func parseThresholds(node *yaml.Node, field string) ([]Threshold, error) {
	if node.Kind == 0 || node.IsZero() {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s must be a mapping", errdefs.ErrInvalidPolicy, field)
	}

	var thresholds []Threshold
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]
		score, err := strconv.ParseFloat(keyNode.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s key %q is not a number", errdefs.ErrInvalidPolicy, field, keyNode.Value)
		}
		alert, err := ParseAlert(valueNode.Value)
		if err != nil {
			return nil, err
		}
		if len(thresholds) > 0 && score >= thresholds[len(thresholds)-1].MinScore {
			return nil, fmt.Errorf("%w: %s must be strictly descending, %v follows %v",
				errdefs.ErrInvalidPolicy, field, score, thresholds[len(thresholds)-1].MinScore)
		}
		thresholds = append(thresholds, Threshold{MinScore: score, Alert: alert})
	}

	// The loop above already enforces descending order; keep the sort as
	// the lookup contract for documents built in code.
	sort.Slice(thresholds, func(i, j int) bool {
		return thresholds[i].MinScore > thresholds[j].MinScore
	})
	return thresholds, nil
}
