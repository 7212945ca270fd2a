// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package policies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

const samplePolicies = `
license_policies:
  - license_key: mit
    label: Approved License
    compliance_alert: ''
  - license_key: gpl-3.0
    label: Prohibited License
    compliance_alert: error
  - license_key: lgpl-2.1
    label: Restricted License
    compliance_alert: warning
license_clarity_thresholds:
  91: ''
  80: warning
  0: error
scorecard_score_thresholds:
  9.5: ''
  7.5: warning
  0: error
`

func loadSample(t *testing.T) *Document {
	t.Helper()
	doc, err := Load([]byte(samplePolicies))
	require.NoError(t, err)
	return doc
}

func TestLicensePolicyFor(t *testing.T) {
	doc := loadSample(t)

	policy := doc.LicensePolicyFor("mit")
	assert.Equal(t, "Approved License", policy.Label)
	assert.Equal(t, AlertOK, policy.ComplianceAlert)

	unknown := doc.LicensePolicyFor("bsd-new")
	assert.Equal(t, "Unknown", unknown.Label)
	assert.Equal(t, AlertMissing, unknown.ComplianceAlert)
}

func TestComplianceForExpressionPrecedence(t *testing.T) {
	doc := loadSample(t)

	tests := []struct {
		expression string
		expected   Alert
	}{
		{"mit", AlertOK},
		{"mit OR gpl-3.0", AlertError},
		{"mit AND lgpl-2.1", AlertWarning},
		{"(mit OR bsd-new) AND lgpl-2.1", AlertWarning},
		{"bsd-new", AlertMissing},
		{"", AlertOK},
		{"gpl-3.0 WITH classpath-exception-2.0", AlertError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, doc.ComplianceForExpression(tt.expression), tt.expression)
	}
}

func TestComplianceIsMonotone(t *testing.T) {
	doc := loadSample(t)

	// Adding any license to an expression never decreases the alert.
	base := "mit"
	baseAlert := doc.ComplianceForExpression(base)
	for _, extra := range []string{"mit", "bsd-new", "lgpl-2.1", "gpl-3.0"} {
		combined := doc.ComplianceForExpression(base + " AND " + extra)
		assert.GreaterOrEqual(t, Precedence(combined), Precedence(baseAlert), extra)
	}
}

func TestClarityAlertTiers(t *testing.T) {
	doc := loadSample(t)

	assert.Equal(t, AlertOK, doc.ClarityAlert(95))
	assert.Equal(t, AlertOK, doc.ClarityAlert(91))
	assert.Equal(t, AlertWarning, doc.ClarityAlert(80))
	assert.Equal(t, AlertError, doc.ClarityAlert(50))
	assert.Equal(t, AlertError, doc.ClarityAlert(0))
}

func TestScorecardAlertTiers(t *testing.T) {
	doc := loadSample(t)

	assert.Equal(t, AlertOK, doc.ScorecardAlert(9.7))
	assert.Equal(t, AlertWarning, doc.ScorecardAlert(8.0))
	assert.Equal(t, AlertError, doc.ScorecardAlert(3.2))
}

func TestLoadRejectsNonDescendingThresholds(t *testing.T) {
	_, err := Load([]byte(`
license_clarity_thresholds:
  80: warning
  91: ''
`))
	assert.ErrorIs(t, err, errdefs.ErrInvalidPolicy)
}

func TestLoadRejectsUnknownAlert(t *testing.T) {
	_, err := Load([]byte(`
license_policies:
  - license_key: mit
    compliance_alert: catastrophic
`))
	assert.ErrorIs(t, err, errdefs.ErrInvalidPolicy)
}

func TestLoadRejectsMissingLicenseKey(t *testing.T) {
	_, err := Load([]byte(`
license_policies:
  - label: No Key
    compliance_alert: warning
`))
	assert.ErrorIs(t, err, errdefs.ErrInvalidPolicy)
}

func TestMaxAlert(t *testing.T) {
	assert.Equal(t, AlertError, MaxAlert(AlertOK, AlertWarning, AlertError))
	assert.Equal(t, AlertMissing, MaxAlert(AlertOK, AlertMissing))
	assert.Equal(t, AlertOK, MaxAlert())
}

func TestExtractLicenseKeys(t *testing.T) {
	keys := ExtractLicenseKeys("(mit OR gpl-3.0) AND mit WITH classpath-exception-2.0")
	assert.Equal(t, []string{"mit", "gpl-3.0", "classpath-exception-2.0"}, keys)
}
