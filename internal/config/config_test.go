// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(filepath.Join(t.TempDir(), "missing.yml"))
	// A named config file that does not exist is an error; search mode is not.
	require.Error(t, err)

	cfg, err = NewConfig("")
	require.NoError(t, err)
	assert.Equal(t, "24h", cfg.TaskTimeout)
	assert.Equal(t, ".scancode", cfg.ConfigDir)
	assert.Equal(t, 2, cfg.Processes)
	assert.False(t, cfg.Async)
	assert.Equal(t, 50, cfg.RESTAPIPageSize)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.False(t, cfg.UsesPostgres())
}

func TestNewConfigEnvOverride(t *testing.T) {
	t.Setenv("DEPVET_DB_HOST", "db.internal")
	t.Setenv("DEPVET_DB_NAME", "depvet")
	t.Setenv("DEPVET_ASYNC", "true")
	t.Setenv("DEPVET_TASK_TIMEOUT", "90m")
	t.Setenv("DEPVET_PIPELINES_DIRS", "/opt/pipelines,/srv/extra")

	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.True(t, cfg.UsesPostgres())
	assert.Contains(t, cfg.GetDSN(), "host=db.internal")
	assert.Contains(t, cfg.GetDSN(), "dbname=depvet")
	assert.True(t, cfg.Async)
	assert.Equal(t, []string{"/opt/pipelines", "/srv/extra"}, cfg.PipelinesDirs)

	timeout, err := cfg.ParseTaskTimeout()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, timeout)
}

func TestNewConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := `
workspace_location: ` + dir + `
log_level: DEBUG
task_timeout: 3600
paginate_by:
  project: 10
site_url: https://sca.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.WorkspaceLocation)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PaginateBy["project"])
	assert.Equal(t, "https://sca.example.com/api/projects/abc/", cfg.ProjectURL("abc"))

	timeout, err := cfg.ParseTaskTimeout()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, timeout)
}

func TestNewConfigRejectsBadValues(t *testing.T) {
	t.Setenv("DEPVET_LOG_LEVEL", "NOISY")
	_, err := NewConfig("")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrBadConfig)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1h30m", 90 * time.Minute, false},
		{"5s", 5 * time.Second, false},
		{"24h", 24 * time.Hour, false},
		{"300", 300 * time.Second, false},
		{" 60 ", time.Minute, false},
		{"", 0, true},
		{"tomorrow", 0, true},
		{"-5s", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errdefs.ErrBadConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHostCredentials(t *testing.T) {
	creds, err := ParseHostCredentials("example.com=alice:s3cr:et; mirror.org=bob:pw")
	require.NoError(t, err)
	assert.Equal(t, Credential{User: "alice", Password: "s3cr:et"}, creds["example.com"])
	assert.Equal(t, Credential{User: "bob", Password: "pw"}, creds["mirror.org"])

	_, err = ParseHostCredentials("example.com")
	assert.ErrorIs(t, err, errdefs.ErrBadConfig)

	_, err = ParseHostCredentials("example.com=justuser")
	assert.ErrorIs(t, err, errdefs.ErrBadConfig)
}

func TestParseHostHeaders(t *testing.T) {
	headers, err := ParseHostHeaders("api.example.com=Authorization: Bearer abc|X-Trace: on;files.org=X-Token: t1")
	require.NoError(t, err)
	require.Len(t, headers["api.example.com"], 2)
	assert.Equal(t, Header{Name: "Authorization", Value: "Bearer abc"}, headers["api.example.com"][0])
	assert.Equal(t, Header{Name: "X-Trace", Value: "on"}, headers["api.example.com"][1])
	assert.Equal(t, Header{Name: "X-Token", Value: "t1"}, headers["files.org"][0])
}

func TestLoadProjectEnv(t *testing.T) {
	inputDir := t.TempDir()
	content := `
product_name: acme-app
product_version: "2.0"
ignored_patterns:
  - "*.tmp"
  - "docs/**"
ignored_vulnerabilities:
  - VCID-0001
policies:
  license_policies:
    - license_key: mit
      compliance_alert: ""
`
	require.NoError(t, os.WriteFile(
		filepath.Join(inputDir, ProjectConfigFilename), []byte(content), 0o644))

	env, err := LoadProjectEnv(inputDir, t.TempDir(), ".scancode", map[string]any{
		"product_version": "3.0",
	})
	require.NoError(t, err)

	assert.Equal(t, "acme-app", env.ProductName)
	// The settings bag wins over the config file.
	assert.Equal(t, "3.0", env.ProductVersion)
	assert.Equal(t, []string{"*.tmp", "docs/**"}, env.IgnoredPatterns)
	assert.True(t, env.HasPolicies())

	raw, err := env.PoliciesYAML()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "license_key: mit")
}

func TestLoadProjectEnvMissingFile(t *testing.T) {
	env, err := LoadProjectEnv(t.TempDir(), t.TempDir(), ".scancode", nil)
	require.NoError(t, err)
	assert.Equal(t, &ProjectEnv{}, env)
}
