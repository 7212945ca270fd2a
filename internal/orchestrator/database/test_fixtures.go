// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

// NewTestDB opens a migrated sqlite database in a per-test temp directory.
func NewTestDB(t *testing.T) *GormDB {
	t.Helper()
	cfg := &config.AppConfig{DBName: filepath.Join(t.TempDir(), "depvet-test.db")}
	db, err := NewGormDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// CreateTestProject inserts a project with sensible defaults.
func CreateTestProject(t *testing.T, db Repository, name string) *models.Project {
	t.Helper()
	project := &models.Project{Name: name, Labels: models.StringSlice{}}
	require.NoError(t, db.CreateProject(context.Background(), project))
	return project
}

// CreateTestRun inserts a run for the project. Successive runs created
// with this helper get strictly increasing timestamps.
func CreateTestRun(t *testing.T, db Repository, project *models.Project, pipelineName string, status models.RunStatus) *models.Run {
	t.Helper()
	run := &models.Run{
		ProjectUUID:  project.UUID,
		PipelineName: pipelineName,
		Status:       status,
		CreatedAt:    nextRunTimestamp(),
	}
	require.NoError(t, db.CreateRun(context.Background(), run))
	return run
}

var lastRunTimestamp time.Time

func nextRunTimestamp() time.Time {
	now := time.Now()
	if !now.After(lastRunTimestamp) {
		now = lastRunTimestamp.Add(time.Millisecond)
	}
	lastRunTimestamp = now
	return now
}
