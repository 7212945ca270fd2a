// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/pipelines"
	"github.com/depvet/depvet/internal/orchestrator/scheduler"
	"github.com/depvet/depvet/internal/orchestrator/services"
	"github.com/depvet/depvet/internal/protocol"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	cfg := &config.AppConfig{
		WorkspaceLocation: t.TempDir(),
		ConfigDir:         ".scancode",
		TaskTimeout:       "1h",
	}
	db := database.NewTestDB(t)
	queue := scheduler.NewMemoryQueue()

	app, err := NewWithBackends(context.Background(), cfg, db, queue)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestApplicationWiring(t *testing.T) {
	app := newTestApp(t)

	assert.NotNil(t, app.Projects)
	assert.NotNil(t, app.Runs)
	assert.NotNil(t, app.Summaries)
	assert.NotNil(t, app.Scheduler)
	assert.NotNil(t, app.Webhooks)
	assert.Contains(t, app.Registry.Names(), "scan_codebase")
}

func TestCreateProjectAndRunInline(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	app.Registry.Register(&pipelines.Pipeline{
		Name:    "touch_output",
		Summary: "Writes one marker file.",
		Steps: []pipelines.Step{{
			StepDescriptor: pipelines.StepDescriptor{Name: "write_marker"},
			Run: func(pc *pipelines.Context) error {
				path, err := pc.Workspace.OutputFilePath("marker", "txt")
				if err != nil {
					return err
				}
				return os.WriteFile(path, []byte("done"), 0o644)
			},
		}},
	})

	input := filepath.Join(t.TempDir(), "pkg.zip")
	require.NoError(t, os.WriteFile(input, []byte("zip-bytes"), 0o644))

	project, err := app.Projects.CreateProject(ctx, services.CreateProjectParams{
		Name:       "scan-1",
		InputFiles: []services.InputFile{{Path: input}},
		Pipelines:  []services.PipelineSelection{{Name: "touch_output"}},
		ExecuteNow: true,
	})
	require.NoError(t, err)

	runs, err := app.DB.ListRuns(ctx, project.UUID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSuccess, runs[0].Status)
	require.NotNil(t, runs[0].TaskExitCode)
	assert.Equal(t, 0, *runs[0].TaskExitCode)

	ws := app.Projects.Workspace(project)
	assert.FileExists(t, filepath.Join(ws.InputDir(), "pkg.zip"))

	entries, err := os.ReadDir(ws.OutputDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRunEventsReachTheStream(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	app.Registry.Register(&pipelines.Pipeline{
		Name:    "noop",
		Summary: "Does nothing.",
		Steps: []pipelines.Step{{
			StepDescriptor: pipelines.StepDescriptor{Name: "only_step"},
			Run:            func(*pipelines.Context) error { return nil },
		}},
	})

	_, err := app.Projects.CreateProject(ctx, services.CreateProjectParams{
		Name:       "evented",
		Pipelines:  []services.PipelineSelection{{Name: "noop"}},
		ExecuteNow: true,
	})
	require.NoError(t, err)

	var kinds []string
	for {
		select {
		case event := <-app.Events():
			kinds = append(kinds, event.EventType())
			continue
		default:
		}
		break
	}
	assert.Contains(t, kinds, "run_step")
	assert.Contains(t, kinds, "run_finished")
	assert.Contains(t, kinds, "project_runs_completed")

	finished := false
	for _, kind := range kinds {
		if kind == "run_finished" {
			finished = true
		}
		if kind == "project_runs_completed" {
			assert.True(t, finished, "run_finished must precede project_runs_completed")
		}
	}
}

func TestRunStepEventScoping(t *testing.T) {
	event := protocol.RunStepEvent{ProjectUUID: "p", RunUUID: "r"}
	assert.Equal(t, "p", event.GetProjectUUID())
	assert.Equal(t, "r", event.GetRunUUID())
}
