// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

type engineFixture struct {
	db      *database.GormDB
	engine  *Engine
	project *models.Project
	run     *models.Run
	ws      *workspace.Workspace
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db := database.NewTestDB(t)
	project := database.CreateTestProject(t, db, "engine-test")
	run := database.CreateTestRun(t, db, project, "sample", models.RunStatusRunning)
	ws := workspace.New(t.TempDir())
	require.NoError(t, ws.Create())
	return &engineFixture{
		db:      db,
		engine:  NewEngine(db, &config.AppConfig{}),
		project: project,
		run:     run,
		ws:      ws,
	}
}

func (f *engineFixture) execution(pipeline *Pipeline) Execution {
	return Execution{
		Project:   f.project,
		Run:       f.run,
		Pipeline:  pipeline,
		Workspace: f.ws,
	}
}

func recordingPipeline(order *[]string, failAt string) *Pipeline {
	step := func(name string) Step {
		return Step{
			StepDescriptor: StepDescriptor{Name: name},
			Run: func(pc *Context) error {
				*order = append(*order, name)
				if name == failAt {
					return errors.New("boom")
				}
				return nil
			},
		}
	}
	return &Pipeline{
		Name:  "sample",
		Steps: []Step{step("first"), step("second"), step("third")},
	}
}

func TestEngineRunsStepsInOrder(t *testing.T) {
	f := newEngineFixture(t)
	var order []string
	var events []ProgressEvent

	exec := f.execution(recordingPipeline(&order, ""))
	exec.Progress = func(event ProgressEvent) { events = append(events, event) }

	require.NoError(t, f.engine.Execute(context.Background(), exec))
	assert.Equal(t, []string{"first", "second", "third"}, order)

	require.Len(t, events, 6)
	assert.Equal(t, EventStepStarted, events[0].Kind)
	assert.Equal(t, "first", events[0].Step)
	assert.Equal(t, EventStepCompleted, events[5].Kind)
	assert.Equal(t, 100, events[5].Progress)

	run, err := f.db.GetRun(context.Background(), f.run.UUID)
	require.NoError(t, err)
	assert.Equal(t, 100, run.Progress)
	assert.Contains(t, run.Log, "Step completed")
}

func TestEngineStepFailureStopsPipeline(t *testing.T) {
	f := newEngineFixture(t)
	var order []string

	err := f.engine.Execute(context.Background(), f.execution(recordingPipeline(&order, "second")))
	assert.ErrorIs(t, err, errdefs.ErrStepFailure)
	assert.Equal(t, []string{"first", "second"}, order)

	run, getErr := f.db.GetRun(context.Background(), f.run.UUID)
	require.NoError(t, getErr)
	assert.Contains(t, run.CurrentStep, "second")
	assert.Contains(t, run.Log, "Step failed")
}

func TestEnginePanicBecomesStepFailure(t *testing.T) {
	f := newEngineFixture(t)
	pipeline := &Pipeline{
		Name: "sample",
		Steps: []Step{{
			StepDescriptor: StepDescriptor{Name: "explode"},
			Run:            func(*Context) error { panic("kaboom") },
		}},
	}

	err := f.engine.Execute(context.Background(), f.execution(pipeline))
	assert.ErrorIs(t, err, errdefs.ErrStepFailure)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestEngineCancelBetweenSteps(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	var order []string

	pipeline := &Pipeline{
		Name: "sample",
		Steps: []Step{
			{StepDescriptor: StepDescriptor{Name: "first"}, Run: func(*Context) error {
				order = append(order, "first")
				cancel()
				return nil
			}},
			{StepDescriptor: StepDescriptor{Name: "second"}, Run: func(*Context) error {
				order = append(order, "second")
				return nil
			}},
		},
	}

	err := f.engine.Execute(ctx, f.execution(pipeline))
	assert.ErrorIs(t, err, errdefs.ErrCancelled)
	assert.Equal(t, []string{"first"}, order)
}

func TestEngineStopFlagBetweenSteps(t *testing.T) {
	f := newEngineFixture(t)
	var order []string
	stopped := false

	exec := f.execution(&Pipeline{
		Name: "sample",
		Steps: []Step{
			{StepDescriptor: StepDescriptor{Name: "first"}, Run: func(*Context) error {
				order = append(order, "first")
				stopped = true
				return nil
			}},
			{StepDescriptor: StepDescriptor{Name: "second"}, Run: func(*Context) error {
				order = append(order, "second")
				return nil
			}},
		},
	})
	exec.StopRequested = func(context.Context) (bool, error) { return stopped, nil }

	err := f.engine.Execute(context.Background(), exec)
	assert.ErrorIs(t, err, errdefs.ErrCancelled)
	assert.Equal(t, []string{"first"}, order)
}

func TestEngineDeadlineBetweenSteps(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	var order []string
	err := f.engine.Execute(ctx, f.execution(recordingPipeline(&order, "")))
	assert.ErrorIs(t, err, errdefs.ErrTimeoutExceeded)
	assert.Empty(t, order)
}

func TestEngineResumeFromStep(t *testing.T) {
	f := newEngineFixture(t)
	f.run.ResumeFromStep = "second"

	var order []string
	require.NoError(t, f.engine.Execute(context.Background(), f.execution(recordingPipeline(&order, ""))))
	assert.Equal(t, []string{"second", "third"}, order)
}

func TestEngineUnknownResumeStepRunsAll(t *testing.T) {
	f := newEngineFixture(t)
	f.run.ResumeFromStep = "never_existed"

	var order []string
	require.NoError(t, f.engine.Execute(context.Background(), f.execution(recordingPipeline(&order, ""))))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestEngineUnknownGroup(t *testing.T) {
	f := newEngineFixture(t)
	exec := f.execution(recordingPipeline(new([]string), ""))
	exec.SelectedGroups = []string{"bogus"}

	err := f.engine.Execute(context.Background(), exec)
	assert.ErrorIs(t, err, errdefs.ErrUnknownGroup)
}
