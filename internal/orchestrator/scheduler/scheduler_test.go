// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/pipelines"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

type schedulerFixture struct {
	db      *database.GormDB
	cfg     *config.AppConfig
	queue   *MemoryQueue
	sched   *Scheduler
	project *models.Project

	// executed records the steps run by the test pipelines, in order.
	// Guarded by mu; worker pool tests run steps from pool goroutines.
	mu       sync.Mutex
	executed []string
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		db: database.NewTestDB(t),
		cfg: &config.AppConfig{
			WorkspaceLocation: t.TempDir(),
			ConfigDir:         ".scancode",
			TaskTimeout:       "1h",
		},
		queue: NewMemoryQueue(),
	}
	t.Cleanup(func() { _ = f.queue.Close() })

	registry, err := pipelines.NewRegistry(f.cfg)
	require.NoError(t, err)
	f.registerTestPipelines(registry)

	f.sched = New(f.db, f.cfg, f.queue, registry)
	f.project = database.CreateTestProject(t, f.db, "sched-test")
	return f
}

func (f *schedulerFixture) registerTestPipelines(registry *pipelines.Registry) {
	record := func(name string, fn func(pc *pipelines.Context) error) pipelines.Step {
		return pipelines.Step{
			StepDescriptor: pipelines.StepDescriptor{Name: name},
			Run: func(pc *pipelines.Context) error {
				f.mu.Lock()
				f.executed = append(f.executed, name)
				f.mu.Unlock()
				if fn != nil {
					return fn(pc)
				}
				return nil
			},
		}
	}
	registry.Register(&pipelines.Pipeline{
		Name:  "noop",
		Steps: []pipelines.Step{record("only_step", nil)},
	})
	registry.Register(&pipelines.Pipeline{
		Name: "failing",
		Steps: []pipelines.Step{record("explode", func(*pipelines.Context) error {
			return errors.New("boom")
		})},
	})
	registry.Register(&pipelines.Pipeline{
		Name: "self_stopping",
		Steps: []pipelines.Step{
			record("request_stop", func(pc *pipelines.Context) error {
				return f.sched.Stop(pc.Ctx, pc.Run.UUID)
			}),
			record("never_reached", nil),
		},
	})
	registry.Register(&pipelines.Pipeline{
		Name: "slow",
		Steps: []pipelines.Step{
			record("sleep", func(pc *pipelines.Context) error {
				select {
				case <-time.After(time.Second):
				case <-pc.Ctx.Done():
				}
				return nil
			}),
			record("after_sleep", nil),
		},
	})
}

func (f *schedulerFixture) newRun(t *testing.T, pipelineName string) *models.Run {
	t.Helper()
	return database.CreateTestRun(t, f.db, f.project, pipelineName, models.RunStatusNotStarted)
}

func (f *schedulerFixture) queuedRun(t *testing.T, pipelineName string) *models.Run {
	t.Helper()
	run := f.newRun(t, pipelineName)
	require.NoError(t, f.sched.Enqueue(context.Background(), run.UUID))
	return run
}

func (f *schedulerFixture) reload(t *testing.T, runUUID string) *models.Run {
	t.Helper()
	run, err := f.db.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	return run
}

func TestEnqueueMovesRunToQueued(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.newRun(t, "noop")

	require.NoError(t, f.sched.Enqueue(context.Background(), run.UUID))

	queued := f.reload(t, run.UUID)
	assert.Equal(t, models.RunStatusQueued, queued.Status)
	assert.NotNil(t, queued.QueuedAt)

	err := f.sched.Enqueue(context.Background(), run.UUID)
	assert.ErrorIs(t, err, errdefs.ErrIllegalTransition)
}

func TestProcessRunsPipelineToSuccess(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.queuedRun(t, "noop")

	executed, err := f.sched.Process(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, []string{"only_step"}, f.executed)

	finished := f.reload(t, run.UUID)
	assert.Equal(t, models.RunStatusSuccess, finished.Status)
	require.NotNil(t, finished.TaskExitCode)
	assert.Equal(t, 0, *finished.TaskExitCode)
	assert.NotNil(t, finished.TaskStartDate)
	assert.NotNil(t, finished.TaskEndDate)
	assert.NotEmpty(t, finished.TaskID)
	assert.Equal(t, 100, finished.Progress)
}

func TestProcessClearsTmpAtRunStart(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.queuedRun(t, "noop")

	ws := workspace.ForProject(f.cfg.ProjectsRoot(), f.project)
	require.NoError(t, ws.Create())
	stale := filepath.Join(ws.TmpDir(), "stale-scratch.bin")
	require.NoError(t, os.WriteFile(stale, []byte("leftover"), 0o644))

	executed, err := f.sched.Process(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, models.RunStatusSuccess, f.reload(t, run.UUID).Status)

	assert.NoFileExists(t, stale)
	assert.DirExists(t, ws.TmpDir())
}

func TestProcessRecordsFailure(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.queuedRun(t, "failing")

	executed, err := f.sched.Process(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.True(t, executed)

	finished := f.reload(t, run.UUID)
	assert.Equal(t, models.RunStatusFailure, finished.Status)
	require.NotNil(t, finished.TaskExitCode)
	assert.Equal(t, 1, *finished.TaskExitCode)
	assert.Contains(t, finished.TaskOutput, "boom")
}

func TestProcessUnknownPipelineFails(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.queuedRun(t, "no_such_pipeline")

	executed, err := f.sched.Process(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.True(t, executed)

	finished := f.reload(t, run.UUID)
	assert.Equal(t, models.RunStatusFailure, finished.Status)
	assert.Contains(t, finished.TaskOutput, "unknown pipeline")
}

func TestProcessDefersYoungerRun(t *testing.T) {
	f := newSchedulerFixture(t)
	first := f.queuedRun(t, "noop")
	second := f.queuedRun(t, "noop")

	executed, err := f.sched.Process(context.Background(), second.UUID)
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Equal(t, models.RunStatusQueued, f.reload(t, second.UUID).Status)
	assert.Equal(t, models.RunStatusQueued, f.reload(t, first.UUID).Status)
}

func TestDeferredRunIsHandedBackToQueue(t *testing.T) {
	f := newSchedulerFixture(t)
	f.cfg.Async = true
	first := f.queuedRun(t, "noop")
	second := f.queuedRun(t, "noop")

	executed, err := f.sched.Process(context.Background(), second.UUID)
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Empty(t, f.executed)

	// The initial enqueues are still pending; the deferred run comes
	// back behind them once the handback delay elapses.
	drain := func() string {
		t.Helper()
		runUUID, err := f.queue.Dequeue(context.Background())
		require.NoError(t, err)
		return runUUID
	}
	assert.Equal(t, first.UUID, drain())
	assert.Equal(t, second.UUID, drain())

	deadline := time.Now().Add(requeueDelay + 3*time.Second)
	for {
		runUUID, err := f.queue.Dequeue(context.Background())
		if err == nil {
			assert.Equal(t, second.UUID, runUUID)
			break
		}
		require.ErrorIs(t, err, ErrNoJob)
		require.True(t, time.Now().Before(deadline), "deferred run never came back")
	}
}

func TestTerminalChainsNextQueuedRun(t *testing.T) {
	f := newSchedulerFixture(t)
	first := f.queuedRun(t, "noop")
	second := f.queuedRun(t, "noop")

	executed, err := f.sched.Process(context.Background(), first.UUID)
	require.NoError(t, err)
	assert.True(t, executed)

	assert.Equal(t, models.RunStatusSuccess, f.reload(t, first.UUID).Status)
	assert.Equal(t, models.RunStatusSuccess, f.reload(t, second.UUID).Status)
	assert.Equal(t, []string{"only_step", "only_step"}, f.executed)
}

func TestFailureHoldsProjectQueue(t *testing.T) {
	f := newSchedulerFixture(t)
	first := f.queuedRun(t, "failing")
	second := f.queuedRun(t, "noop")

	_, err := f.sched.Process(context.Background(), first.UUID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailure, f.reload(t, first.UUID).Status)
	assert.Equal(t, models.RunStatusQueued, f.reload(t, second.UUID).Status)

	// Deleting the failed run is rejected; the operator clears the queue
	// by deleting the queued run or retrying the failed one.
	err = f.sched.Delete(context.Background(), first.UUID)
	assert.ErrorIs(t, err, errdefs.ErrRunNotCancellable)
}

func TestStoppedQueuedRunChainsNext(t *testing.T) {
	f := newSchedulerFixture(t)
	first := f.queuedRun(t, "noop")
	second := f.queuedRun(t, "noop")

	require.NoError(t, f.sched.Stop(context.Background(), first.UUID))

	assert.Equal(t, models.RunStatusStopped, f.reload(t, first.UUID).Status)
	assert.Equal(t, models.RunStatusSuccess, f.reload(t, second.UUID).Status)
}

func TestExecuteNext(t *testing.T) {
	f := newSchedulerFixture(t)

	executed, err := f.sched.ExecuteNext(context.Background(), f.project.UUID)
	require.NoError(t, err)
	assert.False(t, executed)

	run := f.queuedRun(t, "noop")
	executed, err = f.sched.ExecuteNext(context.Background(), f.project.UUID)
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Equal(t, models.RunStatusSuccess, f.reload(t, run.UUID).Status)
}

func TestStopQueuedRun(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.queuedRun(t, "noop")

	require.NoError(t, f.sched.Stop(context.Background(), run.UUID))

	stopped := f.reload(t, run.UUID)
	assert.Equal(t, models.RunStatusStopped, stopped.Status)
	assert.NotNil(t, stopped.TaskEndDate)
	assert.Empty(t, f.executed)
}

func TestStopRunningRunCooperatively(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.queuedRun(t, "self_stopping")

	_, err := f.sched.Process(context.Background(), run.UUID)
	require.NoError(t, err)

	stopped := f.reload(t, run.UUID)
	assert.Equal(t, models.RunStatusStopped, stopped.Status)
	assert.Equal(t, []string{"request_stop"}, f.executed)
	assert.Contains(t, stopped.TaskOutput, "cancelled")
}

func TestStopTerminalRunRejected(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.queuedRun(t, "noop")
	_, err := f.sched.Process(context.Background(), run.UUID)
	require.NoError(t, err)

	err = f.sched.Stop(context.Background(), run.UUID)
	assert.ErrorIs(t, err, errdefs.ErrRunNotCancellable)
}

func TestDeleteRun(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.newRun(t, "noop")

	require.NoError(t, f.sched.Delete(context.Background(), run.UUID))
	_, err := f.db.GetRun(context.Background(), run.UUID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestDeleteExecutedRunRejected(t *testing.T) {
	f := newSchedulerFixture(t)
	run := f.queuedRun(t, "noop")
	_, err := f.sched.Process(context.Background(), run.UUID)
	require.NoError(t, err)

	err = f.sched.Delete(context.Background(), run.UUID)
	assert.ErrorIs(t, err, errdefs.ErrRunNotCancellable)
}

func TestTaskTimeoutFailsRun(t *testing.T) {
	f := newSchedulerFixture(t)
	f.cfg.TaskTimeout = "50ms"
	run := f.queuedRun(t, "slow")

	_, err := f.sched.Process(context.Background(), run.UUID)
	require.NoError(t, err)

	finished := f.reload(t, run.UUID)
	assert.Equal(t, models.RunStatusFailure, finished.Status)
	assert.Contains(t, finished.TaskOutput, "timeout")
	assert.Equal(t, []string{"sleep"}, f.executed)
}

func TestMarkStale(t *testing.T) {
	f := newSchedulerFixture(t)
	run := database.CreateTestRun(t, f.db, f.project, "noop", models.RunStatusRunning)

	require.NoError(t, f.sched.MarkStale(context.Background(), run.UUID))
	assert.Equal(t, models.RunStatusStale, f.reload(t, run.UUID).Status)

	err := f.sched.MarkStale(context.Background(), run.UUID)
	assert.ErrorIs(t, err, errdefs.ErrIllegalTransition)
}

func TestSweepStale(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	dead := database.CreateTestRun(t, f.db, f.project, "noop", models.RunStatusRunning)
	alive := database.CreateTestRun(t, f.db, f.project, "noop", models.RunStatusRunning)
	fresh := database.CreateTestRun(t, f.db, f.project, "noop", models.RunStatusRunning)

	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, f.db.UpdateRunFields(ctx, dead.UUID, map[string]any{"task_start_date": old}))
	require.NoError(t, f.db.UpdateRunFields(ctx, alive.UUID, map[string]any{"task_start_date": old}))
	require.NoError(t, f.db.UpdateRunFields(ctx, fresh.UUID, map[string]any{"task_start_date": time.Now()}))
	require.NoError(t, f.queue.Heartbeat(ctx, alive.UUID))

	reaped, err := f.sched.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, models.RunStatusStale, f.reload(t, dead.UUID).Status)
	assert.Equal(t, models.RunStatusRunning, f.reload(t, alive.UUID).Status)
	assert.Equal(t, models.RunStatusRunning, f.reload(t, fresh.UUID).Status)
}

type recordingNotifier struct {
	terminated   []string
	allCompleted int
}

func (n *recordingNotifier) OnRunTerminated(_ context.Context, _ *models.Project, run *models.Run) {
	n.terminated = append(n.terminated, run.UUID)
}

func (n *recordingNotifier) OnAllRunsCompleted(_ context.Context, _ *models.Project) {
	n.allCompleted++
}

func TestNotifierFiresOnTerminal(t *testing.T) {
	f := newSchedulerFixture(t)
	notifier := &recordingNotifier{}
	f.sched.SetNotifier(notifier)

	first := f.queuedRun(t, "noop")
	second := f.queuedRun(t, "failing")

	_, err := f.sched.Process(context.Background(), first.UUID)
	require.NoError(t, err)

	assert.Equal(t, []string{first.UUID, second.UUID}, notifier.terminated)
	// Only the last termination leaves the project with no pending runs.
	assert.Equal(t, 1, notifier.allCompleted)
}
