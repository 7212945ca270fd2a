// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/orchestrator/models"
)

func waitForStatus(t *testing.T, f *schedulerFixture, runUUID string, want models.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		if f.reload(t, runUUID).Status == want {
			return
		}
		require.True(t, time.Now().Before(deadline), "run %s never reached %s", runUUID, want)
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWorkerPoolSerializesProjectRuns(t *testing.T) {
	f := newSchedulerFixture(t)
	f.cfg.Async = true

	first := f.queuedRun(t, "noop")
	second := f.queuedRun(t, "noop")

	// Two workers dequeue both runs at once; the younger one must wait
	// for the older to finish, not run beside it.
	pool := NewWorkerPool(f.sched, 2)
	pool.Start(context.Background())
	defer pool.Stop()

	waitForStatus(t, f, first.UUID, models.RunStatusSuccess)
	waitForStatus(t, f, second.UUID, models.RunStatusSuccess)

	older := f.reload(t, first.UUID)
	younger := f.reload(t, second.UUID)
	require.NotNil(t, older.TaskEndDate)
	require.NotNil(t, younger.TaskStartDate)
	assert.False(t, younger.TaskStartDate.Before(*older.TaskEndDate),
		"younger run started at %s, before the older run ended at %s",
		younger.TaskStartDate, older.TaskEndDate)
}

func TestWorkerPoolStopsRunningRun(t *testing.T) {
	f := newSchedulerFixture(t)
	f.cfg.Async = true
	run := f.queuedRun(t, "slow")

	pool := NewWorkerPool(f.sched, 1)
	pool.Start(context.Background())
	defer pool.Stop()

	waitForStatus(t, f, run.UUID, models.RunStatusRunning)
	require.NoError(t, f.sched.Stop(context.Background(), run.UUID))

	waitForStatus(t, f, run.UUID, models.RunStatusStopped)
	stopped := f.reload(t, run.UUID)
	assert.NotNil(t, stopped.TaskEndDate)
}

func TestWorkerPoolClampsSize(t *testing.T) {
	f := newSchedulerFixture(t)
	pool := NewWorkerPool(f.sched, 0)
	assert.Equal(t, 1, pool.size)
}
