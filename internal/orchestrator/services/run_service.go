// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/scheduler"
)

// RunService exposes the run lifecycle to the surfaces. It is a thin
// façade over the scheduler; all transition rules live there.
type RunService struct {
	db    database.Repository
	cfg   *config.AppConfig
	sched *scheduler.Scheduler
}

// NewRunService wires the run service.
func NewRunService(db database.Repository, cfg *config.AppConfig, sched *scheduler.Scheduler) *RunService {
	return &RunService{db: db, cfg: cfg, sched: sched}
}

// StartRun queues a not-started run; in synchronous deployments the
// project queue is drained inline before returning.
func (s *RunService) StartRun(ctx context.Context, runUUID string) error {
	run, err := s.db.GetRun(ctx, runUUID)
	if err != nil {
		return err
	}
	if err := s.sched.Enqueue(ctx, run.UUID); err != nil {
		return err
	}
	if s.cfg.Async {
		return nil
	}
	_, err = s.sched.ExecuteNext(ctx, run.ProjectUUID)
	return err
}

// RetryRun re-queues a failed or stale run, optionally resuming from the
// step it failed at instead of the beginning.
func (s *RunService) RetryRun(ctx context.Context, runUUID string, resumeFromStep string) error {
	run, err := s.db.GetRun(ctx, runUUID)
	if err != nil {
		return err
	}
	switch run.Status {
	case models.RunStatusFailure, models.RunStatusStale, models.RunStatusStopped:
	default:
		return fmt.Errorf("%w: run %s is %s, only failed, stale or stopped runs can be retried",
			errdefs.ErrIllegalTransition, run.UUID, run.Status)
	}
	fields := map[string]any{
		"status":           models.RunStatusNotStarted,
		"resume_from_step": resumeFromStep,
		"task_start_date":  nil,
		"task_end_date":    nil,
		"task_exit_code":   nil,
		"task_output":      "",
		"current_step":     "",
		"progress":         0,
		"stop_requested":   false,
	}
	if err := s.db.UpdateRunFields(ctx, run.UUID, fields); err != nil {
		return err
	}
	return s.StartRun(ctx, run.UUID)
}

// StopRun cancels a queued or running run.
func (s *RunService) StopRun(ctx context.Context, runUUID string) error {
	return s.sched.Stop(ctx, runUUID)
}

// DeleteRun removes a run that never executed.
func (s *RunService) DeleteRun(ctx context.Context, runUUID string) error {
	return s.sched.Delete(ctx, runUUID)
}

// MarkStaleRun flags an orphaned running run as stale.
func (s *RunService) MarkStaleRun(ctx context.Context, runUUID string) error {
	return s.sched.MarkStale(ctx, runUUID)
}

// ExecuteNextRun starts the project's next queued run if any.
func (s *RunService) ExecuteNextRun(ctx context.Context, projectUUID string) (bool, error) {
	return s.sched.ExecuteNext(ctx, projectUUID)
}
