// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/depvet/depvet/internal/common"
	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/pipelines"
	"github.com/depvet/depvet/internal/orchestrator/policies"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// staleGrace is added on top of the heartbeat TTL before a running run
// with no live worker is marked stale.
const staleGrace = 30 * time.Second

// requeueDelay spaces out redelivery of a run deferred by the FIFO
// gate, so a lone deferred job does not hot-loop a worker while the
// older run of its project executes.
const requeueDelay = 2 * time.Second

// WebhookNotifier receives run termination events. The webhooks package
// implements it; a nil notifier disables delivery.
type WebhookNotifier interface {
	OnRunTerminated(ctx context.Context, project *models.Project, run *models.Run)
	OnAllRunsCompleted(ctx context.Context, project *models.Project)
}

// Scheduler owns the run lifecycle: queueing, dispatch, cooperative
// stops, stale detection and the per-project FIFO guarantee. The engine
// executes steps; every terminal status transition happens here, through
// compare-and-set, so concurrent writers cannot double-finish a run.
type Scheduler struct {
	db       database.Repository
	cfg      *config.AppConfig
	queue    JobQueue
	engine   *pipelines.Engine
	registry *pipelines.Registry
	notifier WebhookNotifier
	progress pipelines.ProgressFunc
	log      zerolog.Logger
}

// New builds a scheduler over the repository, configuration, queue
// backend and pipeline registry.
func New(db database.Repository, cfg *config.AppConfig, queue JobQueue, registry *pipelines.Registry) *Scheduler {
	return &Scheduler{
		db:       db,
		cfg:      cfg,
		queue:    queue,
		engine:   pipelines.NewEngine(db, cfg),
		registry: registry,
		log:      logger.GetSchedulerLogger(),
	}
}

// SetNotifier installs the webhook notifier.
func (s *Scheduler) SetNotifier(notifier WebhookNotifier) { s.notifier = notifier }

// SetProgress installs a progress sink forwarded to every execution,
// used by the websocket event stream.
func (s *Scheduler) SetProgress(progress pipelines.ProgressFunc) { s.progress = progress }

// Enqueue moves a run from not_started to queued and, in async mode,
// pushes it to the job queue. Returns ErrIllegalTransition when the run
// is not in not_started.
func (s *Scheduler) Enqueue(ctx context.Context, runUUID string) error {
	now := time.Now()
	swapped, err := s.db.CompareAndSetRunStatus(ctx, runUUID,
		[]models.RunStatus{models.RunStatusNotStarted}, models.RunStatusQueued,
		map[string]any{"queued_at": now})
	if err != nil {
		return err
	}
	if !swapped {
		run, getErr := s.db.GetRun(ctx, runUUID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: run %s is %s, expected %s",
			errdefs.ErrIllegalTransition, runUUID, run.Status, models.RunStatusNotStarted)
	}
	s.log.Info().Str("run", runUUID).Msg("Run queued")
	if s.cfg.Async {
		return s.queue.Enqueue(ctx, runUUID)
	}
	return nil
}

// Stop cancels a run. A queued run goes to stopped immediately; a
// running run gets the cooperative stop flag and finishes at its next
// step boundary. Anything else returns ErrRunNotCancellable.
func (s *Scheduler) Stop(ctx context.Context, runUUID string) error {
	run, err := s.db.GetRun(ctx, runUUID)
	if err != nil {
		return err
	}
	switch run.Status {
	case models.RunStatusQueued:
		now := time.Now()
		swapped, err := s.db.CompareAndSetRunStatus(ctx, runUUID,
			[]models.RunStatus{models.RunStatusQueued}, models.RunStatusStopped,
			map[string]any{"task_end_date": now, "task_output": "stopped before execution"})
		if err != nil {
			return err
		}
		if swapped {
			s.log.Info().Str("run", runUUID).Msg("Queued run stopped")
			s.afterTerminal(ctx, run.ProjectUUID, runUUID)
			return nil
		}
		// The run started between the read and the swap; fall through to
		// the cooperative path.
		fallthrough
	case models.RunStatusRunning:
		if err := s.db.SetRunStopRequested(ctx, runUUID, true); err != nil {
			return err
		}
		if err := s.queue.SetStopFlag(ctx, runUUID); err != nil {
			return err
		}
		s.log.Info().Str("run", runUUID).Msg("Stop requested for running run")
		return nil
	default:
		return fmt.Errorf("%w: run %s is %s", errdefs.ErrRunNotCancellable, runUUID, run.Status)
	}
}

// Delete removes a run record. Only not_started and queued runs can be
// deleted; executed runs are history and stay.
func (s *Scheduler) Delete(ctx context.Context, runUUID string) error {
	run, err := s.db.GetRun(ctx, runUUID)
	if err != nil {
		return err
	}
	if !run.CanDelete() {
		return fmt.Errorf("%w: run %s is %s and cannot be deleted",
			errdefs.ErrRunNotCancellable, runUUID, run.Status)
	}
	if err := s.db.DeleteRun(ctx, runUUID); err != nil {
		return err
	}
	s.log.Info().Str("run", runUUID).Msg("Run deleted")
	return nil
}

// MarkStale moves a running run to stale, used when its worker is gone.
// Returns ErrIllegalTransition when the run is not running.
func (s *Scheduler) MarkStale(ctx context.Context, runUUID string) error {
	now := time.Now()
	swapped, err := s.db.CompareAndSetRunStatus(ctx, runUUID,
		[]models.RunStatus{models.RunStatusRunning}, models.RunStatusStale,
		map[string]any{"task_end_date": now, "task_output": "worker heartbeat lost"})
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("%w: run %s is not running", errdefs.ErrIllegalTransition, runUUID)
	}
	s.log.Warn().Str("run", runUUID).Msg("Run marked stale")
	run, err := s.db.GetRun(ctx, runUUID)
	if err == nil {
		s.afterTerminal(ctx, run.ProjectUUID, runUUID)
	}
	return nil
}

// SweepStale marks every running run without a live worker heartbeat as
// stale. Freshly started runs inside the grace window are skipped so a
// worker that has not heartbeated yet is not reaped.
func (s *Scheduler) SweepStale(ctx context.Context) (int, error) {
	running, err := s.db.ListRunsByStatus(ctx, models.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	if len(running) == 0 {
		return 0, nil
	}
	live, err := s.queue.LiveHeartbeats(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	cutoff := time.Now().Add(-(HeartbeatTTL + staleGrace))
	for _, run := range running {
		if live[run.UUID] {
			continue
		}
		if run.TaskStartDate != nil && run.TaskStartDate.After(cutoff) {
			continue
		}
		if err := s.MarkStale(ctx, run.UUID); err != nil {
			if errors.Is(err, errdefs.ErrIllegalTransition) {
				continue
			}
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// ExecuteNext starts the project's next queued run if it is the oldest
// active run of the project. Returns true when a run was executed.
func (s *Scheduler) ExecuteNext(ctx context.Context, projectUUID string) (bool, error) {
	next, err := s.db.NextQueuedRun(ctx, projectUUID)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}
	return s.Process(ctx, next.UUID)
}

// RunInline executes one specific run in the calling goroutine, used by
// the synchronous deployment mode and the CLI.
func (s *Scheduler) RunInline(ctx context.Context, runUUID string) error {
	_, err := s.Process(ctx, runUUID)
	return err
}

// Process executes a dequeued run. The per-project FIFO gate defers
// runs that are not the oldest active run of their project: in queue
// mode they are handed back after requeueDelay, and the terminal chain
// re-queues them when their turn comes. Returns true when the run
// actually executed.
func (s *Scheduler) Process(ctx context.Context, runUUID string) (bool, error) {
	run, err := s.db.GetRun(ctx, runUUID)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			// Deleted while queued.
			return false, nil
		}
		return false, err
	}
	project, err := s.db.GetProject(ctx, run.ProjectUUID)
	if err != nil {
		return false, err
	}

	oldest, err := s.db.OldestActiveRun(ctx, project.UUID)
	if err != nil {
		return false, err
	}
	if oldest == nil || oldest.UUID != run.UUID {
		s.log.Debug().Str("run", runUUID).Msg("Run is not the project's oldest active run, deferring")
		if s.cfg.Async {
			s.requeueLater(run.UUID)
		}
		return false, nil
	}

	now := time.Now()
	swapped, err := s.db.CompareAndSetRunStatus(ctx, runUUID,
		[]models.RunStatus{models.RunStatusQueued}, models.RunStatusRunning,
		map[string]any{
			"task_start_date": now,
			"task_id":         uuid.NewString(),
			"depvet_version":  common.Version,
		})
	if err != nil {
		return false, err
	}
	if !swapped {
		// Another worker claimed it, or it was stopped while queued.
		return false, nil
	}

	s.executeRun(ctx, project, run)
	return true, nil
}

// requeueLater hands a deferred run back to the queue after a delay.
// Double delivery is harmless: the claim is a compare-and-set, and a
// run that was stopped or deleted in the meantime is discarded on its
// next Process call.
func (s *Scheduler) requeueLater(runUUID string) {
	time.AfterFunc(requeueDelay, func() {
		if err := s.queue.Requeue(context.Background(), runUUID); err != nil && !errors.Is(err, ErrQueueClosed) {
			s.log.Warn().Err(err).Str("run", runUUID).Msg("Failed to requeue deferred run")
		}
	})
}

// executeRun drives one claimed run from running to a terminal status.
// The run record passed in is re-read after the claim so the execution
// sees the task fields written by the compare-and-set.
func (s *Scheduler) executeRun(ctx context.Context, project *models.Project, claimed *models.Run) {
	run, err := s.db.GetRun(ctx, claimed.UUID)
	if err != nil {
		s.log.Error().Err(err).Str("run", claimed.UUID).Msg("Failed to reload claimed run")
		run = claimed
	}
	s.log.Info().
		Str("run", run.UUID).
		Str("project", project.Name).
		Str("pipeline", run.PipelineName).
		Msg("Run started")

	execErr := s.prepareAndExecute(ctx, project, run)
	s.finish(ctx, project, run, execErr)
}

// prepareAndExecute resolves the pipeline, workspace, project env and
// policies, then hands off to the engine under the task timeout.
func (s *Scheduler) prepareAndExecute(ctx context.Context, project *models.Project, run *models.Run) error {
	pipeline, err := s.registry.Get(run.PipelineName)
	if err != nil {
		return err
	}

	ws := workspace.ForProject(s.cfg.ProjectsRoot(), project)
	if err := ws.Create(); err != nil {
		return err
	}
	// Scratch space from earlier runs must not leak into this one.
	if err := ws.ClearTmp(); err != nil {
		return err
	}

	env, err := config.LoadProjectEnv(ws.InputDir(), ws.CodebaseDir(), s.cfg.ConfigDir, project.Settings)
	if err != nil {
		return err
	}

	policyDoc, err := s.resolvePolicies(env)
	if err != nil {
		return err
	}

	taskTimeout, err := s.cfg.ParseTaskTimeout()
	if err != nil {
		return fmt.Errorf("%w: task_timeout: %v", errdefs.ErrBadConfig, err)
	}
	runCtx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	heartbeatDone := s.startHeartbeat(runCtx, run.UUID)
	defer heartbeatDone()

	return s.engine.Execute(runCtx, pipelines.Execution{
		Project:        project,
		Run:            run,
		Pipeline:       pipeline,
		SelectedGroups: run.SelectedGroups,
		Workspace:      ws,
		Env:            env,
		Policies:       policyDoc,
		Progress:       s.progress,
		StopRequested:  s.stopCheck(run.UUID),
	})
}

// resolvePolicies loads the effective policy document: the project's
// inline policies win over the process-wide policies file; neither means
// policy steps are skipped.
func (s *Scheduler) resolvePolicies(env *config.ProjectEnv) (*policies.Document, error) {
	if env != nil && env.HasPolicies() {
		raw, err := env.PoliciesYAML()
		if err != nil {
			return nil, err
		}
		return policies.Load(raw)
	}
	if s.cfg.PoliciesFile != "" {
		return policies.LoadFile(s.cfg.PoliciesFile)
	}
	return nil, nil
}

// stopCheck polls the queue stop flag first, then the persisted flag, so
// a stop issued through either path reaches the engine.
func (s *Scheduler) stopCheck(runUUID string) pipelines.StopCheckFunc {
	return func(ctx context.Context) (bool, error) {
		stopped, err := s.queue.IsStopRequested(ctx, runUUID)
		if err != nil {
			return false, err
		}
		if stopped {
			return true, nil
		}
		run, err := s.db.GetRun(ctx, runUUID)
		if err != nil {
			return false, err
		}
		return run.StopRequested, nil
	}
}

// startHeartbeat renews the run's liveness marker until the returned
// function is called.
func (s *Scheduler) startHeartbeat(ctx context.Context, runUUID string) func() {
	_ = s.queue.Heartbeat(ctx, runUUID)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(HeartbeatTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = s.queue.Heartbeat(context.WithoutCancel(ctx), runUUID)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// finish writes the terminal status. The compare-and-set from running is
// the tie-break: if a concurrent sweep already marked the run stale the
// first writer wins and this outcome is discarded.
func (s *Scheduler) finish(ctx context.Context, project *models.Project, run *models.Run, execErr error) {
	// The run context may be dead; bookkeeping uses a detached one.
	finishCtx := context.WithoutCancel(ctx)

	status := models.RunStatusSuccess
	exitCode := 0
	output := ""
	switch {
	case execErr == nil:
	case errors.Is(execErr, errdefs.ErrCancelled):
		status = models.RunStatusStopped
		exitCode = 1
		output = execErr.Error()
	default:
		status = models.RunStatusFailure
		exitCode = 1
		output = execErr.Error()
	}

	now := time.Now()
	swapped, err := s.db.CompareAndSetRunStatus(finishCtx, run.UUID,
		[]models.RunStatus{models.RunStatusRunning}, status,
		map[string]any{
			"task_end_date":  now,
			"task_exit_code": exitCode,
			"task_output":    output,
		})
	if err != nil {
		s.log.Error().Err(err).Str("run", run.UUID).Msg("Failed to record run outcome")
		return
	}
	_ = s.queue.ClearStopFlag(finishCtx, run.UUID)
	if !swapped {
		s.log.Warn().Str("run", run.UUID).Msg("Run already finished by another writer")
		return
	}

	event := s.log.Info()
	if status != models.RunStatusSuccess {
		event = s.log.Warn().Err(execErr)
	}
	event.Str("run", run.UUID).Str("status", string(status)).Msg("Run finished")

	s.afterTerminal(finishCtx, project.UUID, run.UUID)
}

// afterTerminal fires webhooks and chains the project's next queued run.
// A failed run does not advance the queue: the operator must retry or
// delete it first, so a reproducible failure never cascades into the
// runs queued behind it. Every other terminal outcome chains.
func (s *Scheduler) afterTerminal(ctx context.Context, projectUUID, runUUID string) {
	project, err := s.db.GetProject(ctx, projectUUID)
	if err != nil {
		s.log.Error().Err(err).Str("project", projectUUID).Msg("Failed to load project after run")
		return
	}
	run, err := s.db.GetRun(ctx, runUUID)
	if err != nil {
		s.log.Error().Err(err).Str("run", runUUID).Msg("Failed to load run after terminal transition")
		return
	}

	if s.notifier != nil {
		s.notifier.OnRunTerminated(ctx, project, run)
		remaining, err := s.db.CountNonTerminalRuns(ctx, projectUUID)
		if err == nil && remaining == 0 {
			s.notifier.OnAllRunsCompleted(ctx, project)
		}
	}

	if run.Status == models.RunStatusFailure {
		s.log.Info().Str("run", runUUID).Msg("Run failed, holding the project queue")
		return
	}

	next, err := s.db.NextQueuedRun(ctx, projectUUID)
	if err != nil || next == nil {
		return
	}
	if s.cfg.Async {
		if err := s.queue.Enqueue(ctx, next.UUID); err != nil {
			s.log.Error().Err(err).Str("run", next.UUID).Msg("Failed to chain next queued run")
		}
		return
	}
	if _, err := s.Process(ctx, next.UUID); err != nil {
		s.log.Error().Err(err).Str("run", next.UUID).Msg("Failed to execute chained run")
	}
}
