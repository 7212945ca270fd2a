// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/policies"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// Event kinds emitted through ProgressFunc.
const (
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
)

// ProgressEvent is one engine progress notification.
type ProgressEvent struct {
	Kind           string  `json:"kind"`
	ProjectUUID    string  `json:"project_uuid"`
	RunUUID        string  `json:"run_uuid"`
	Step           string  `json:"step"`
	Index          int     `json:"index"`
	Total          int     `json:"total"`
	Progress       int     `json:"progress"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
}

// ProgressFunc receives engine progress events; nil disables them.
type ProgressFunc func(event ProgressEvent)

// StopCheckFunc polls the cooperative stop flag between steps.
type StopCheckFunc func(ctx context.Context) (bool, error)

// Execution is one pipeline run against one project.
type Execution struct {
	Project        *models.Project
	Run            *models.Run
	Pipeline       *Pipeline
	SelectedGroups []string
	Workspace      *workspace.Workspace
	Env            *config.ProjectEnv
	Policies       *policies.Document
	Progress       ProgressFunc
	StopRequested  StopCheckFunc
}

// Engine executes pipelines. It owns step sequencing, run log capture,
// progress bookkeeping and failure classification; terminal status
// transitions belong to the scheduler.
type Engine struct {
	db  database.Repository
	cfg *config.AppConfig
	log zerolog.Logger
}

// NewEngine builds an engine over the repository and deployment
// configuration.
func NewEngine(db database.Repository, cfg *config.AppConfig) *Engine {
	return &Engine{
		db:  db,
		cfg: cfg,
		log: logger.GetPipelineLogger(),
	}
}

// Execute runs the effective steps of the execution in order. The
// returned error classifies the outcome: nil for success, Cancelled for
// a cooperative stop, TimeoutExceeded for a deadline hit between steps,
// StepFailure (or the step's own classified error) otherwise.
func (e *Engine) Execute(ctx context.Context, exec Execution) error {
	steps, err := exec.Pipeline.EffectiveSteps(exec.SelectedGroups)
	if err != nil {
		return err
	}
	steps = e.applyResume(exec, steps)
	total := len(steps)

	fileTimeout := time.Duration(e.cfg.ScanFileTimeout) * time.Second
	maxFileSize := e.cfg.ScanMaxFileSize
	if exec.Env != nil {
		if exec.Env.ScanFileTimeout > 0 {
			fileTimeout = time.Duration(exec.Env.ScanFileTimeout) * time.Second
		}
		if exec.Env.ScanMaxFileSize > 0 {
			maxFileSize = exec.Env.ScanMaxFileSize
		}
	}

	logWriter := &runLogWriter{ctx: ctx, db: e.db, runUUID: exec.Run.UUID}
	for index, step := range steps {
		if err := e.checkpoint(ctx, exec); err != nil {
			return err
		}

		if err := e.db.UpdateRunFields(ctx, exec.Run.UUID, map[string]any{
			"current_step": fmt.Sprintf("%d/%d %s", index+1, total, step.Name),
		}); err != nil {
			return classifyContextError(ctx, exec.Run.UUID, err)
		}
		e.emit(exec, ProgressEvent{
			Kind: EventStepStarted, Step: step.Name,
			Index: index + 1, Total: total,
			Progress: index * 100 / total,
		})

		stepLog := zerolog.New(zerolog.ConsoleWriter{Out: logWriter, NoColor: true, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("step", step.Name).Logger()
		stepLog.Info().Msg("Step started")

		pc := &Context{
			Ctx:         ctx,
			Project:     exec.Project,
			Run:         exec.Run,
			DB:          e.db,
			Workspace:   exec.Workspace,
			Env:         exec.Env,
			Config:      e.cfg,
			Policies:    exec.Policies,
			Log:         stepLog,
			FileTimeout: fileTimeout,
			MaxFileSize: maxFileSize,
			Processes:   e.cfg.WorkerCount(),
		}

		started := time.Now()
		if err := runStep(pc, step); err != nil {
			stepLog.Error().Err(err).Msg("Step failed")
			return classifyStepError(ctx, step.Name, err)
		}
		elapsed := time.Since(started)
		stepLog.Info().Float64("elapsed_seconds", elapsed.Seconds()).Msg("Step completed")

		progress := (index + 1) * 100 / total
		if err := e.db.UpdateRunFields(ctx, exec.Run.UUID, map[string]any{
			"progress": progress,
		}); err != nil {
			return classifyContextError(ctx, exec.Run.UUID, err)
		}
		e.emit(exec, ProgressEvent{
			Kind: EventStepCompleted, Step: step.Name,
			Index: index + 1, Total: total,
			Progress:       progress,
			ElapsedSeconds: elapsed.Seconds(),
		})
	}
	return nil
}

// applyResume skips steps up to (excluding) the run's resume step. An
// unknown resume step is ignored with a warning so a retry never loses
// work silently.
func (e *Engine) applyResume(exec Execution, steps []Step) []Step {
	resume := exec.Run.ResumeFromStep
	if resume == "" {
		return steps
	}
	for index, step := range steps {
		if step.Name == resume {
			return steps[index:]
		}
	}
	e.log.Warn().
		Str("run", exec.Run.UUID).
		Str("resume_from_step", resume).
		Msg("Resume step is not in the effective step list, running from the start")
	return steps
}

// checkpoint enforces the between-step contract: context deadline,
// context cancellation, then the cooperative stop flag.
func (e *Engine) checkpoint(ctx context.Context, exec Execution) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: run %s", errdefs.ErrTimeoutExceeded, exec.Run.UUID)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: run %s", errdefs.ErrCancelled, exec.Run.UUID)
	}
	if exec.StopRequested == nil {
		return nil
	}
	stopped, err := exec.StopRequested(ctx)
	if err != nil {
		return err
	}
	if stopped {
		return fmt.Errorf("%w: stop requested for run %s", errdefs.ErrCancelled, exec.Run.UUID)
	}
	return nil
}

func (e *Engine) emit(exec Execution, event ProgressEvent) {
	if exec.Progress == nil {
		return
	}
	event.ProjectUUID = exec.Project.UUID
	event.RunUUID = exec.Run.UUID
	exec.Progress(event)
}

// runStep invokes one step body, converting a panic into an error with
// its stack.
func runStep(pc *Context, step Step) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: step %s panicked: %v\n%s",
				errdefs.ErrStepFailure, step.Name, recovered, debug.Stack())
		}
	}()
	return step.Run(pc)
}

// classifyContextError folds bookkeeping failures caused by a dead
// context into the run outcome taxonomy.
func classifyContextError(ctx context.Context, runUUID string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: run %s", errdefs.ErrTimeoutExceeded, runUUID)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: run %s", errdefs.ErrCancelled, runUUID)
	}
	return err
}

// classifyStepError maps a step error to the run outcome taxonomy.
// Errors already carrying a classification keep it.
func classifyStepError(ctx context.Context, stepName string, err error) error {
	switch {
	case errors.Is(err, errdefs.ErrCancelled),
		errors.Is(err, errdefs.ErrTimeoutExceeded),
		errors.Is(err, errdefs.ErrStepFailure),
		errors.Is(err, errdefs.ErrUnknownGroup):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: step %s: %v", errdefs.ErrTimeoutExceeded, stepName, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: step %s: %v", errdefs.ErrCancelled, stepName, err)
	}
	return fmt.Errorf("%w: %s: %v", errdefs.ErrStepFailure, stepName, err)
}

// runLogWriter appends step output to the run's persistent log.
type runLogWriter struct {
	ctx     context.Context
	db      database.Repository
	runUUID string
}

func (w *runLogWriter) Write(p []byte) (int, error) {
	// Log capture must not abort a run; a failed append is dropped.
	_ = w.db.AppendRunLog(w.ctx, w.runUUID, string(p))
	return len(p), nil
}
