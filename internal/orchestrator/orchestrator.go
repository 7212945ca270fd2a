// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator composes the application: configuration,
// persistence, pipeline registry, input fetcher, scheduler, webhook
// dispatcher and the services the surfaces call. Every component
// receives its collaborators explicitly; there is no global state
// beyond the logger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/fetch"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/pipelines"
	"github.com/depvet/depvet/internal/orchestrator/scheduler"
	"github.com/depvet/depvet/internal/orchestrator/services"
	"github.com/depvet/depvet/internal/orchestrator/webhooks"
	"github.com/depvet/depvet/internal/protocol"
	"github.com/depvet/depvet/pkg/imagepuller"
)

// webhookWorkers sizes the outbound delivery pool.
const webhookWorkers = 2

// eventBufferSize bounds the websocket event channel; events beyond it
// are dropped rather than blocking the scheduler.
const eventBufferSize = 256

// Application owns every long-lived component of one depvet process.
type Application struct {
	Config    *config.AppConfig
	DB        *database.GormDB
	Registry  *pipelines.Registry
	Fetcher   *fetch.Fetcher
	Queue     scheduler.JobQueue
	Scheduler *scheduler.Scheduler
	Webhooks  *webhooks.Dispatcher

	Projects  *services.ProjectService
	Runs      *services.RunService
	Summaries *services.SummaryService

	events chan protocol.Event
	log    zerolog.Logger
}

// New builds and wires a full application. The queue backend follows
// cfg.Async: a Redis connection in queue mode, an in-process queue
// otherwise. The webhook dispatcher is started; Close shuts everything
// down.
func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	db, err := database.NewGormDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	var queue scheduler.JobQueue
	if cfg.Async {
		queue, err = scheduler.NewRedisQueue(ctx, cfg)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to the job queue: %w", err)
		}
	} else {
		queue = scheduler.NewMemoryQueue()
	}

	app, err := assemble(ctx, cfg, db, queue)
	if err != nil {
		_ = queue.Close()
		db.Close()
		return nil, err
	}
	return app, nil
}

// NewWithBackends builds an application over externally provided
// persistence and queue backends, used by tests and the ephemeral `run`
// command.
func NewWithBackends(ctx context.Context, cfg *config.AppConfig, db *database.GormDB, queue scheduler.JobQueue) (*Application, error) {
	return assemble(ctx, cfg, db, queue)
}

func assemble(ctx context.Context, cfg *config.AppConfig, db *database.GormDB, queue scheduler.JobQueue) (*Application, error) {
	registry, err := pipelines.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	puller := imagepuller.New(cfg.DockerHost, cfg.SkopeoAuthfileLocation)
	fetcher, err := fetch.NewFetcher(cfg, puller)
	if err != nil {
		return nil, err
	}

	app := &Application{
		Config:   cfg,
		DB:       db,
		Registry: registry,
		Fetcher:  fetcher,
		Queue:    queue,
		events:   make(chan protocol.Event, eventBufferSize),
		log:      logger.GetOrchestratorLogger(),
	}

	app.Scheduler = scheduler.New(db, cfg, queue, registry)
	app.Scheduler.SetProgress(app.emitProgress)

	app.Webhooks = webhooks.NewDispatcher(db, cfg)
	app.Webhooks.Start(ctx, webhookWorkers)
	app.Scheduler.SetNotifier(&eventNotifier{app: app})

	app.Projects = services.NewProjectService(db, cfg, fetcher, registry, app.Scheduler)
	app.Runs = services.NewRunService(db, cfg, app.Scheduler)
	app.Summaries = services.NewSummaryService(db)

	return app, nil
}

// Events is the stream consumed by the websocket broadcaster.
func (a *Application) Events() <-chan protocol.Event {
	return a.events
}

// emit pushes an event without ever blocking run execution.
func (a *Application) emit(event protocol.Event) {
	select {
	case a.events <- event:
	default:
		a.log.Warn().Str("event", event.EventType()).Msg("Event buffer full, dropping event")
	}
}

func (a *Application) emitProgress(event pipelines.ProgressEvent) {
	a.emit(protocol.RunStepEvent{
		Kind:           event.Kind,
		ProjectUUID:    event.ProjectUUID,
		RunUUID:        event.RunUUID,
		Step:           event.Step,
		Index:          event.Index,
		Total:          event.Total,
		Progress:       event.Progress,
		ElapsedSeconds: event.ElapsedSeconds,
	})
}

// eventNotifier forwards terminal transitions to the webhook dispatcher
// and mirrors them onto the websocket event stream.
type eventNotifier struct {
	app *Application
}

func (n *eventNotifier) OnRunTerminated(ctx context.Context, project *models.Project, run *models.Run) {
	n.app.Webhooks.OnRunTerminated(ctx, project, run)
	n.app.emit(protocol.RunFinishedEvent{
		ProjectUUID:  project.UUID,
		ProjectName:  project.Name,
		RunUUID:      run.UUID,
		PipelineName: run.PipelineName,
		Status:       run.Status.String(),
		TaskExitCode: run.TaskExitCode,
		TaskEndDate:  run.TaskEndDate,
	})
}

func (n *eventNotifier) OnAllRunsCompleted(ctx context.Context, project *models.Project) {
	n.app.Webhooks.OnAllRunsCompleted(ctx, project)
	n.app.emit(protocol.ProjectRunsCompletedEvent{
		ProjectUUID: project.UUID,
		ProjectName: project.Name,
	})
}

// Close releases every component. Safe to call once.
func (a *Application) Close() error {
	a.log.Info().Msg("Shutting down application")
	var errs []error

	a.Webhooks.Close()
	if err := a.Queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	close(a.events)
	return errors.Join(errs...)
}
