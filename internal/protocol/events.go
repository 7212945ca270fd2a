// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the events streamed to websocket clients.
// Events originate in the scheduler and the pipeline engine; the API
// server fans them out to subscribed clients.
package protocol

import "time"

// Event is anything the server may push to a websocket client.
type Event interface {
	// EventType is the stable wire name of the event, used in the
	// websocket envelope.
	EventType() string
}

// RunStepEvent reports engine progress inside a run: one event when a
// step starts and one when it completes.
type RunStepEvent struct {
	Kind           string  `json:"kind"` // step_started or step_completed
	ProjectUUID    string  `json:"project_uuid"`
	RunUUID        string  `json:"run_uuid"`
	Step           string  `json:"step"`
	Index          int     `json:"index"`
	Total          int     `json:"total"`
	Progress       int     `json:"progress"`
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`
}

func (e RunStepEvent) EventType() string     { return "run_step" }
func (e RunStepEvent) GetProjectUUID() string { return e.ProjectUUID }
func (e RunStepEvent) GetRunUUID() string     { return e.RunUUID }

// RunFinishedEvent reports a run reaching a terminal status.
type RunFinishedEvent struct {
	ProjectUUID  string     `json:"project_uuid"`
	ProjectName  string     `json:"project_name"`
	RunUUID      string     `json:"run_uuid"`
	PipelineName string     `json:"pipeline_name"`
	Status       string     `json:"status"`
	TaskExitCode *int       `json:"task_exitcode,omitempty"`
	TaskEndDate  *time.Time `json:"task_end_date,omitempty"`
}

func (e RunFinishedEvent) EventType() string      { return "run_finished" }
func (e RunFinishedEvent) GetProjectUUID() string { return e.ProjectUUID }
func (e RunFinishedEvent) GetRunUUID() string     { return e.RunUUID }

// ProjectRunsCompletedEvent reports that a project has no non-terminal
// runs left.
type ProjectRunsCompletedEvent struct {
	ProjectUUID string `json:"project_uuid"`
	ProjectName string `json:"project_name"`
}

func (e ProjectRunsCompletedEvent) EventType() string      { return "project_runs_completed" }
func (e ProjectRunsCompletedEvent) GetProjectUUID() string { return e.ProjectUUID }
