// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunStatus is the lifecycle state of a pipeline run. Transitions are
// monotone: not_started -> queued -> running -> {success|failure|stopped};
// stale is reachable from queued or running on operator reset.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusSuccess    RunStatus = "success"
	RunStatusFailure    RunStatus = "failure"
	RunStatusStopped    RunStatus = "stopped"
	RunStatusStale      RunStatus = "stale"
)

// String returns the lowercase status name.
func (s RunStatus) String() string {
	return string(s)
}

// Display returns the uppercase form used by CLI output.
func (s RunStatus) Display() string {
	return strings.ToUpper(string(s))
}

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusStopped, RunStatusStale:
		return true
	}
	return false
}

// RunStatuses lists every valid status value.
func RunStatuses() []RunStatus {
	return []RunStatus{
		RunStatusNotStarted, RunStatusQueued, RunStatusRunning,
		RunStatusSuccess, RunStatusFailure, RunStatusStopped, RunStatusStale,
	}
}

// Run is one execution of a pipeline against a project. Runs of the same
// project are totally ordered by CreatedAt and execute in that order.
type Run struct {
	UUID           string      `gorm:"primaryKey;type:text;column:uuid" json:"uuid"`
	ProjectUUID    string      `gorm:"not null;type:text;index" json:"project_uuid"`
	PipelineName   string      `gorm:"not null;type:text" json:"pipeline_name"`
	SelectedGroups StringSlice `gorm:"type:text" json:"selected_groups"`
	Description    string      `gorm:"type:text" json:"description"`
	Status         RunStatus   `gorm:"not null;type:text;default:not_started;index" json:"status"`
	TaskID         string      `gorm:"type:text" json:"task_id"`
	DepvetVersion  string      `gorm:"type:text" json:"depvet_version"`
	CreatedAt      time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
	QueuedAt       *time.Time  `json:"queued_at,omitempty"`
	TaskStartDate  *time.Time  `json:"task_start_date,omitempty"`
	TaskEndDate    *time.Time  `json:"task_end_date,omitempty"`
	TaskExitCode   *int        `json:"task_exitcode,omitempty"`
	TaskOutput     string      `gorm:"type:text" json:"task_output"`
	Log            string      `gorm:"type:text" json:"log"`
	CurrentStep    string      `gorm:"type:text" json:"current_step"`
	Progress       int         `gorm:"not null;default:0" json:"progress"`
	ResumeFromStep string      `gorm:"type:text" json:"resume_from_step,omitempty"`

	// StopRequested is the cooperative cancellation flag observed by the
	// engine between steps.
	StopRequested bool `gorm:"not null;default:false" json:"-"`
}

// TableName returns the table name for Run
func (Run) TableName() string {
	return "runs"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (r *Run) BeforeCreate(tx *gorm.DB) error {
	if r.UUID == "" {
		r.UUID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RunStatusNotStarted
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return nil
}

// ExecutionTime returns the wall-clock duration in seconds, zero until both
// task dates are set.
func (r *Run) ExecutionTime() float64 {
	if r.TaskStartDate == nil || r.TaskEndDate == nil {
		return 0
	}
	return r.TaskEndDate.Sub(*r.TaskStartDate).Seconds()
}

// CanStart reports whether the run may transition to running.
func (r *Run) CanStart() bool {
	return r.Status == RunStatusQueued
}

// CanStop reports whether a stop request makes sense for the run.
func (r *Run) CanStop() bool {
	return r.Status == RunStatusQueued || r.Status == RunStatusRunning
}

// CanDelete reports whether the run may be removed from its project queue.
func (r *Run) CanDelete() bool {
	return r.Status == RunStatusNotStarted || r.Status == RunStatusQueued
}
