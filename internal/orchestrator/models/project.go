// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// projectNamePattern restricts names to word characters, dash, dot, space
// and parentheses. Names are immutable after create.
var projectNamePattern = regexp.MustCompile(`^[-\w .()]+$`)

var (
	slugInvalidChars = regexp.MustCompile(`[^\w\s-]`)
	slugSeparators   = regexp.MustCompile(`[-\s]+`)
)

// MaxProjectNameLength caps project names.
const MaxProjectNameLength = 100

// ValidateProjectName checks the project naming rules shared by all surfaces.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", errdefs.ErrInvalidName)
	}
	if len(name) > MaxProjectNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", errdefs.ErrInvalidName, MaxProjectNameLength)
	}
	if !projectNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q contains unsupported characters", errdefs.ErrInvalidName, name)
	}
	return nil
}

// Slugify converts a project name to its workspace slug. Characters outside
// [word, space, dash] are dropped, separator runs collapse to one dash.
func Slugify(name string) string {
	slug := slugInvalidChars.ReplaceAllString(strings.ToLower(name), "")
	slug = slugSeparators.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-_")
}

// Project is a long-lived analysis container. It owns a workspace directory
// on disk and every run, input, scan entity and webhook subscription below it.
type Project struct {
	UUID       string       `gorm:"primaryKey;type:text;column:uuid" json:"uuid"`
	Name       string       `gorm:"not null;uniqueIndex;type:text" json:"name"`
	Slug       string       `gorm:"not null;type:text" json:"slug"`
	Labels     StringSlice  `gorm:"type:text" json:"labels"`
	Notes      string       `gorm:"type:text" json:"notes"`
	Settings   JSONMap      `gorm:"type:text" json:"settings"`
	ExtraData  JSONMap      `gorm:"type:text" json:"extra_data"`
	IsArchived bool         `gorm:"not null;default:false;index" json:"is_archived"`
	CreatedAt  time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	ArchivedAt *time.Time   `json:"archived_at,omitempty"`

	// Relations
	Runs         []Run                 `gorm:"foreignKey:ProjectUUID;constraint:OnDelete:CASCADE" json:"runs,omitempty"`
	InputSources []InputSource         `gorm:"foreignKey:ProjectUUID;constraint:OnDelete:CASCADE" json:"input_sources,omitempty"`
	Webhooks     []WebhookSubscription `gorm:"foreignKey:ProjectUUID;constraint:OnDelete:CASCADE" json:"webhooks,omitempty"`
}

// TableName returns the table name for Project
func (Project) TableName() string {
	return "projects"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	if p.Slug == "" {
		p.Slug = Slugify(p.Name)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Settings == nil {
		p.Settings = JSONMap{}
	}
	if p.ExtraData == nil {
		p.ExtraData = JSONMap{}
	}
	return nil
}

// WorkspaceDirName is the directory name of this project's workspace under
// <workspace_location>/projects/.
func (p *Project) WorkspaceDirName() string {
	short := p.UUID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s", p.Slug, short)
}

// InputSource records one file added to a project's input directory, either
// uploaded or downloaded. The tag partitions inputs for pipelines that need
// "from"/"to" style sets.
type InputSource struct {
	UUID        string    `gorm:"primaryKey;type:text;column:uuid" json:"uuid"`
	ProjectUUID string    `gorm:"not null;type:text;index" json:"project_uuid"`
	Filename    string    `gorm:"not null;type:text" json:"filename"`
	DownloadURL string    `gorm:"type:text" json:"download_url"`
	Tag         string    `gorm:"type:text" json:"tag"`
	IsUploaded  bool      `gorm:"not null;default:false" json:"is_uploaded"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for InputSource
func (InputSource) TableName() string {
	return "input_sources"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (s *InputSource) BeforeCreate(tx *gorm.DB) error {
	if s.UUID == "" {
		s.UUID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	return nil
}

// Message severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ProjectMessage is a per-project diagnostic recorded by steps and services.
type ProjectMessage struct {
	UUID        string    `gorm:"primaryKey;type:text;column:uuid" json:"uuid"`
	ProjectUUID string    `gorm:"not null;type:text;index" json:"project_uuid"`
	Severity    string    `gorm:"not null;type:text" json:"severity"`
	Description string    `gorm:"type:text" json:"description"`
	Model       string    `gorm:"type:text" json:"model"`
	Details     JSONMap   `gorm:"type:text" json:"details"`
	Traceback   string    `gorm:"type:text" json:"traceback"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for ProjectMessage
func (ProjectMessage) TableName() string {
	return "project_messages"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (m *ProjectMessage) BeforeCreate(tx *gorm.DB) error {
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return nil
}
