// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Resource types for CodebaseResource.Type.
const (
	ResourceTypeFile      = "file"
	ResourceTypeDirectory = "directory"
	ResourceTypeSymlink   = "symlink"
)

// CodebaseResource is one file or directory of a project codebase, keyed by
// its project-relative path. Field-level semantics beyond identity and
// compliance are owned by the step libraries that fill them.
type CodebaseResource struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	ProjectUUID string `gorm:"not null;type:text;index;uniqueIndex:idx_resource_project_path" json:"project_uuid"`
	Path        string `gorm:"not null;type:text;uniqueIndex:idx_resource_project_path" json:"path"`
	Type        string `gorm:"not null;type:text" json:"type"`
	Name        string `gorm:"type:text" json:"name"`
	Extension   string `gorm:"type:text" json:"extension"`
	Size        int64  `json:"size"`
	SHA1        string `gorm:"type:text;column:sha1;index" json:"sha1"`
	MD5         string `gorm:"type:text;column:md5" json:"md5"`
	SHA256      string `gorm:"type:text;column:sha256" json:"sha256"`
	MimeType    string `gorm:"type:text" json:"mime_type"`
	Status      string `gorm:"type:text;index" json:"status"`
	Tag         string `gorm:"type:text" json:"tag"`

	DetectedLicenseExpression string  `gorm:"type:text" json:"detected_license_expression"`
	ComplianceAlert           string  `gorm:"type:text;index" json:"compliance_alert"`
	ExtraData                 JSONMap `gorm:"type:text" json:"extra_data"`
}

// TableName returns the table name for CodebaseResource
func (CodebaseResource) TableName() string {
	return "codebase_resources"
}

// Resource statuses assigned by pipeline steps.
const (
	ResourceStatusScanned string = "scanned"
	ResourceStatusIgnored string = "ignored"
)

// DiscoveredPackage is one software package identified in a project, keyed
// by its PURL-derived package UID.
type DiscoveredPackage struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	ProjectUUID string `gorm:"not null;type:text;index" json:"project_uuid"`
	PackageUID  string `gorm:"not null;type:text;uniqueIndex:idx_package_project_uid,composite:project_uuid" json:"package_uid"`
	Type        string `gorm:"type:text" json:"type"`
	Namespace   string `gorm:"type:text" json:"namespace"`
	Name        string `gorm:"not null;type:text" json:"name"`
	Version     string `gorm:"type:text" json:"version"`

	DeclaredLicenseExpression string  `gorm:"type:text" json:"declared_license_expression"`
	ComplianceAlert           string  `gorm:"type:text;index" json:"compliance_alert"`
	ScorecardScore            *float64 `json:"scorecard_score,omitempty"`

	AffectedByVulnerabilities MapSlice `gorm:"type:text" json:"affected_by_vulnerabilities"`
	ExtraData                 JSONMap  `gorm:"type:text" json:"extra_data"`
}

// TableName returns the table name for DiscoveredPackage
func (DiscoveredPackage) TableName() string {
	return "discovered_packages"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (p *DiscoveredPackage) BeforeCreate(tx *gorm.DB) error {
	if p.PackageUID == "" {
		p.PackageUID = fmt.Sprintf("%s?uuid=%s", p.PURL(), uuid.NewString())
	}
	return nil
}

// PURL composes the package URL from the type/namespace/name/version parts.
func (p *DiscoveredPackage) PURL() string {
	var b strings.Builder
	b.WriteString("pkg:")
	b.WriteString(p.Type)
	if p.Namespace != "" {
		b.WriteString("/")
		b.WriteString(p.Namespace)
	}
	b.WriteString("/")
	b.WriteString(p.Name)
	if p.Version != "" {
		b.WriteString("@")
		b.WriteString(p.Version)
	}
	return b.String()
}

// IsVulnerable reports whether any vulnerability record is attached.
func (p *DiscoveredPackage) IsVulnerable() bool {
	return len(p.AffectedByVulnerabilities) > 0
}

// DiscoveredDependency is one declared dependency relation, keyed by its
// dependency UID and optionally tied to the package that declares it.
type DiscoveredDependency struct {
	ID            uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	ProjectUUID   string `gorm:"not null;type:text;index" json:"project_uuid"`
	DependencyUID string `gorm:"not null;type:text;uniqueIndex:idx_dependency_project_uid,composite:project_uuid" json:"dependency_uid"`
	PURL          string `gorm:"type:text;column:purl" json:"purl"`
	Scope         string `gorm:"type:text" json:"scope"`
	IsRuntime     bool   `gorm:"not null;default:false" json:"is_runtime"`
	IsOptional    bool   `gorm:"not null;default:false" json:"is_optional"`
	IsPinned      bool   `gorm:"not null;default:false" json:"is_pinned"`
	ForPackageUID string `gorm:"type:text;index" json:"for_package_uid,omitempty"`

	AffectedByVulnerabilities MapSlice `gorm:"type:text" json:"affected_by_vulnerabilities"`
	ExtraData                 JSONMap  `gorm:"type:text" json:"extra_data"`
}

// TableName returns the table name for DiscoveredDependency
func (DiscoveredDependency) TableName() string {
	return "discovered_dependencies"
}

// BeforeCreate is a GORM hook that runs before creating a record
func (d *DiscoveredDependency) BeforeCreate(tx *gorm.DB) error {
	if d.DependencyUID == "" {
		d.DependencyUID = fmt.Sprintf("%s?uuid=%s", d.PURL, uuid.NewString())
	}
	return nil
}

// IsVulnerable reports whether any vulnerability record is attached.
func (d *DiscoveredDependency) IsVulnerable() bool {
	return len(d.AffectedByVulnerabilities) > 0
}

// CodebaseRelation links two codebase resources of one project, produced by
// mapping pipelines (deployed path -> development path).
type CodebaseRelation struct {
	ID               uint    `gorm:"primaryKey;autoIncrement" json:"-"`
	ProjectUUID      string  `gorm:"not null;type:text;index" json:"project_uuid"`
	FromResourcePath string  `gorm:"not null;type:text" json:"from_resource_path"`
	ToResourcePath   string  `gorm:"not null;type:text" json:"to_resource_path"`
	MapType          string  `gorm:"not null;type:text" json:"map_type"`
	ExtraData        JSONMap `gorm:"type:text" json:"extra_data"`
}

// TableName returns the table name for CodebaseRelation
func (CodebaseRelation) TableName() string {
	return "codebase_relations"
}
