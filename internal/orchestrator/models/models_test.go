// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestValidateProjectName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "my-project", wantErr: false},
		{name: "with spaces and dots", input: "Analysis run 1.2 (final)", wantErr: false},
		{name: "underscores", input: "acme_app", wantErr: false},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace only", input: "   ", wantErr: true},
		{name: "path separator", input: "foo/bar", wantErr: true},
		{name: "shell metacharacter", input: "foo;rm", wantErr: true},
		{name: "too long", input: strings.Repeat("a", MaxProjectNameLength+1), wantErr: true},
		{name: "exactly max length", input: strings.Repeat("a", MaxProjectNameLength), wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProjectName(tt.input)
			if tt.wantErr && err == nil {
				t.Errorf("ValidateProjectName(%q) expected error, got nil", tt.input)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateProjectName(%q) unexpected error: %v", tt.input, err)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "lowercases", input: "MyProject", want: "myproject"},
		{name: "spaces to hyphens", input: "Analysis run 1", want: "analysis-run-1"},
		{name: "dots and parens stripped", input: "acme 2.0 (beta)", want: "acme-20-beta"},
		{name: "collapses separators", input: "a  --  b", want: "a-b"},
		{name: "trims separators", input: " -edge- ", want: "edge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.input); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStringSlice_ScanValue(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    StringSlice
		wantErr bool
	}{
		{name: "json bytes", input: []byte(`["a","b"]`), want: StringSlice{"a", "b"}},
		{name: "json string", input: `["x"]`, want: StringSlice{"x"}},
		{name: "nil", input: nil, want: StringSlice{}},
		{name: "unsupported type", input: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got StringSlice
			err := got.Scan(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Scan() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("Scan() unexpected error = %v", err)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Scan() = %+v, want %+v", got, tt.want)
			}
		})
	}

	// Empty slices serialize as a JSON array, never NULL.
	var empty StringSlice
	val, err := empty.Value()
	if err != nil {
		t.Fatalf("Value() unexpected error = %v", err)
	}
	if string(val.([]byte)) != "[]" {
		t.Errorf("Value() for empty slice = %s, want []", val)
	}
}

func TestRunStatus_Transitions(t *testing.T) {
	tests := []struct {
		status    RunStatus
		canStart  bool
		canStop   bool
		canDelete bool
		terminal  bool
	}{
		{status: RunStatusNotStarted, canStart: false, canStop: false, canDelete: true, terminal: false},
		{status: RunStatusQueued, canStart: true, canStop: true, canDelete: true, terminal: false},
		{status: RunStatusRunning, canStart: false, canStop: true, canDelete: false, terminal: false},
		{status: RunStatusSuccess, canStart: false, canStop: false, canDelete: false, terminal: true},
		{status: RunStatusFailure, canStart: false, canStop: false, canDelete: false, terminal: true},
		{status: RunStatusStopped, canStart: false, canStop: false, canDelete: false, terminal: true},
		{status: RunStatusStale, canStart: false, canStop: false, canDelete: false, terminal: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			run := Run{Status: tt.status}
			if got := run.CanStart(); got != tt.canStart {
				t.Errorf("CanStart() = %v, want %v", got, tt.canStart)
			}
			if got := run.CanStop(); got != tt.canStop {
				t.Errorf("CanStop() = %v, want %v", got, tt.canStop)
			}
			if got := run.CanDelete(); got != tt.canDelete {
				t.Errorf("CanDelete() = %v, want %v", got, tt.canDelete)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestRunStatus_Display(t *testing.T) {
	if got := RunStatusNotStarted.Display(); got != "NOT_STARTED" {
		t.Errorf("Display() = %q, want NOT_STARTED", got)
	}
	if got := RunStatusSuccess.Display(); got != "SUCCESS" {
		t.Errorf("Display() = %q, want SUCCESS", got)
	}
	// Stored form stays lowercase.
	if got := RunStatusSuccess.String(); got != "success" {
		t.Errorf("String() = %q, want success", got)
	}
}

func TestProject_DatabaseOperations(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Project{}, &Run{}, &InputSource{}); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}

	project := Project{
		Name:   "Analysis 2.0",
		Labels: StringSlice{"team-a", "prod"},
		Settings: JSONMap{
			"ignored_patterns": []any{"*.tmp"},
		},
	}
	if err := db.Create(&project).Error; err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}

	if project.UUID == "" {
		t.Errorf("BeforeCreate should assign a UUID")
	}
	if project.Slug != "analysis-20" {
		t.Errorf("Slug = %q, want analysis-20", project.Slug)
	}

	var retrieved Project
	if err := db.First(&retrieved, "uuid = ?", project.UUID).Error; err != nil {
		t.Fatalf("Failed to retrieve project: %v", err)
	}
	if !reflect.DeepEqual(retrieved.Labels, project.Labels) {
		t.Errorf("Labels = %+v, want %+v", retrieved.Labels, project.Labels)
	}
	if retrieved.IsArchived {
		t.Errorf("IsArchived should default to false")
	}

	// Uniqueness on name.
	dup := Project{Name: "Analysis 2.0"}
	if err := db.Create(&dup).Error; err == nil {
		t.Errorf("expected unique constraint violation for duplicate name")
	}

	dirName := retrieved.WorkspaceDirName()
	if !strings.HasPrefix(dirName, "analysis-20-") {
		t.Errorf("WorkspaceDirName() = %q, want analysis-20-<uuid prefix>", dirName)
	}
	if want := retrieved.Slug + "-" + retrieved.UUID[:8]; dirName != want {
		t.Errorf("WorkspaceDirName() = %q, want %q", dirName, want)
	}
}

func TestRun_DatabaseOperations(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Project{}, &Run{}); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}

	project := Project{Name: "runs"}
	if err := db.Create(&project).Error; err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}

	run := Run{
		ProjectUUID:    project.UUID,
		PipelineName:   "scan_codebase",
		SelectedGroups: StringSlice{"checksum"},
	}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}

	var retrieved Run
	if err := db.First(&retrieved, "uuid = ?", run.UUID).Error; err != nil {
		t.Fatalf("Failed to retrieve run: %v", err)
	}
	if retrieved.Status != RunStatusNotStarted {
		t.Errorf("Status = %q, want %q", retrieved.Status, RunStatusNotStarted)
	}
	if retrieved.ExecutionTime() != 0 {
		t.Errorf("ExecutionTime() without dates = %v, want 0", retrieved.ExecutionTime())
	}
}

func TestDiscoveredPackage_PURL(t *testing.T) {
	tests := []struct {
		name string
		pkg  DiscoveredPackage
		want string
	}{
		{
			name: "full",
			pkg:  DiscoveredPackage{Type: "npm", Namespace: "babel", Name: "core", Version: "7.0.0"},
			want: "pkg:npm/babel/core@7.0.0",
		},
		{
			name: "no namespace",
			pkg:  DiscoveredPackage{Type: "pypi", Name: "django", Version: "4.2"},
			want: "pkg:pypi/django@4.2",
		},
		{
			name: "no version",
			pkg:  DiscoveredPackage{Type: "generic", Name: "blob"},
			want: "pkg:generic/blob",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pkg.PURL(); got != tt.want {
				t.Errorf("PURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiscoveredPackage_PackageUID(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&DiscoveredPackage{}); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}

	pkg := DiscoveredPackage{
		ProjectUUID: "p1",
		Type:        "npm",
		Name:        "left-pad",
		Version:     "1.3.0",
	}
	if err := db.Create(&pkg).Error; err != nil {
		t.Fatalf("Failed to create package: %v", err)
	}

	wantPrefix := "pkg:npm/left-pad@1.3.0?uuid="
	if !strings.HasPrefix(pkg.PackageUID, wantPrefix) {
		t.Errorf("PackageUID = %q, want prefix %q", pkg.PackageUID, wantPrefix)
	}
	if pkg.IsVulnerable() {
		t.Errorf("IsVulnerable() = true for package without vulnerability records")
	}
}

func TestWebhookDelivery_SetResponse(t *testing.T) {
	var d WebhookDelivery
	d.SetResponse(200, strings.Repeat("x", MaxDeliveryResponseText+100))
	if d.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", d.StatusCode)
	}
	if len(d.ResponseText) != MaxDeliveryResponseText {
		t.Errorf("ResponseText length = %d, want %d", len(d.ResponseText), MaxDeliveryResponseText)
	}

	var short WebhookDelivery
	short.SetResponse(404, "not found")
	if short.ResponseText != "not found" {
		t.Errorf("ResponseText = %q, want %q", short.ResponseText, "not found")
	}
}

func TestUser_APIKeyGeneration(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}

	user := User{Username: "ci-bot", IsActive: true}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	if len(user.APIKey) != APIKeyLength {
		t.Errorf("APIKey length = %d, want %d", len(user.APIKey), APIKeyLength)
	}
	if !regexp.MustCompile(`^[0-9a-f]+$`).MatchString(user.APIKey) {
		t.Errorf("APIKey = %q, want lowercase hex", user.APIKey)
	}

	// API keys never serialize into JSON payloads.
	data, err := json.Marshal(user)
	if err != nil {
		t.Fatalf("Failed to marshal user: %v", err)
	}
	if strings.Contains(string(data), user.APIKey) {
		t.Errorf("marshaled user exposes the api key: %s", data)
	}
}
