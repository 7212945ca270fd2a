// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
	"github.com/depvet/depvet/internal/orchestrator/output"
	"github.com/depvet/depvet/internal/orchestrator/policies"
	"github.com/depvet/depvet/internal/orchestrator/services"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

// stringList accepts either a JSON string or a list of strings, matching
// the wire contract where "pipeline" may be one name or many.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*s = []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// project resolves the {uuid} URL parameter.
func (h *Handlers) project(r *http.Request) (*models.Project, error) {
	return h.app.DB.GetProject(r.Context(), chi.URLParam(r, "uuid"))
}

// --- project collection ---

// GetProjects handles GET /api/projects
func (h *Handlers) GetProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.ProjectFilter{
		UUID:            q.Get("uuid"),
		Name:            q.Get("name"),
		NameContains:    q.Get("name__contains"),
		Labels:          q["label"],
		IncludeArchived: true,
	}
	if v := q.Get("is_archived"); v != "" {
		archived := queryBool(r, "is_archived")
		filter.IsArchived = &archived
	}

	count, err := h.app.DB.CountProjects(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	var page int
	filter.Limit, filter.Offset, page = h.pagination(r, "project")

	projects, err := h.app.DB.ListProjects(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Count: count, Page: page, PageSize: filter.Limit, Results: projects})
}

// createProjectRequest is the JSON body for project creation.
type createProjectRequest struct {
	Name       string         `json:"name"`
	Labels     []string       `json:"labels"`
	Notes      string         `json:"notes"`
	Settings   map[string]any `json:"settings"`
	InputURLs  stringList     `json:"input_urls"`
	Pipeline   stringList     `json:"pipeline"`
	ExecuteNow bool           `json:"execute_now"`
	WebhookURL string         `json:"webhook_url"`
	Webhooks   []webhookInput `json:"webhooks"`
}

type webhookInput struct {
	TargetURL        string `json:"target_url"`
	TriggerOnEachRun bool   `json:"trigger_on_each_run"`
	IncludeSummary   bool   `json:"include_summary"`
	IncludeResults   bool   `json:"include_results"`
	IsActive         *bool  `json:"is_active"`
}

func (in webhookInput) subscription() *models.WebhookSubscription {
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return &models.WebhookSubscription{
		TargetURL:        in.TargetURL,
		TriggerOnEachRun: in.TriggerOnEachRun,
		IncludeSummary:   in.IncludeSummary,
		IncludeResults:   in.IncludeResults,
		IsActive:         active,
	}
}

// CreateProject handles POST /api/projects. Accepts a JSON body, or
// multipart/form-data when an upload_file part is attached.
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	body, upload, err := h.decodeProjectRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if upload != nil {
		defer upload.cleanup()
	}

	params := services.CreateProjectParams{
		Name:                strings.TrimSpace(body.Name),
		Labels:              body.Labels,
		Notes:               body.Notes,
		Settings:            body.Settings,
		InputURLs:           body.InputURLs,
		ExecuteNow:          body.ExecuteNow,
		CreateGlobalWebhook: true,
	}
	for _, p := range body.Pipeline {
		params.Pipelines = append(params.Pipelines, services.ParseSelection(p))
	}
	if upload != nil {
		params.InputFiles = append(params.InputFiles, services.InputFile{Path: upload.path, Tag: upload.tag})
	}

	project, err := h.app.Projects.CreateProject(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	for _, in := range h.collectWebhooks(body) {
		if err := h.app.Projects.AddWebhook(r.Context(), project.UUID, in); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, project)
}

// uploadedFile is a multipart upload staged on disk until the request
// completes.
type uploadedFile struct {
	path string
	tag  string
	dir  string
}

func (u *uploadedFile) cleanup() { _ = os.RemoveAll(u.dir) }

// decodeProjectRequest reads the request body in either JSON or multipart
// form encoding, staging any upload_file part on disk.
func (h *Handlers) decodeProjectRequest(r *http.Request) (*createProjectRequest, *uploadedFile, error) {
	body := &createProjectRequest{}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(body); err != nil {
			return nil, nil, fmt.Errorf("%w: invalid JSON body: %v", errdefs.ErrBadConfig, err)
		}
		return body, nil, nil
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid multipart body: %v", errdefs.ErrBadConfig, err)
	}
	body.Name = r.FormValue("name")
	body.Notes = r.FormValue("notes")
	body.Labels = r.Form["labels"]
	body.InputURLs = r.Form["input_urls"]
	body.Pipeline = r.Form["pipeline"]
	body.ExecuteNow = r.FormValue("execute_now") == "true" || r.FormValue("execute_now") == "1"
	body.WebhookURL = r.FormValue("webhook_url")

	upload, err := h.stageUpload(r)
	if err != nil {
		return nil, nil, err
	}
	return body, upload, nil
}

// stageUpload writes the upload_file part into a temporary directory so
// the project service can copy it like any local input file.
func (h *Handlers) stageUpload(r *http.Request) (*uploadedFile, error) {
	file, header, err := r.FormFile("upload_file")
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading upload_file: %v", errdefs.ErrBadConfig, err)
	}
	defer file.Close()

	name := workspace.SanitizeFilename(filepath.Base(header.Filename))
	if name == "" {
		return nil, fmt.Errorf("%w: upload_file has no usable filename", errdefs.ErrUnsafePath)
	}
	dir, err := os.MkdirTemp("", "depvet-upload-")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	path := filepath.Join(dir, name)
	if _, err := workspace.AtomicWrite(file, path); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &uploadedFile{path: path, tag: r.FormValue("upload_file_tag"), dir: dir}, nil
}

func (h *Handlers) collectWebhooks(body *createProjectRequest) []*models.WebhookSubscription {
	var subscriptions []*models.WebhookSubscription
	if body.WebhookURL != "" {
		subscriptions = append(subscriptions, webhookInput{TargetURL: body.WebhookURL}.subscription())
	}
	for _, in := range body.Webhooks {
		if in.TargetURL != "" {
			subscriptions = append(subscriptions, in.subscription())
		}
	}
	return subscriptions
}

// --- single project ---

// projectDetail is the full detail envelope of GET /api/projects/{uuid}.
type projectDetail struct {
	models.Project
	Runs                      []models.Run                 `json:"runs"`
	InputSources              []models.InputSource         `json:"input_sources"`
	WebhookSubscriptions      []models.WebhookSubscription `json:"webhook_subscriptions"`
	CodebaseResourcesSummary  map[string]int64             `json:"codebase_resources_summary"`
	DiscoveredPackagesSummary map[string]int64             `json:"discovered_packages_summary"`
	Summary                   *services.ProjectSummary     `json:"summary"`
}

// GetProject handles GET /api/projects/{uuid}
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	detail := projectDetail{Project: *project}

	if detail.Runs, err = h.app.DB.ListRuns(ctx, project.UUID); err != nil {
		writeError(w, err)
		return
	}
	if detail.InputSources, err = h.app.DB.ListInputSources(ctx, project.UUID); err != nil {
		writeError(w, err)
		return
	}
	if detail.WebhookSubscriptions, err = h.app.DB.ListWebhookSubscriptions(ctx, project.UUID, false); err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.app.Summaries.ProjectSummary(ctx, project.UUID)
	if err != nil {
		writeError(w, err)
		return
	}
	detail.Summary = summary
	detail.DiscoveredPackagesSummary = map[string]int64{
		"total":      summary.PackageCount,
		"vulnerable": summary.VulnerablePackageCount,
	}

	resources, err := h.app.DB.ListResources(ctx, project.UUID, database.ResourceFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := map[string]int64{}
	for _, resource := range resources {
		status := resource.Status
		if status == "" {
			status = "no-status"
		}
		byStatus[status]++
	}
	detail.CodebaseResourcesSummary = byStatus

	writeJSON(w, http.StatusOK, detail)
}

// DeleteProject handles DELETE /api/projects/{uuid}
func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.app.Projects.DeleteProject(r.Context(), project.UUID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": project.Name})
}

// --- project actions ---

// AddInput handles POST /api/projects/{uuid}/add_input
func (h *Handlers) AddInput(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var urls []string
	var files []services.InputFile
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			writeError(w, fmt.Errorf("%w: invalid multipart body: %v", errdefs.ErrBadConfig, err))
			return
		}
		urls = r.Form["input_urls"]
		upload, err := h.stageUpload(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if upload != nil {
			defer upload.cleanup()
			files = append(files, services.InputFile{Path: upload.path, Tag: upload.tag})
		}
	} else {
		var body struct {
			InputURLs stringList `json:"input_urls"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, fmt.Errorf("%w: invalid JSON body: %v", errdefs.ErrBadConfig, err))
			return
		}
		urls = body.InputURLs
	}

	if err := h.app.Projects.AddInputs(r.Context(), project.UUID, files, urls, ""); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "Input(s) added."})
}

// AddPipeline handles POST /api/projects/{uuid}/add_pipeline
func (h *Handlers) AddPipeline(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Pipeline       string   `json:"pipeline"`
		PipelineName   string   `json:"pipeline_name"`
		SelectedGroups []string `json:"selected_groups"`
		ExecuteNow     bool     `json:"execute_now"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body: %v", errdefs.ErrBadConfig, err))
		return
	}
	name := body.Pipeline
	if name == "" {
		name = body.PipelineName
	}
	selection := services.ParseSelection(name)
	selection.Groups = append(selection.Groups, body.SelectedGroups...)

	run, err := h.app.Projects.AddPipeline(r.Context(), project.UUID, selection, body.ExecuteNow)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// AddWebhook handles POST /api/projects/{uuid}/add_webhook
func (h *Handlers) AddWebhook(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body webhookInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body: %v", errdefs.ErrBadConfig, err))
		return
	}
	if body.TargetURL == "" {
		writeError(w, fmt.Errorf("%w: target_url is required", errdefs.ErrBadConfig))
		return
	}
	subscription := body.subscription()
	if err := h.app.Projects.AddWebhook(r.Context(), project.UUID, subscription); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscription)
}

// ArchiveProject handles POST /api/projects/{uuid}/archive
func (h *Handlers) ArchiveProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		RemoveInput    bool `json:"remove_input"`
		RemoveCodebase bool `json:"remove_codebase"`
		RemoveOutput   bool `json:"remove_output"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, fmt.Errorf("%w: invalid JSON body: %v", errdefs.ErrBadConfig, err))
			return
		}
	}
	err = h.app.Projects.ArchiveProject(r.Context(), project.UUID, services.ArchiveOptions{
		RemoveInput:    body.RemoveInput,
		RemoveCodebase: body.RemoveCodebase,
		RemoveOutput:   body.RemoveOutput,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": fmt.Sprintf("The project %s has been archived.", project.Name)})
}

// ResetProject handles POST /api/projects/{uuid}/reset
func (h *Handlers) ResetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		RemoveInput      bool `json:"remove_input"`
		RemoveWebhooks   bool `json:"remove_webhooks"`
		RestorePipelines bool `json:"restore_pipelines"`
		ExecuteNow       bool `json:"execute_now"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, fmt.Errorf("%w: invalid JSON body: %v", errdefs.ErrBadConfig, err))
			return
		}
	}
	err = h.app.Projects.ResetProject(r.Context(), project.UUID, services.ResetOptions{
		RemoveInput:      body.RemoveInput,
		RemoveWebhooks:   body.RemoveWebhooks,
		RestorePipelines: body.RestorePipelines,
		ExecuteNow:       body.ExecuteNow,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": fmt.Sprintf("All data, runs and workspace derived files for %s have been removed.", project.Name)})
}

// --- project data ---

// GetErrors handles GET /api/projects/{uuid}/errors
func (h *Handlers) GetErrors(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := h.app.DB.ListMessages(r.Context(), project.UUID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// GetFileContent handles GET /api/projects/{uuid}/file_content?path=...
func (h *Handlers) GetFileContent(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, fmt.Errorf("%w: path query parameter is required", errdefs.ErrBadConfig))
		return
	}
	// The resource row is the authority for which paths are exposed.
	if _, err := h.app.DB.GetResourceByPath(r.Context(), project.UUID, path); err != nil {
		writeError(w, err)
		return
	}

	ws := h.app.Projects.Workspace(project)
	full := filepath.Join(ws.CodebaseDir(), filepath.FromSlash(path))
	if rel, err := filepath.Rel(ws.CodebaseDir(), full); err != nil || strings.HasPrefix(rel, "..") {
		writeError(w, fmt.Errorf("%w: %q", errdefs.ErrUnsafePath, path))
		return
	}

	file, err := os.Open(full)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err))
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.Copy(w, file)
}

// GetPackages handles GET /api/projects/{uuid}/packages
func (h *Handlers) GetPackages(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter := database.PackageFilter{
		Type:           r.URL.Query().Get("type"),
		NameContains:   r.URL.Query().Get("name__contains"),
		OnlyVulnerable: queryBool(r, "is_vulnerable"),
	}
	var page int
	filter.Limit, filter.Offset, page = h.pagination(r, "package")

	count, err := h.app.DB.CountPackages(r.Context(), project.UUID)
	if err != nil {
		writeError(w, err)
		return
	}
	packages, err := h.app.DB.ListPackages(r.Context(), project.UUID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Count: count, Page: page, PageSize: filter.Limit, Results: packages})
}

// GetResources handles GET /api/projects/{uuid}/resources
func (h *Handlers) GetResources(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter := database.ResourceFilter{
		Status:       r.URL.Query().Get("status"),
		Tag:          r.URL.Query().Get("tag"),
		PathContains: r.URL.Query().Get("path__contains"),
	}
	var page int
	filter.Limit, filter.Offset, page = h.pagination(r, "resource")

	count, err := h.app.DB.CountResources(r.Context(), project.UUID)
	if err != nil {
		writeError(w, err)
		return
	}
	resources, err := h.app.DB.ListResources(r.Context(), project.UUID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{Count: count, Page: page, PageSize: filter.Limit, Results: resources})
}

// GetDependencies handles GET /api/projects/{uuid}/dependencies
func (h *Handlers) GetDependencies(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dependencies, err := h.app.DB.ListDependencies(r.Context(), project.UUID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dependencies)
}

// GetRelations handles GET /api/projects/{uuid}/relations
func (h *Handlers) GetRelations(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	relations, err := h.app.DB.ListRelations(r.Context(), project.UUID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relations)
}

// GetSummary handles GET /api/projects/{uuid}/summary
func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.app.Summaries.ProjectSummary(r.Context(), project.UUID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetResults handles GET /api/projects/{uuid}/results — the canonical JSON
// document, inline.
func (h *Handlers) GetResults(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := output.BuildDocument(r.Context(), h.app.DB, project)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DownloadResults handles GET /api/projects/{uuid}/results_download.
// Single formats stream the exported file; all_formats exports every
// registered format and all_outputs collects the whole output directory,
// both as a zip archive.
func (h *Handlers) DownloadResults(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	format := r.URL.Query().Get("output_format")
	if format == "" {
		format = "json"
	}
	ws := h.app.Projects.Workspace(project)

	switch format {
	case "all_formats":
		var files []string
		doc, err := output.BuildDocument(r.Context(), h.app.DB, project)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, name := range output.Formats() {
			written, err := output.Export(name, doc, ws)
			if err != nil {
				writeError(w, err)
				return
			}
			files = append(files, written...)
		}
		h.serveZip(w, project, files)
	case "all_outputs":
		entries, err := os.ReadDir(ws.OutputDir())
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err))
			return
		}
		var files []string
		for _, entry := range entries {
			if !entry.IsDir() {
				files = append(files, filepath.Join(ws.OutputDir(), entry.Name()))
			}
		}
		h.serveZip(w, project, files)
	default:
		doc, err := output.BuildDocument(r.Context(), h.app.DB, project)
		if err != nil {
			writeError(w, err)
			return
		}
		files, err := output.Export(format, doc, ws)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(files) == 1 {
			h.serveFile(w, files[0])
			return
		}
		h.serveZip(w, project, files)
	}
}

func (h *Handlers) serveFile(w http.ResponseWriter, path string) {
	file, err := os.Open(path)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err))
		return
	}
	defer file.Close()

	contentType := "application/octet-stream"
	switch filepath.Ext(path) {
	case ".json":
		contentType = "application/json"
	case ".csv":
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	_, _ = io.Copy(w, file)
}

func (h *Handlers) serveZip(w http.ResponseWriter, project *models.Project, files []string) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", project.Slug+"-results.zip"))

	zw := zip.NewWriter(w)
	defer zw.Close()
	for _, path := range files {
		entry, err := zw.Create(filepath.Base(path))
		if err != nil {
			return
		}
		file, err := os.Open(path)
		if err != nil {
			getLog().Error().Err(err).Str("file", path).Msg("Skipping unreadable output file")
			continue
		}
		_, err = io.Copy(entry, file)
		file.Close()
		if err != nil {
			return
		}
	}
}

// --- compliance ---

// failLevelAlerts expands a fail-level query parameter into the alert
// values at or above it, highest precedence first.
func failLevelAlerts(level string) ([]string, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", "ERROR":
		return []string{string(policies.AlertError)}, nil
	case "WARNING":
		return []string{string(policies.AlertError), string(policies.AlertWarning)}, nil
	case "MISSING":
		return []string{string(policies.AlertError), string(policies.AlertWarning), string(policies.AlertMissing)}, nil
	}
	return nil, fmt.Errorf("%w: fail_level %q, choices: ERROR, WARNING, MISSING", errdefs.ErrBadConfig, level)
}

// GetCompliance handles GET /api/projects/{uuid}/compliance?fail_level=...
func (h *Handlers) GetCompliance(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	alerts, err := failLevelAlerts(r.URL.Query().Get("fail_level"))
	if err != nil {
		writeError(w, err)
		return
	}

	packages, err := h.app.DB.ListPackages(r.Context(), project.UUID, database.PackageFilter{ComplianceAlerts: alerts})
	if err != nil {
		writeError(w, err)
		return
	}
	resources, err := h.app.DB.ListResources(r.Context(), project.UUID, database.ResourceFilter{ComplianceAlerts: alerts})
	if err != nil {
		writeError(w, err)
		return
	}

	byAlert := func() map[string][]string { return map[string][]string{} }
	packagesByAlert, resourcesByAlert := byAlert(), byAlert()
	for _, pkg := range packages {
		packagesByAlert[pkg.ComplianceAlert] = append(packagesByAlert[pkg.ComplianceAlert], pkg.PURL())
	}
	for _, resource := range resources {
		resourcesByAlert[resource.ComplianceAlert] = append(resourcesByAlert[resource.ComplianceAlert], resource.Path)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"packages":  packagesByAlert,
		"resources": resourcesByAlert,
	})
}

// resolvePolicies returns the effective policy document for a project: the
// inline document of its per-project config file wins over the
// process-wide policies_file.
func (h *Handlers) resolvePolicies(project *models.Project) (*policies.Document, error) {
	ws := h.app.Projects.Workspace(project)
	env, err := config.LoadProjectEnv(ws.InputDir(), ws.CodebaseDir(), h.app.Config.ConfigDir, project.Settings)
	if err == nil && env.HasPolicies() {
		raw, err := env.PoliciesYAML()
		if err != nil {
			return nil, err
		}
		return policies.Load(raw)
	}
	if h.app.Config.PoliciesFile == "" {
		return nil, fmt.Errorf("%w: no policies configured", errdefs.ErrInvalidPolicy)
	}
	return policies.LoadFile(h.app.Config.PoliciesFile)
}

// GetLicenseClarityCompliance handles
// GET /api/projects/{uuid}/license_clarity_compliance
func (h *Handlers) GetLicenseClarityCompliance(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := h.resolvePolicies(project)
	if err != nil {
		writeError(w, err)
		return
	}
	score, ok := clarityScore(project.ExtraData)
	if !ok {
		writeError(w, fmt.Errorf("%w: project has no license clarity score, run a summary pipeline first", errdefs.ErrBadConfig))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"license_clarity_compliance_alert": string(doc.ClarityAlert(score)),
		"score":                            score,
	})
}

// clarityScore digs the clarity score out of the summary block written by
// scan pipelines: either a bare number or a {"score": N} object under the
// license_clarity_score key.
func clarityScore(extra models.JSONMap) (int, bool) {
	value, ok := extra["license_clarity_score"]
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case map[string]any:
		if score, ok := v["score"].(float64); ok {
			return int(score), true
		}
	}
	return 0, false
}

// GetScorecardCompliance handles GET /api/projects/{uuid}/scorecard_compliance
func (h *Handlers) GetScorecardCompliance(w http.ResponseWriter, r *http.Request) {
	project, err := h.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := h.resolvePolicies(project)
	if err != nil {
		writeError(w, err)
		return
	}
	packages, err := h.app.DB.ListPackages(r.Context(), project.UUID, database.PackageFilter{})
	if err != nil {
		writeError(w, err)
		return
	}

	type scorecardEntry struct {
		PackageUID string  `json:"package_uid"`
		Score      float64 `json:"score"`
		Alert      string  `json:"alert"`
	}
	var entries []scorecardEntry
	worst := policies.AlertOK
	for _, pkg := range packages {
		if pkg.ScorecardScore == nil {
			continue
		}
		alert := doc.ScorecardAlert(*pkg.ScorecardScore)
		worst = policies.MaxAlert(worst, alert)
		entries = append(entries, scorecardEntry{
			PackageUID: pkg.PackageUID,
			Score:      *pkg.ScorecardScore,
			Alert:      string(alert),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scorecard_compliance_alert": string(worst),
		"packages":                   entries,
	})
}
