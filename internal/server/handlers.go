// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/depvet/depvet/internal/common"
	"github.com/depvet/depvet/internal/orchestrator"
	"github.com/depvet/depvet/internal/orchestrator/database"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/output"
)

// defaultPageSize applies when neither rest_api_page_size nor a
// paginate_by entry covers the model.
const defaultPageSize = 50

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	app *orchestrator.Application
}

// NewHandlers creates the handler set.
func NewHandlers(app *orchestrator.Application) *Handlers {
	return &Handlers{app: app}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps an error kind onto the REST error contract:
// {"error": "<kind>", "detail": "..."} with the kind's status code.
func writeError(w http.ResponseWriter, err error) {
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		getLog().Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{
		"error":  errdefs.Kind(err),
		"detail": err.Error(),
	})
}

// pageResponse is the paginated list envelope.
type pageResponse struct {
	Count    int64 `json:"count"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Results  any   `json:"results"`
}

// pagination resolves page/page_size query params against the configured
// per-model caps.
func (h *Handlers) pagination(r *http.Request, model string) (limit, offset, page int) {
	size := h.app.Config.RESTAPIPageSize
	if byModel, ok := h.app.Config.PaginateBy[model]; ok && byModel > 0 {
		size = byModel
	}
	if size <= 0 {
		size = defaultPageSize
	}

	page = 1
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if ps, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && ps > 0 && ps < size {
		size = ps
	}
	return size, (page - 1) * size, page
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// --- meta handlers ---

// GetHealth handles GET /api/health
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"tool":    common.ToolName,
		"version": common.VersionString(),
	})
}

// GetPipelines handles GET /api/pipelines
func (h *Handlers) GetPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Registry.List())
}

// --- run handlers ---

// GetRun handles GET /api/runs/{uuid}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.app.DB.GetRun(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// StartRun handles POST /api/runs/{uuid}/start_pipeline
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	runUUID := chi.URLParam(r, "uuid")
	if err := h.app.Runs.StartRun(r.Context(), runUUID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "Pipeline started.", "run": runUUID})
}

// StopRun handles POST /api/runs/{uuid}/stop_pipeline
func (h *Handlers) StopRun(w http.ResponseWriter, r *http.Request) {
	runUUID := chi.URLParam(r, "uuid")
	if err := h.app.Runs.StopRun(r.Context(), runUUID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "Pipeline stopped.", "run": runUUID})
}

// DeleteRun handles POST /api/runs/{uuid}/delete_pipeline
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	runUUID := chi.URLParam(r, "uuid")
	if err := h.app.Runs.DeleteRun(r.Context(), runUUID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "Pipeline deleted.", "run": runUUID})
}

// --- report handler ---

// GetReport handles GET /api/projects/report?model=... It streams one CSV
// aggregating the chosen model across every project matching the filters.
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if !output.IsReportModel(model) {
		writeError(w, fmt.Errorf("%w: report model %q, choices: %v",
			errdefs.ErrBadConfig, model, output.ReportModels))
		return
	}

	filter := database.ProjectFilter{
		NameContains:    r.URL.Query().Get("search"),
		Labels:          r.URL.Query()["label"],
		IncludeArchived: true,
	}
	projects, err := h.app.DB.ListProjects(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", model+"-report.csv"))
	if err := output.WriteReportCSV(r.Context(), h.app.DB, projects, model, w); err != nil {
		getLog().Error().Err(err).Str("model", model).Msg("Report aggregation failed")
	}
}
