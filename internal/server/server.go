// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator"
)

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
}

// New creates and wires up the API server. It does NOT start listening —
// call Run() for that.
func New(cfg *config.AppConfig, app *orchestrator.Application) *Server {
	registry := NewClientRegistry()
	broadcaster := NewEventBroadcaster(app.Events(), registry)
	handlers := NewHandlers(app)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.CORSOrigins))
	r.Use(MaxBodySize(64 << 20))
	r.Use(TokenAuth(app.DB, cfg.RequireAuthentication))

	// REST routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.GetHealth)
		r.Get("/pipelines", handlers.GetPipelines)

		r.Get("/projects", handlers.GetProjects)
		r.Post("/projects", handlers.CreateProject)
		r.Get("/projects/report", handlers.GetReport)

		r.Route("/projects/{uuid}", func(r chi.Router) {
			r.Get("/", handlers.GetProject)
			r.Delete("/", handlers.DeleteProject)

			r.Post("/add_input", handlers.AddInput)
			r.Post("/add_pipeline", handlers.AddPipeline)
			r.Post("/add_webhook", handlers.AddWebhook)
			r.Post("/archive", handlers.ArchiveProject)
			r.Post("/reset", handlers.ResetProject)

			r.Get("/errors", handlers.GetErrors)
			r.Get("/file_content", handlers.GetFileContent)
			r.Get("/packages", handlers.GetPackages)
			r.Get("/resources", handlers.GetResources)
			r.Get("/dependencies", handlers.GetDependencies)
			r.Get("/relations", handlers.GetRelations)
			r.Get("/summary", handlers.GetSummary)
			r.Get("/results", handlers.GetResults)
			r.Get("/results_download", handlers.DownloadResults)
			r.Get("/compliance", handlers.GetCompliance)
			r.Get("/license_clarity_compliance", handlers.GetLicenseClarityCompliance)
			r.Get("/scorecard_compliance", handlers.GetScorecardCompliance)
		})

		r.Route("/runs/{uuid}", func(r chi.Router) {
			r.Get("/", handlers.GetRun)
			r.Post("/start_pipeline", handlers.StartRun)
			r.Post("/stop_pipeline", handlers.StopRun)
			r.Post("/delete_pipeline", handlers.DeleteRun)
		})
	})

	// WebSocket
	r.Get("/ws", HandleWebSocket(registry, cfg.CORSOrigins))

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		broadcaster: broadcaster,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the event broadcaster goroutine and the HTTP server.
// Blocks until the server is shut down or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		const maxRetries = 3
		for attempt := 1; attempt <= maxRetries; attempt++ {
			func() {
				defer func() {
					if r := recover(); r != nil {
						getLog().Error().Interface("panic", r).Int("attempt", attempt).Msg("Event broadcaster panic")
					}
				}()
				s.broadcaster.Run(ctx)
			}()

			// Normal return (context cancelled) — exit without retry.
			if ctx.Err() != nil {
				return
			}

			if attempt < maxRetries {
				getLog().Warn().Int("attempt", attempt).Msg("Restarting event broadcaster after panic")
				time.Sleep(1 * time.Second)
			}
		}
		getLog().Error().Msg("Event broadcaster exhausted retries - events will no longer be dispatched")
	}()

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
