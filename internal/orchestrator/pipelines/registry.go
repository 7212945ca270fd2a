// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// Registry holds every known pipeline: built-ins plus pipelines loaded
// from the configured search directories. Registration order matters:
// the last pipeline registered under a name wins.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	log       zerolog.Logger
}

// NewRegistry builds a registry with the built-in pipelines and loads
// every configured pipelines directory.
func NewRegistry(cfg *config.AppConfig) (*Registry, error) {
	r := &Registry{
		pipelines: map[string]*Pipeline{},
		log:       logger.GetPipelineLogger(),
	}
	for _, pipeline := range builtinPipelines() {
		r.Register(pipeline)
	}
	for _, dir := range cfg.PipelinesDirs {
		if err := r.LoadDir(dir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a pipeline, replacing any existing pipeline of the same
// name with a warning.
func (r *Registry) Register(pipeline *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[pipeline.Name]; exists {
		r.log.Warn().Str("pipeline", pipeline.Name).Msg("Pipeline overrides an earlier registration")
	}
	r.pipelines[pipeline.Name] = pipeline
}

// Get resolves a pipeline by name.
func (r *Registry) Get(name string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pipeline, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q, available: %s",
			errdefs.ErrUnknownPipeline, name, strings.Join(r.namesLocked(), ", "))
	}
	return pipeline, nil
}

// Names returns the registered pipeline names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the descriptors of every registered pipeline, sorted by
// name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]Descriptor, 0, len(r.pipelines))
	for _, name := range r.namesLocked() {
		descriptors = append(descriptors, r.pipelines[name].Descriptor())
	}
	return descriptors
}

// LoadDir registers every pipeline manifest (*.yml, *.yaml) found in a
// directory. A missing directory is not an error so deployments can
// configure search paths ahead of installing pipelines into them.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Debug().Str("dir", dir).Msg("Pipelines directory does not exist, skipping")
			return nil
		}
		return fmt.Errorf("%w: reading pipelines dir %s: %v", errdefs.ErrBadConfig, dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		pipeline, err := LoadManifest(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		r.Register(pipeline)
		r.log.Info().Str("pipeline", pipeline.Name).Str("dir", dir).Msg("Loaded pipeline")
	}
	return nil
}
