// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package imagepuller saves container images as tar files on disk. It
// implements the fetch.ImagePuller contract over the Docker Engine API:
// pull the reference, then export it with ImageSave. When a manifest
// list offers multiple platforms the daemon's default selection applies,
// which is the first registry-reported platform.
package imagepuller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"

	"github.com/depvet/depvet/internal/config"
)

var tarNameSanitizer = regexp.MustCompile(`[^-\w.]+`)

// imageAPI is the slice of the Docker Engine API the puller uses.
type imageAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageSave(ctx context.Context, imageIDs []string, saveOpts ...client.ImageSaveOption) (io.ReadCloser, error)
}

// Puller pulls and exports images through one Docker daemon connection.
// The connection is established on first use so deployments that never
// fetch docker:// inputs do not require a reachable daemon.
type Puller struct {
	host     string
	authfile string

	mu     sync.Mutex
	docker imageAPI
}

// New builds a puller. An empty dockerHost selects the environment
// defaults (DOCKER_HOST etc.); authfilePath optionally names a
// docker-config-style credentials file consulted when no explicit
// credential is passed to Pull.
func New(dockerHost, authfilePath string) *Puller {
	return &Puller{host: dockerHost, authfile: authfilePath}
}

// NewFromClient builds a puller over an existing API client, used by
// tests.
func NewFromClient(api imageAPI) *Puller {
	return &Puller{docker: api}
}

func (p *Puller) apiClient() (imageAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.docker != nil {
		return p.docker, nil
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if p.host != "" {
		opts = append(opts, client.WithHost(p.host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	p.docker = docker
	return p.docker, nil
}

// Pull saves the image referenced by ref as a tar file under destDir and
// returns the tar path.
func (p *Puller) Pull(ctx context.Context, ref, destDir string, creds *config.Credential) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	named = reference.TagNameOnly(named)

	docker, err := p.apiClient()
	if err != nil {
		return "", err
	}

	auth, err := p.registryAuth(named, creds)
	if err != nil {
		return "", err
	}

	progress, err := docker.ImagePull(ctx, named.String(), image.PullOptions{RegistryAuth: auth})
	if err != nil {
		return "", fmt.Errorf("failed to pull %s: %w", named, err)
	}
	// The progress stream must be drained for the pull to complete.
	_, copyErr := io.Copy(io.Discard, progress)
	closeErr := progress.Close()
	if copyErr != nil {
		return "", fmt.Errorf("pull of %s interrupted: %w", named, copyErr)
	}
	if closeErr != nil {
		return "", closeErr
	}

	export, err := docker.ImageSave(ctx, []string{named.String()})
	if err != nil {
		return "", fmt.Errorf("failed to export %s: %w", named, err)
	}
	defer export.Close()

	tarPath := filepath.Join(destDir, tarName(named))
	out, err := os.CreateTemp(destDir, ".pull-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, export); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to write image tar: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	if err := os.Rename(out.Name(), tarPath); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return tarPath, nil
}

// registryAuth resolves the X-Registry-Auth header value: the explicit
// credential wins, then the authfile entry for the reference's registry.
func (p *Puller) registryAuth(named reference.Named, creds *config.Credential) (string, error) {
	domain := reference.Domain(named)
	if creds == nil {
		entry, err := p.authfileCredential(domain)
		if err != nil {
			return "", err
		}
		creds = entry
	}
	if creds == nil {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      creds.User,
		Password:      creds.Password,
		ServerAddress: domain,
	})
}

// authfileCredential looks up the registry in a docker-config-style
// authfile ({"auths": {"host": {"auth": base64(user:pass), ...}}}).
func (p *Puller) authfileCredential(domain string) (*config.Credential, error) {
	if p.authfile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(p.authfile)
	if err != nil {
		return nil, fmt.Errorf("failed to read authfile: %w", err)
	}
	var parsed struct {
		Auths map[string]struct {
			Auth     string `json:"auth"`
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"auths"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse authfile: %w", err)
	}
	entry, ok := parsed.Auths[domain]
	if !ok {
		return nil, nil
	}
	if entry.Username != "" {
		return &config.Credential{User: entry.Username, Password: entry.Password}, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to decode authfile entry for %s: %w", domain, err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, fmt.Errorf("malformed authfile entry for %s", domain)
	}
	return &config.Credential{User: user, Password: pass}, nil
}

// tarName derives the exported filename, e.g. library-alpine-3.20.tar.
func tarName(named reference.Named) string {
	name := reference.Path(named)
	if tagged, ok := named.(reference.Tagged); ok {
		name += "-" + tagged.Tag()
	}
	return tarNameSanitizer.ReplaceAllString(name, "-") + ".tar"
}
