// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fetch resolves input URIs to files on disk: plain HTTP(S)
// downloads, package-URL registry lookups, container images via the
// image puller contract, and shallow git clones. Per-host credentials are
// selected from the fetch authentication configuration.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/logger"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/workspace"
)

var (
	logOnce sync.Once
	pkgLog  *zerolog.Logger
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetFetchLogger()
		pkgLog = &l
	})
	return pkgLog
}

// Download describes one fetched input written under the destination
// directory.
type Download struct {
	// Filename is the name under the destination directory; for git
	// clones it is the repository directory name.
	Filename    string
	Tag         string
	DownloadURL string
	Path        string
	Size        int64
	IsDir       bool
}

// ImagePuller is the external container-image puller contract.
type ImagePuller interface {
	// Pull saves the image referenced by ref as a tar file under destDir
	// and returns the tar path. When the image has multiple platforms the
	// first registry-reported one is selected.
	Pull(ctx context.Context, ref string, destDir string, creds *config.Credential) (string, error)
}

// Fetcher resolves input URIs for one deployment configuration.
type Fetcher struct {
	cfg        *config.AppConfig
	client     *http.Client
	puller     ImagePuller
	registries RegistryBases

	basicAuth   map[string]config.Credential
	digestAuth  map[string]config.Credential
	hostHeaders map[string][]config.Header
	skopeoCreds map[string]config.Credential
	netrc       map[string]config.Credential
}

// NewFetcher builds a fetcher from the application configuration. The
// puller may be nil when docker:// inputs are not used.
func NewFetcher(cfg *config.AppConfig, puller ImagePuller) (*Fetcher, error) {
	f := &Fetcher{
		cfg:    cfg,
		puller: puller,
		client: &http.Client{
			Timeout: 30 * time.Minute,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				ResponseHeaderTimeout: 2 * time.Minute,
				Proxy:                 http.ProxyFromEnvironment,
			},
		},
		registries: DefaultRegistryBases(),
	}

	var err error
	if f.basicAuth, err = config.ParseHostCredentials(cfg.FetchBasicAuth); err != nil {
		return nil, err
	}
	if f.digestAuth, err = config.ParseHostCredentials(cfg.FetchDigestAuth); err != nil {
		return nil, err
	}
	if f.hostHeaders, err = config.ParseHostHeaders(cfg.FetchHeaders); err != nil {
		return nil, err
	}
	if f.skopeoCreds, err = config.ParseHostCredentials(cfg.SkopeoCredentials); err != nil {
		return nil, err
	}
	if f.netrc, err = loadNetrc(cfg.NetrcLocation); err != nil {
		return nil, err
	}

	return f, nil
}

// Fetch resolves one input URI into destDir. The URI may carry a #tag
// fragment attached to the resulting download.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destDir string) (*Download, error) {
	rawURL = strings.TrimSpace(rawURL)
	rawURL, tag := splitTag(rawURL)

	var (
		download *Download
		err      error
	)
	switch {
	case strings.HasPrefix(rawURL, "docker://"):
		download, err = f.fetchDockerImage(ctx, rawURL, destDir)
	case strings.HasPrefix(rawURL, "pkg:"):
		download, err = f.fetchPackageURL(ctx, rawURL, destDir)
	case isGitURL(rawURL):
		download, err = f.fetchGitRepo(ctx, rawURL, destDir)
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		download, err = f.fetchHTTP(ctx, rawURL, destDir, "")
	default:
		return nil, fmt.Errorf("%w: unsupported scheme in %q", errdefs.ErrInputFetchFailed, rawURL)
	}
	if err != nil {
		return nil, err
	}
	download.Tag = tag
	getLog().Info().
		Str("url", rawURL).
		Str("filename", download.Filename).
		Int64("size", download.Size).
		Msg("Input fetched")
	return download, nil
}

// splitTag detaches a trailing #tag fragment from a URL. pkg: URLs keep
// their fragment since purl subpaths use the same syntax.
func splitTag(rawURL string) (string, string) {
	if strings.HasPrefix(rawURL, "pkg:") {
		return rawURL, ""
	}
	if base, tag, found := cutLast(rawURL, "#"); found {
		return base, tag
	}
	return rawURL, ""
}

// isGitURL recognizes clone URLs: an explicit git+ scheme, the scp-like
// git@ form, and https URLs ending in .git.
func isGitURL(rawURL string) bool {
	if strings.HasPrefix(rawURL, "git+") || strings.HasPrefix(rawURL, "git@") {
		return true
	}
	trimmed := strings.TrimSuffix(rawURL, "/")
	return (strings.HasPrefix(rawURL, "https://") || strings.HasPrefix(rawURL, "http://")) &&
		strings.HasSuffix(trimmed, ".git")
}

// --- HTTP ---

// fetchHTTP downloads a URL into destDir. When forcedName is empty the
// filename is derived from Content-Disposition, then the URL path.
func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL, destDir, forcedName string) (*Download, error) {
	return f.fetchHTTPVerified(ctx, rawURL, destDir, forcedName, "")
}

func (f *Fetcher) fetchHTTPVerified(ctx context.Context, rawURL, destDir, forcedName, expectedSHA256 string) (*Download, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q: %v", errdefs.ErrInputFetchFailed, rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInputFetchFailed, err)
	}
	hadCredential := f.applyAuth(req, parsed.Hostname())

	resp, err := f.do(req, parsed.Hostname())
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", errdefs.ErrFetchNotFound, rawURL)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if !hadCredential {
			return nil, fmt.Errorf("%w: %s returned %d and no credential matches host %q",
				errdefs.ErrFetchAuthRequired, rawURL, resp.StatusCode, parsed.Hostname())
		}
		return nil, fmt.Errorf("%w: %s rejected the configured credential (%d)",
			errdefs.ErrFetchAuthRequired, rawURL, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: %s returned %d", errdefs.ErrInputFetchFailed, rawURL, resp.StatusCode)
	}

	filename := forcedName
	if filename == "" {
		filename = filenameFromResponse(resp)
	}
	if filename == "" {
		return nil, fmt.Errorf("%w: cannot derive a filename from %s", errdefs.ErrInputFetchFailed, rawURL)
	}
	filename = workspace.SanitizeFilename(filename)

	hasher := sha256.New()
	size, err := workspace.AtomicWrite(io.TeeReader(resp.Body, hasher), filepath.Join(destDir, filename))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInputFetchFailed, err)
	}

	if expectedSHA256 != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, expectedSHA256) {
			os.Remove(filepath.Join(destDir, filename))
			return nil, fmt.Errorf("%w: %s: got sha256 %s, registry advertised %s",
				errdefs.ErrFetchChecksumMismatch, rawURL, actual, expectedSHA256)
		}
	}

	return &Download{
		Filename:    filename,
		DownloadURL: rawURL,
		Path:        filepath.Join(destDir, filename),
		Size:        size,
	}, nil
}

// do sends the request, falling back to digest authentication when the
// host is configured for it and the server issues a digest challenge.
func (f *Fetcher) do(req *http.Request, host string) (*http.Response, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	cred, ok := f.digestAuth[host]
	if !ok {
		return resp, nil
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(strings.ToLower(challenge), "digest ") {
		return resp, nil
	}
	resp.Body.Close()

	retry := req.Clone(req.Context())
	authorization, err := digestAuthorization(challenge, cred, req.Method, req.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Authorization", authorization)
	return f.client.Do(retry)
}

// applyAuth attaches the first matching credential source for the host:
// basic auth, then explicit headers, then netrc. Digest credentials are
// handled reactively on challenge. Reports whether anything matched.
func (f *Fetcher) applyAuth(req *http.Request, host string) bool {
	if cred, ok := f.basicAuth[host]; ok {
		req.SetBasicAuth(cred.User, cred.Password)
		return true
	}
	if _, ok := f.digestAuth[host]; ok {
		return true
	}
	if headers, ok := f.hostHeaders[host]; ok {
		for _, h := range headers {
			req.Header.Set(h.Name, h.Value)
		}
		return true
	}
	if cred, ok := f.netrc[host]; ok {
		req.SetBasicAuth(cred.User, cred.Password)
		return true
	}
	return false
}

// filenameFromResponse derives the download filename from the
// Content-Disposition header, then the final URL path.
func filenameFromResponse(resp *http.Response) string {
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if filename := params["filename"]; filename != "" {
				return path.Base(filename)
			}
		}
	}
	if base := path.Base(resp.Request.URL.Path); base != "" && base != "/" && base != "." {
		return base
	}
	return ""
}

func classifyTransportError(rawURL string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", errdefs.ErrFetchTimeout, rawURL, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", errdefs.ErrFetchTimeout, rawURL)
	}
	return fmt.Errorf("%w: %s: %v", errdefs.ErrInputFetchFailed, rawURL, err)
}

// --- PURL ---

func (f *Fetcher) fetchPackageURL(ctx context.Context, rawURL, destDir string) (*Download, error) {
	purl, err := ParsePackageURL(rawURL)
	if err != nil {
		return nil, err
	}
	resolved, err := f.resolvePackageURL(ctx, purl)
	if err != nil {
		return nil, err
	}
	download, err := f.fetchHTTPVerified(ctx, resolved.URL, destDir, resolved.Filename, resolved.SHA256)
	if err != nil {
		return nil, err
	}
	// Keep the purl as the recorded origin, not the resolved mirror URL.
	download.DownloadURL = rawURL
	return download, nil
}

// --- Git ---

// fetchGitRepo shallow-clones a repository into destDir/<repo_name>/. The
// clone metadata is removed so the tree is treated as plain input files.
func (f *Fetcher) fetchGitRepo(ctx context.Context, rawURL, destDir string) (*Download, error) {
	cloneURL := strings.TrimPrefix(rawURL, "git+")
	repoName := strings.TrimSuffix(path.Base(strings.TrimSuffix(cloneURL, "/")), ".git")
	if err := workspace.ValidateFilename(repoName); err != nil {
		return nil, err
	}
	target := filepath.Join(destDir, repoName)

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", cloneURL, target)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(target)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: git clone %s", errdefs.ErrFetchTimeout, cloneURL)
		}
		return nil, fmt.Errorf("%w: git clone %s: %v: %s",
			errdefs.ErrInputFetchFailed, cloneURL, err, strings.TrimSpace(string(output)))
	}
	if err := os.RemoveAll(filepath.Join(target, ".git")); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}

	size, err := treeSize(target)
	if err != nil {
		return nil, err
	}
	return &Download{
		Filename:    repoName,
		DownloadURL: rawURL,
		Path:        target,
		Size:        size,
		IsDir:       true,
	}, nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	return total, nil
}

// --- Docker ---

// fetchDockerImage saves a container image as a tar via the configured
// image puller.
func (f *Fetcher) fetchDockerImage(ctx context.Context, rawURL, destDir string) (*Download, error) {
	if f.puller == nil {
		return nil, fmt.Errorf("%w: no container image puller configured", errdefs.ErrInputFetchFailed)
	}
	ref := strings.TrimPrefix(rawURL, "docker://")

	var creds *config.Credential
	if host := imageRegistryHost(ref); host != "" {
		if cred, ok := f.skopeoCreds[host]; ok {
			creds = &cred
		}
	}

	tarPath, err := f.puller.Pull(ctx, ref, destDir, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: docker pull %s: %v", errdefs.ErrInputFetchFailed, ref, err)
	}
	info, err := os.Stat(tarPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	return &Download{
		Filename:    filepath.Base(tarPath),
		DownloadURL: rawURL,
		Path:        tarPath,
		Size:        info.Size(),
	}, nil
}

// imageRegistryHost extracts the registry host of an image reference.
// References without a registry part (library images) yield "".
func imageRegistryHost(ref string) string {
	first, _, found := strings.Cut(ref, "/")
	if !found {
		return ""
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return strings.Split(first, ":")[0]
	}
	return ""
}
