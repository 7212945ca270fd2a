// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// resolution is the outcome of mapping a purl to a concrete download.
type resolution struct {
	URL      string
	Filename string
	// SHA256 is the registry-advertised digest when the registry exposes
	// one; the fetcher verifies the downloaded bytes against it.
	SHA256 string
}

// RegistryBases holds the package registry endpoints, overridable in tests.
type RegistryBases struct {
	PyPI      string
	NPM       string
	Maven     string
	Cargo     string
	RubyGems  string
	NuGet     string
	GitHub    string
	GitHubAPI string
	GitLab    string
	Bitbucket string
	Hackage   string
}

// DefaultRegistryBases returns the public registry endpoints.
func DefaultRegistryBases() RegistryBases {
	return RegistryBases{
		PyPI:      "https://pypi.org",
		NPM:       "https://registry.npmjs.org",
		Maven:     "https://repo1.maven.org/maven2",
		Cargo:     "https://crates.io",
		RubyGems:  "https://rubygems.org",
		NuGet:     "https://api.nuget.org/v3-flatcontainer",
		GitHub:    "https://github.com",
		GitHubAPI: "https://api.github.com",
		GitLab:    "https://gitlab.com",
		Bitbucket: "https://bitbucket.org",
		Hackage:   "https://hackage.haskell.org",
	}
}

// resolvePackageURL maps a parsed purl to its download. Version-less purls
// resolve the latest registry-published version where the registry has a
// "latest" notion; types without one require an explicit version.
func (f *Fetcher) resolvePackageURL(ctx context.Context, purl *PackageURL) (*resolution, error) {
	switch purl.Type {
	case "pypi":
		return f.resolvePyPI(ctx, purl)
	case "npm":
		return f.resolveNPM(ctx, purl)
	case "maven":
		return f.resolveMaven(ctx, purl)
	case "cargo":
		return f.resolveCargo(ctx, purl)
	case "gem":
		return f.resolveGem(ctx, purl)
	case "nuget":
		return f.resolveNuGet(ctx, purl)
	case "github":
		return f.resolveGitHub(ctx, purl)
	case "gitlab":
		return f.resolveForge(purl, f.registries.GitLab, "%s/%s/%s/-/archive/%s/%s-%s.tar.gz")
	case "bitbucket":
		return f.resolveBitbucket(purl)
	case "hackage":
		return f.resolveHackage(purl)
	}
	return nil, fmt.Errorf("%w: unsupported purl type %q", errdefs.ErrInputFetchFailed, purl.Type)
}

// getRegistryJSON fetches and decodes a registry metadata document.
func (f *Fetcher) getRegistryJSON(ctx context.Context, url string, out any) error {
	raw, err := f.getRegistryBody(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: bad registry response from %s: %v", errdefs.ErrInputFetchFailed, url, err)
	}
	return nil
}

func (f *Fetcher) getRegistryBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInputFetchFailed, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrFetchNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: registry %s returned %d", errdefs.ErrInputFetchFailed, url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", errdefs.ErrInputFetchFailed, url, err)
	}
	return body, nil
}

func (f *Fetcher) resolvePyPI(ctx context.Context, purl *PackageURL) (*resolution, error) {
	metaURL := fmt.Sprintf("%s/pypi/%s/json", f.registries.PyPI, purl.Name)
	if purl.Version != "" {
		metaURL = fmt.Sprintf("%s/pypi/%s/%s/json", f.registries.PyPI, purl.Name, purl.Version)
	}
	var meta struct {
		URLs []struct {
			URL         string `json:"url"`
			Filename    string `json:"filename"`
			PackageType string `json:"packagetype"`
			Digests     struct {
				SHA256 string `json:"sha256"`
			} `json:"digests"`
		} `json:"urls"`
	}
	if err := f.getRegistryJSON(ctx, metaURL, &meta); err != nil {
		return nil, err
	}
	if len(meta.URLs) == 0 {
		return nil, fmt.Errorf("%w: no distribution published for %s", errdefs.ErrFetchNotFound, purl)
	}
	// Prefer the source distribution, fall back to the first file.
	chosen := meta.URLs[0]
	for _, u := range meta.URLs {
		if u.PackageType == "sdist" {
			chosen = u
			break
		}
	}
	return &resolution{URL: chosen.URL, Filename: chosen.Filename, SHA256: chosen.Digests.SHA256}, nil
}

func (f *Fetcher) resolveNPM(ctx context.Context, purl *PackageURL) (*resolution, error) {
	name := purl.Name
	if purl.Namespace != "" {
		name = purl.Namespace + "/" + purl.Name
	}
	var meta struct {
		DistTags map[string]string `json:"dist-tags"`
		Versions map[string]struct {
			Dist struct {
				Tarball   string `json:"tarball"`
				Integrity string `json:"integrity"`
			} `json:"dist"`
		} `json:"versions"`
	}
	metaURL := fmt.Sprintf("%s/%s", f.registries.NPM, strings.ReplaceAll(name, "/", "%2f"))
	if err := f.getRegistryJSON(ctx, metaURL, &meta); err != nil {
		return nil, err
	}
	version := purl.Version
	if version == "" {
		version = meta.DistTags["latest"]
	}
	release, ok := meta.Versions[version]
	if !ok || release.Dist.Tarball == "" {
		return nil, fmt.Errorf("%w: npm %s@%s", errdefs.ErrFetchNotFound, name, version)
	}
	return &resolution{URL: release.Dist.Tarball}, nil
}

func (f *Fetcher) resolveMaven(ctx context.Context, purl *PackageURL) (*resolution, error) {
	if purl.Namespace == "" {
		return nil, fmt.Errorf("%w: maven purl needs a group namespace", errdefs.ErrInputFetchFailed)
	}
	groupPath := strings.ReplaceAll(purl.Namespace, ".", "/")
	version := purl.Version
	if version == "" {
		metaURL := fmt.Sprintf("%s/%s/%s/maven-metadata.xml", f.registries.Maven, groupPath, purl.Name)
		raw, err := f.getRegistryBody(ctx, metaURL)
		if err != nil {
			return nil, err
		}
		var meta struct {
			Versioning struct {
				Release string `xml:"release"`
				Latest  string `xml:"latest"`
			} `xml:"versioning"`
		}
		if err := xml.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("%w: bad maven metadata: %v", errdefs.ErrInputFetchFailed, err)
		}
		version = meta.Versioning.Release
		if version == "" {
			version = meta.Versioning.Latest
		}
		if version == "" {
			return nil, fmt.Errorf("%w: no release version for %s", errdefs.ErrFetchNotFound, purl)
		}
	}
	extension := purl.Qualifiers["type"]
	if extension == "" {
		extension = "jar"
	}
	filename := fmt.Sprintf("%s-%s.%s", purl.Name, version, extension)
	return &resolution{
		URL: fmt.Sprintf("%s/%s/%s/%s/%s", f.registries.Maven, groupPath, purl.Name, version, filename),
	}, nil
}

func (f *Fetcher) resolveCargo(ctx context.Context, purl *PackageURL) (*resolution, error) {
	version := purl.Version
	var sha256 string
	if version == "" {
		var meta struct {
			Crate struct {
				MaxStableVersion string `json:"max_stable_version"`
				MaxVersion       string `json:"max_version"`
			} `json:"crate"`
		}
		if err := f.getRegistryJSON(ctx, fmt.Sprintf("%s/api/v1/crates/%s", f.registries.Cargo, purl.Name), &meta); err != nil {
			return nil, err
		}
		version = meta.Crate.MaxStableVersion
		if version == "" {
			version = meta.Crate.MaxVersion
		}
		if version == "" {
			return nil, fmt.Errorf("%w: no published version for %s", errdefs.ErrFetchNotFound, purl)
		}
	} else {
		var meta struct {
			Version struct {
				Checksum string `json:"checksum"`
			} `json:"version"`
		}
		if err := f.getRegistryJSON(ctx, fmt.Sprintf("%s/api/v1/crates/%s/%s", f.registries.Cargo, purl.Name, version), &meta); err == nil {
			sha256 = meta.Version.Checksum
		}
	}
	return &resolution{
		URL:      fmt.Sprintf("%s/api/v1/crates/%s/%s/download", f.registries.Cargo, purl.Name, version),
		Filename: fmt.Sprintf("%s-%s.crate", purl.Name, version),
		SHA256:   sha256,
	}, nil
}

func (f *Fetcher) resolveGem(ctx context.Context, purl *PackageURL) (*resolution, error) {
	version := purl.Version
	var sha256 string
	if version == "" {
		var meta struct {
			Version string `json:"version"`
			SHA     string `json:"sha"`
		}
		if err := f.getRegistryJSON(ctx, fmt.Sprintf("%s/api/v1/gems/%s.json", f.registries.RubyGems, purl.Name), &meta); err != nil {
			return nil, err
		}
		version = meta.Version
		sha256 = meta.SHA
		if version == "" {
			return nil, fmt.Errorf("%w: no published version for %s", errdefs.ErrFetchNotFound, purl)
		}
	}
	return &resolution{
		URL:    fmt.Sprintf("%s/downloads/%s-%s.gem", f.registries.RubyGems, purl.Name, version),
		SHA256: sha256,
	}, nil
}

func (f *Fetcher) resolveNuGet(ctx context.Context, purl *PackageURL) (*resolution, error) {
	id := strings.ToLower(purl.Name)
	version := strings.ToLower(purl.Version)
	if version == "" {
		var index struct {
			Versions []string `json:"versions"`
		}
		if err := f.getRegistryJSON(ctx, fmt.Sprintf("%s/%s/index.json", f.registries.NuGet, id), &index); err != nil {
			return nil, err
		}
		if len(index.Versions) == 0 {
			return nil, fmt.Errorf("%w: no published version for %s", errdefs.ErrFetchNotFound, purl)
		}
		version = index.Versions[len(index.Versions)-1]
	}
	return &resolution{
		URL:      fmt.Sprintf("%s/%s/%s/%s.%s.nupkg", f.registries.NuGet, id, version, id, version),
		Filename: fmt.Sprintf("%s.%s.nupkg", id, version),
	}, nil
}

func (f *Fetcher) resolveGitHub(ctx context.Context, purl *PackageURL) (*resolution, error) {
	if purl.Namespace == "" {
		return nil, fmt.Errorf("%w: github purl needs an owner namespace", errdefs.ErrInputFetchFailed)
	}
	version := purl.Version
	if version == "" {
		var release struct {
			TagName string `json:"tag_name"`
		}
		latestURL := fmt.Sprintf("%s/repos/%s/%s/releases/latest", f.registries.GitHubAPI, purl.Namespace, purl.Name)
		if err := f.getRegistryJSON(ctx, latestURL, &release); err != nil {
			return nil, err
		}
		version = release.TagName
		if version == "" {
			return nil, fmt.Errorf("%w: no release for %s", errdefs.ErrFetchNotFound, purl)
		}
	}
	return &resolution{
		URL:      fmt.Sprintf("%s/%s/%s/archive/refs/tags/%s.tar.gz", f.registries.GitHub, purl.Namespace, purl.Name, version),
		Filename: fmt.Sprintf("%s-%s.tar.gz", purl.Name, strings.TrimPrefix(version, "v")),
	}, nil
}

// resolveForge covers archive layouts of the gitlab form; a version is
// required since these forges publish no "latest" metadata endpoint.
func (f *Fetcher) resolveForge(purl *PackageURL, base, format string) (*resolution, error) {
	if purl.Namespace == "" || purl.Version == "" {
		return nil, fmt.Errorf("%w: %s purl needs namespace and version", errdefs.ErrInputFetchFailed, purl.Type)
	}
	return &resolution{
		URL:      fmt.Sprintf(format, base, purl.Namespace, purl.Name, purl.Version, purl.Name, purl.Version),
		Filename: fmt.Sprintf("%s-%s.tar.gz", purl.Name, purl.Version),
	}, nil
}

func (f *Fetcher) resolveBitbucket(purl *PackageURL) (*resolution, error) {
	if purl.Namespace == "" || purl.Version == "" {
		return nil, fmt.Errorf("%w: bitbucket purl needs namespace and version", errdefs.ErrInputFetchFailed)
	}
	return &resolution{
		URL:      fmt.Sprintf("%s/%s/%s/get/%s.tar.gz", f.registries.Bitbucket, purl.Namespace, purl.Name, purl.Version),
		Filename: fmt.Sprintf("%s-%s.tar.gz", purl.Name, purl.Version),
	}, nil
}

func (f *Fetcher) resolveHackage(purl *PackageURL) (*resolution, error) {
	if purl.Version == "" {
		return nil, fmt.Errorf("%w: hackage purl needs a version", errdefs.ErrInputFetchFailed)
	}
	nameVersion := fmt.Sprintf("%s-%s", purl.Name, purl.Version)
	return &resolution{
		URL:      fmt.Sprintf("%s/package/%s/%s.tar.gz", f.registries.Hackage, nameVersion, nameVersion),
		Filename: nameVersion + ".tar.gz",
	}, nil
}
