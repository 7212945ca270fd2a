// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/config"
	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

func newTestFetcher(t *testing.T, cfg *config.AppConfig) *Fetcher {
	t.Helper()
	if cfg == nil {
		cfg = &config.AppConfig{}
	}
	f, err := NewFetcher(cfg, nil)
	require.NoError(t, err)
	return f
}

func serverHostname(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Hostname()
}

func TestFetchHTTPFilenameFromURLPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("zip-bytes"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	dest := t.TempDir()

	download, err := f.Fetch(context.Background(), srv.URL+"/files/pkg.zip", dest)
	require.NoError(t, err)
	assert.Equal(t, "pkg.zip", download.Filename)
	assert.Equal(t, int64(9), download.Size)
	assert.FileExists(t, filepath.Join(dest, "pkg.zip"))
}

func TestFetchHTTPFilenameFromContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="release-1.2.tar.gz"`)
		w.Write([]byte("tar-bytes"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	download, err := f.Fetch(context.Background(), srv.URL+"/download", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "release-1.2.tar.gz", download.Filename)
}

func TestFetchHTTPFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/final/pkg.zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final/pkg.zip", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, nil)
	download, err := f.Fetch(context.Background(), srv.URL+"/start", t.TempDir())
	require.NoError(t, err)
	// Filename comes from the redirect target path.
	assert.Equal(t, "pkg.zip", download.Filename)
}

func TestFetchHTTPTagFragment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	download, err := f.Fetch(context.Background(), srv.URL+"/pkg.zip#from", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "from", download.Tag)
}

func TestFetchHTTPNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := newTestFetcher(t, nil)
	_, err := f.Fetch(context.Background(), srv.URL+"/missing.zip", t.TempDir())
	assert.ErrorIs(t, err, errdefs.ErrFetchNotFound)
}

func TestFetchHTTPAuthRequiredWithoutCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	_, err := f.Fetch(context.Background(), srv.URL+"/private.zip", t.TempDir())
	assert.ErrorIs(t, err, errdefs.ErrFetchAuthRequired)
}

func TestFetchHTTPBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || user != "alice" || password != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("private"))
	}))
	defer srv.Close()

	host := serverHostname(t, srv)
	f := newTestFetcher(t, &config.AppConfig{
		FetchBasicAuth: host + "=alice:s3cret",
	})

	download, err := f.Fetch(context.Background(), srv.URL+"/private.zip", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int64(7), download.Size)
}

func TestFetchHTTPHeaderAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-123" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	host := serverHostname(t, srv)
	f := newTestFetcher(t, &config.AppConfig{
		FetchHeaders: host + "=Authorization: Bearer token-123",
	})

	_, err := f.Fetch(context.Background(), srv.URL+"/private.zip", t.TempDir())
	assert.NoError(t, err)
}

func TestFetchHTTPDigestAuth(t *testing.T) {
	const nonce = "abc123nonce"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Digest realm="scans", nonce="%s", qop="auth", algorithm=MD5`, nonce))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		// The handler only checks that a well-formed digest response came
		// back for the issued nonce.
		if !containsAll(auth, `username="bob"`, `nonce="`+nonce+`"`, "response=") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("digested"))
	}))
	defer srv.Close()

	host := serverHostname(t, srv)
	f := newTestFetcher(t, &config.AppConfig{
		FetchDigestAuth: host + "=bob:hunter2",
	})

	download, err := f.Fetch(context.Background(), srv.URL+"/secret.bin", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int64(8), download.Size)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestFetchPyPIVersionless(t *testing.T) {
	payload := []byte("sdist-bytes")
	digest := sha256.Sum256(payload)

	mux := http.NewServeMux()
	mux.HandleFunc("/pypi/requests/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"urls": [
			{"url": %q, "filename": "requests-2.32.0.tar.gz", "packagetype": "sdist",
			 "digests": {"sha256": %q}}
		]}`, "http://"+r.Host+"/packages/requests-2.32.0.tar.gz", hex.EncodeToString(digest[:]))
	})
	mux.HandleFunc("/packages/requests-2.32.0.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, nil)
	f.registries.PyPI = srv.URL

	download, err := f.Fetch(context.Background(), "pkg:pypi/requests", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "requests-2.32.0.tar.gz", download.Filename)
	assert.Equal(t, "pkg:pypi/requests", download.DownloadURL)
}

func TestFetchPyPIChecksumMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pypi/requests/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"urls": [
			{"url": %q, "filename": "requests-2.32.0.tar.gz", "packagetype": "sdist",
			 "digests": {"sha256": "deadbeef"}}
		]}`, "http://"+r.Host+"/packages/requests-2.32.0.tar.gz")
	})
	mux.HandleFunc("/packages/requests-2.32.0.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("unexpected-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, nil)
	f.registries.PyPI = srv.URL

	dest := t.TempDir()
	_, err := f.Fetch(context.Background(), "pkg:pypi/requests", dest)
	assert.ErrorIs(t, err, errdefs.ErrFetchChecksumMismatch)

	// The mismatching file must not survive.
	entries, readErr := os.ReadDir(dest)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestFetchNPMLatest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/left-pad", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"dist-tags": {"latest": "1.3.0"},
			"versions": {"1.3.0": {"dist": {"tarball": %q}}}}`,
			"http://"+r.Host+"/left-pad/-/left-pad-1.3.0.tgz")
	})
	mux.HandleFunc("/left-pad/-/left-pad-1.3.0.tgz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tgz"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, nil)
	f.registries.NPM = srv.URL

	download, err := f.Fetch(context.Background(), "pkg:npm/left-pad", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "left-pad-1.3.0.tgz", download.Filename)
}

func TestFetchMavenVersionlessUsesMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/com/google/guava/guava/maven-metadata.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<metadata><versioning><release>33.0.0</release></versioning></metadata>`))
	})
	mux.HandleFunc("/com/google/guava/guava/33.0.0/guava-33.0.0.jar", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jar"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, nil)
	f.registries.Maven = srv.URL

	download, err := f.Fetch(context.Background(), "pkg:maven/com.google.guava/guava", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "guava-33.0.0.jar", download.Filename)
}

func TestResolverRequiresVersionForForges(t *testing.T) {
	f := newTestFetcher(t, nil)
	for _, purl := range []string{"pkg:gitlab/acme/widget", "pkg:bitbucket/acme/widget", "pkg:hackage/aeson"} {
		_, err := f.Fetch(context.Background(), purl, t.TempDir())
		assert.ErrorIs(t, err, errdefs.ErrInputFetchFailed, purl)
	}
}

func TestFetchUnsupportedScheme(t *testing.T) {
	f := newTestFetcher(t, nil)
	_, err := f.Fetch(context.Background(), "ftp://example.test/file.zip", t.TempDir())
	assert.ErrorIs(t, err, errdefs.ErrInputFetchFailed)
}

func TestIsGitURL(t *testing.T) {
	assert.True(t, isGitURL("https://github.com/acme/widget.git"))
	assert.True(t, isGitURL("git+https://github.com/acme/widget"))
	assert.True(t, isGitURL("git@github.com:acme/widget.git"))
	assert.False(t, isGitURL("https://example.test/archive.tar.gz"))
}

func TestImageRegistryHost(t *testing.T) {
	assert.Equal(t, "registry.example.com", imageRegistryHost("registry.example.com/team/app:1.0"))
	assert.Equal(t, "registry.example.com", imageRegistryHost("registry.example.com:5000/app"))
	assert.Equal(t, "localhost", imageRegistryHost("localhost:5000/app"))
	assert.Equal(t, "", imageRegistryHost("alpine:3.20"))
	assert.Equal(t, "", imageRegistryHost("library/alpine"))
}

func TestFetchDockerUsesPuller(t *testing.T) {
	dest := t.TempDir()
	puller := &fakePuller{t: t}
	f := newTestFetcher(t, &config.AppConfig{
		SkopeoCredentials: "registry.example.com=svc:hunter2",
	})
	f.puller = puller

	download, err := f.Fetch(context.Background(), "docker://registry.example.com/team/app:1.0", dest)
	require.NoError(t, err)
	assert.Equal(t, "app.tar", download.Filename)
	require.NotNil(t, puller.creds)
	assert.Equal(t, "svc", puller.creds.User)
}

type fakePuller struct {
	t     *testing.T
	creds *config.Credential
}

func (p *fakePuller) Pull(_ context.Context, ref, destDir string, creds *config.Credential) (string, error) {
	p.creds = creds
	path := filepath.Join(destDir, "app.tar")
	require.NoError(p.t, os.WriteFile(path, []byte("tar"), 0o644))
	return path, nil
}
