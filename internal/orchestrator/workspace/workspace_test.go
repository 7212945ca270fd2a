// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws := New(filepath.Join(t.TempDir(), "proj-abc12345"))
	require.NoError(t, ws.Create())
	return ws
}

func TestCreateIsIdempotent(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, ws.Create())

	for _, subdir := range Subdirs() {
		info, err := os.Stat(ws.Path(subdir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.True(t, ws.Exists())
}

func TestValidateFilenameRejectsUnsafeNames(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../escape"} {
		err := ValidateFilename(name)
		assert.ErrorIs(t, err, errdefs.ErrUnsafePath, "name %q", name)
	}
	assert.NoError(t, ValidateFilename("archive.tar.gz"))
}

func TestCopyFileToInputStaysInsideInput(t *testing.T) {
	ws := newTestWorkspace(t)

	src := filepath.Join(t.TempDir(), "pkg.zip")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o644))

	size, err := ws.CopyFileToInput(src, "pkg.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(7), size)

	data, err := os.ReadFile(filepath.Join(ws.InputDir(), "pkg.zip"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	_, err = ws.CopyFileToInput(src, "../pkg.zip")
	assert.ErrorIs(t, err, errdefs.ErrUnsafePath)
}

func TestWriteInputSanitizesFilename(t *testing.T) {
	ws := newTestWorkspace(t)

	_, err := ws.WriteInputFromReader(strings.NewReader("x"), "we ird;name.txt")
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(ws.InputDir(), "we_ird_name.txt"))
	assert.NoError(t, statErr)
}

func TestAtomicWriteLeavesNoPartialFile(t *testing.T) {
	ws := newTestWorkspace(t)

	// A reader that fails mid-stream must not leave any file behind.
	_, err := ws.WriteInputFromReader(failingReader{}, "broken.bin")
	require.Error(t, err)

	entries, err := os.ReadDir(ws.InputDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, os.ErrClosed
}

func TestCopyTreeToCodebase(t *testing.T) {
	ws := newTestWorkspace(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "util.go"), []byte("package sub"), 0o644))

	require.NoError(t, ws.CopyTreeToCodebase(src))

	data, err := os.ReadFile(filepath.Join(ws.CodebaseDir(), "sub", "util.go"))
	require.NoError(t, err)
	assert.Equal(t, "package sub", string(data))
}

func TestRemoveSubdirIsIdempotent(t *testing.T) {
	ws := newTestWorkspace(t)

	require.NoError(t, ws.RemoveSubdir(SubdirCodebase))
	require.NoError(t, ws.RemoveSubdir(SubdirCodebase))
	assert.NoDirExists(t, ws.CodebaseDir())

	assert.ErrorIs(t, ws.RemoveSubdir("../outside"), errdefs.ErrUnsafePath)
}

func TestClearTmp(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.TmpDir(), "scratch"), []byte("x"), 0o644))

	require.NoError(t, ws.ClearTmp())

	entries, err := os.ReadDir(ws.TmpDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOutputFilePathIsUnique(t *testing.T) {
	ws := newTestWorkspace(t)

	first, err := ws.OutputFilePath("results", "json")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(first, []byte("{}"), 0o644))

	second, err := ws.OutputFilePath("results", "json")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(filepath.Base(first), "results-"))
	assert.True(t, strings.HasSuffix(first, ".json"))
}

func TestManifestRoundTrip(t *testing.T) {
	ws := newTestWorkspace(t)

	require.NoError(t, ws.WriteManifestEntry("pkg.zip", ManifestEntry{
		Tag:         "from",
		DownloadURL: "https://example.test/pkg.zip",
		Size:        42,
	}))
	require.NoError(t, ws.WriteManifestEntry("upload.tar", ManifestEntry{IsUploaded: true, Size: 7}))

	manifest, err := ws.ReadManifest()
	require.NoError(t, err)
	assert.Len(t, manifest, 2)
	assert.Equal(t, "from", manifest["pkg.zip"].Tag)
	assert.True(t, manifest["upload.tar"].IsUploaded)
}
