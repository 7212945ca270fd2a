// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

func writeZip(t *testing.T, dir string, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range entries {
		file, err := writer.Create(name)
		require.NoError(t, err)
		_, err = file.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	path := filepath.Join(dir, "archive.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func writeTarGz(t *testing.T, dir string, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(dir, "archive.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestIsArchive(t *testing.T) {
	assert.True(t, IsArchive("pkg.zip"))
	assert.True(t, IsArchive("pkg.tar.gz"))
	assert.True(t, IsArchive("pkg.TGZ"))
	assert.True(t, IsArchive("lib.whl"))
	assert.True(t, IsArchive("serde-1.0.0.crate"))
	assert.False(t, IsArchive("readme.md"))
	assert.False(t, IsArchive("data.gz"))
}

func TestArchiveBaseName(t *testing.T) {
	assert.Equal(t, "pkg-1.0", ArchiveBaseName("pkg-1.0.tar.gz"))
	assert.Equal(t, "pkg", ArchiveBaseName("pkg.zip"))
	assert.Equal(t, "readme.md", ArchiveBaseName("readme.md"))
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, map[string]string{
		"src/main.go": "package main",
		"README":      "hello",
	})

	dest := filepath.Join(dir, "out")
	require.NoError(t, ExtractArchive(path, dest, 0))

	raw, err := os.ReadFile(filepath.Join(dest, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(raw))
	assert.FileExists(t, filepath.Join(dest, "README"))
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, map[string]string{"../escape.txt": "nope"})

	err := ExtractArchive(path, filepath.Join(dir, "out"), 0)
	assert.ErrorIs(t, err, errdefs.ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	path := writeTarGz(t, dir, map[string]string{"lib/util.py": "x = 1"})

	dest := filepath.Join(dir, "out")
	require.NoError(t, ExtractArchive(path, dest, 0))
	assert.FileExists(t, filepath.Join(dest, "lib", "util.py"))
}

func TestExtractTarRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	path := writeTarGz(t, dir, map[string]string{"../../escape.txt": "nope"})

	err := ExtractArchive(path, filepath.Join(dir, "out"), 0)
	assert.ErrorIs(t, err, errdefs.ErrUnsafePath)
}

func TestExtractSkipsOversizedEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeTarGz(t, dir, map[string]string{
		"small.txt": "ok",
		"big.txt":   "this entry is far too large",
	})

	dest := filepath.Join(dir, "out")
	err := ExtractArchive(path, dest, 10)
	assert.ErrorIs(t, err, errdefs.ErrStepFailure)
	assert.Contains(t, err.Error(), "big.txt")
	assert.FileExists(t, filepath.Join(dest, "small.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "big.txt"))
}

func TestExtractUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	err := ExtractArchive(path, dir, 0)
	assert.ErrorIs(t, err, errdefs.ErrStepFailure)
}
