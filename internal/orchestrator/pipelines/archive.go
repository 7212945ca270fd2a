// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipelines

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
)

// archiveExtensions maps recognized archive suffixes to their extractor.
// Order matters: multi-part suffixes are checked first.
var archiveExtensions = []struct {
	suffix  string
	extract func(path, destDir string, maxFileSize int64) error
}{
	{".tar.gz", extractTarGz},
	{".tar.zst", extractTarZst},
	{".tar.bz2", extractTarBz2},
	{".tgz", extractTarGz},
	{".tar", extractTarPlain},
	{".zip", extractZip},
	{".whl", extractZip},
	{".jar", extractZip},
	{".nupkg", extractZip},
	{".crate", extractTarGz},
	{".gem", extractTarPlain},
}

// IsArchive reports whether the filename has a recognized archive suffix.
func IsArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, entry := range archiveExtensions {
		if strings.HasSuffix(lower, entry.suffix) {
			return true
		}
	}
	return false
}

// ArchiveBaseName strips the recognized archive suffix from a filename.
func ArchiveBaseName(name string) string {
	lower := strings.ToLower(name)
	for _, entry := range archiveExtensions {
		if strings.HasSuffix(lower, entry.suffix) {
			return name[:len(name)-len(entry.suffix)]
		}
	}
	return name
}

// ExtractArchive unpacks an archive into destDir. Entries escaping the
// destination are rejected; entries over maxFileSize (when positive) are
// skipped with an error listing them.
func ExtractArchive(path, destDir string, maxFileSize int64) error {
	lower := strings.ToLower(path)
	for _, entry := range archiveExtensions {
		if strings.HasSuffix(lower, entry.suffix) {
			return entry.extract(path, destDir, maxFileSize)
		}
	}
	return fmt.Errorf("%w: no extractor for %s", errdefs.ErrStepFailure, filepath.Base(path))
}

// safeDestPath joins an archive entry name onto destDir, rejecting
// absolute names and traversal.
func safeDestPath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: archive entry %q escapes the extraction root", errdefs.ErrUnsafePath, name)
	}
	return filepath.Join(destDir, cleaned), nil
}

func extractZip(path, destDir string, maxFileSize int64) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", errdefs.ErrStepFailure, filepath.Base(path), err)
	}
	defer reader.Close()

	var skipped []string
	for _, file := range reader.File {
		target, err := safeDestPath(destDir, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
			}
			continue
		}
		if maxFileSize > 0 && file.UncompressedSize64 > uint64(maxFileSize) {
			skipped = append(skipped, file.Name)
			continue
		}
		entry, err := file.Open()
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrStepFailure, err)
		}
		err = writeExtracted(target, entry, file.Mode())
		entry.Close()
		if err != nil {
			return err
		}
	}
	return skippedError(path, skipped)
}

func extractTarGz(path, destDir string, maxFileSize int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("%w: %s is not a gzip stream: %v", errdefs.ErrStepFailure, filepath.Base(path), err)
	}
	defer gz.Close()
	return extractTar(path, gz, destDir, maxFileSize)
}

func extractTarZst(path, destDir string, maxFileSize int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("%w: %s is not a zstd stream: %v", errdefs.ErrStepFailure, filepath.Base(path), err)
	}
	defer zr.Close()
	return extractTar(path, zr, destDir, maxFileSize)
}

func extractTarBz2(path, destDir string, maxFileSize int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	defer file.Close()
	return extractTar(path, bzip2.NewReader(file), destDir, maxFileSize)
}

func extractTarPlain(path, destDir string, maxFileSize int64) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	defer file.Close()
	return extractTar(path, file, destDir, maxFileSize)
}

func extractTar(path string, stream io.Reader, destDir string, maxFileSize int64) error {
	reader := tar.NewReader(stream)
	var skipped []string
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", errdefs.ErrStepFailure, filepath.Base(path), err)
		}
		target, err := safeDestPath(destDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
			}
		case tar.TypeReg:
			if maxFileSize > 0 && header.Size > maxFileSize {
				skipped = append(skipped, header.Name)
				continue
			}
			if err := writeExtracted(target, reader, header.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// Symlinks and special files inside archives are not
			// materialized.
		}
	}
	return skippedError(path, skipped)
}

func writeExtracted(target string, source io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	defer file.Close()
	if _, err := io.Copy(file, source); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
	}
	return nil
}

func skippedError(path string, skipped []string) error {
	if len(skipped) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %d entries over scan_max_file_size skipped: %s",
		errdefs.ErrStepFailure, filepath.Base(path), len(skipped), strings.Join(skipped, ", "))
}
