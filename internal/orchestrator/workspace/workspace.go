// Copyright (C) 2025-2026 Depvet
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workspace manages the per-project directory tree on disk:
// input/, codebase/, output/ and tmp/ under a root derived from the
// project slug and uuid. All destination names are validated so that no
// operation can write outside the workspace.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/depvet/depvet/internal/orchestrator/errdefs"
	"github.com/depvet/depvet/internal/orchestrator/models"
)

// Workspace subdirectory names.
const (
	SubdirInput    = "input"
	SubdirCodebase = "codebase"
	SubdirOutput   = "output"
	SubdirTmp      = "tmp"
)

// Subdirs lists every workspace subdirectory, creation order.
func Subdirs() []string {
	return []string{SubdirInput, SubdirCodebase, SubdirOutput, SubdirTmp}
}

var unsafeFilenameChars = regexp.MustCompile(`[^-\w.+()\[\]]`)

// Workspace is the on-disk directory tree of one project.
type Workspace struct {
	Root string
}

// New returns a workspace rooted at the given directory.
func New(root string) *Workspace {
	return &Workspace{Root: root}
}

// ForProject returns the workspace of a project under the projects root,
// named <slug>-<uuid8>.
func ForProject(projectsRoot string, project *models.Project) *Workspace {
	return New(filepath.Join(projectsRoot, project.WorkspaceDirName()))
}

// Create makes the workspace root and its subdirectories. Creating an
// existing workspace is a no-op.
func (w *Workspace) Create() error {
	for _, subdir := range Subdirs() {
		if err := os.MkdirAll(filepath.Join(w.Root, subdir), 0o755); err != nil {
			return fmt.Errorf("%w: failed to create %s: %v", errdefs.ErrWorkspaceIO, subdir, err)
		}
	}
	return nil
}

// Exists reports whether the workspace root directory is present.
func (w *Workspace) Exists() bool {
	info, err := os.Stat(w.Root)
	return err == nil && info.IsDir()
}

// Path returns the absolute path of a workspace subdirectory.
func (w *Workspace) Path(subdir string) string {
	return filepath.Join(w.Root, subdir)
}

// InputDir returns the input/ directory path.
func (w *Workspace) InputDir() string { return w.Path(SubdirInput) }

// CodebaseDir returns the codebase/ directory path.
func (w *Workspace) CodebaseDir() string { return w.Path(SubdirCodebase) }

// OutputDir returns the output/ directory path.
func (w *Workspace) OutputDir() string { return w.Path(SubdirOutput) }

// TmpDir returns the tmp/ directory path.
func (w *Workspace) TmpDir() string { return w.Path(SubdirTmp) }

// ValidateFilename rejects destination names that could escape the target
// directory: path separators, ".." segments, and empty names.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: empty or dot file name", errdefs.ErrUnsafePath)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q contains a path separator", errdefs.ErrUnsafePath, name)
	}
	return nil
}

// SanitizeFilename maps characters outside the safe set to underscores.
// The name must already pass ValidateFilename.
func SanitizeFilename(name string) string {
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

// CopyFileToInput copies src into input/ under dstName. The copy goes
// through a temp file in the same directory and is renamed into place, so
// a fault never leaves a partial destination file. Returns the byte size.
func (w *Workspace) CopyFileToInput(src, dstName string) (int64, error) {
	if err := ValidateFilename(dstName); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to open %s: %v", errdefs.ErrWorkspaceIO, src, err)
	}
	defer in.Close()
	return w.WriteInputFromReader(in, dstName)
}

// WriteInputFromReader streams r into input/<dstName> atomically.
func (w *Workspace) WriteInputFromReader(r io.Reader, dstName string) (int64, error) {
	if err := ValidateFilename(dstName); err != nil {
		return 0, err
	}
	dstName = SanitizeFilename(dstName)
	return AtomicWrite(r, filepath.Join(w.InputDir(), dstName))
}

// AtomicWrite writes r to dst via a temp file in the destination directory.
// The partial temp file is removed on any error.
func AtomicWrite(r io.Reader, dst string) (int64, error) {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create temp file in %s: %v", errdefs.ErrWorkspaceIO, dir, err)
	}
	tmpName := tmp.Name()
	size, err := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("%w: failed to write %s: %v", errdefs.ErrWorkspaceIO, dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("%w: failed to move %s into place: %v", errdefs.ErrWorkspaceIO, dst, err)
	}
	return size, nil
}

// CopyTreeToCodebase copies the directory tree at src into codebase/.
// Symlinks are recreated, other special files are skipped.
func (w *Workspace) CopyTreeToCodebase(src string) error {
	return CopyTree(src, w.CodebaseDir())
}

// CopyTree recursively copies the contents of src into dst.
func CopyTree(src, dst string) error {
	src = filepath.Clean(src)
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("%w: failed to walk %s: %v", errdefs.ErrWorkspaceIO, path, err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceIO, err)
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: failed to create %s: %v", errdefs.ErrWorkspaceIO, target, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("%w: failed to read link %s: %v", errdefs.ErrWorkspaceIO, path, err)
			}
			os.Remove(target)
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("%w: failed to link %s: %v", errdefs.ErrWorkspaceIO, target, err)
			}
		case info.Mode().IsRegular():
			in, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("%w: failed to open %s: %v", errdefs.ErrWorkspaceIO, path, err)
			}
			_, copyErr := AtomicWrite(in, target)
			in.Close()
			if copyErr != nil {
				return copyErr
			}
		}
		return nil
	})
}

// RemoveSubdir deletes one workspace subdirectory. Removing an absent
// subdirectory is a no-op.
func (w *Workspace) RemoveSubdir(name string) error {
	if err := ValidateFilename(name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(w.Root, name)); err != nil {
		return fmt.Errorf("%w: failed to remove %s: %v", errdefs.ErrWorkspaceIO, name, err)
	}
	return nil
}

// Remove deletes the whole workspace tree.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.Root); err != nil {
		return fmt.Errorf("%w: failed to remove workspace: %v", errdefs.ErrWorkspaceIO, err)
	}
	return nil
}

// ClearTmp empties tmp/, recreating it. Called at the start of each run.
func (w *Workspace) ClearTmp() error {
	tmp := w.TmpDir()
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("%w: failed to clear tmp: %v", errdefs.ErrWorkspaceIO, err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("%w: failed to recreate tmp: %v", errdefs.ErrWorkspaceIO, err)
	}
	return nil
}

// OutputFilePath returns a unique output file path named
// <stem>-<YYYY-MM-DD-HH-MM-SS>.<ext>. A numeric suffix is appended when
// two outputs land in the same second.
func (w *Workspace) OutputFilePath(stem, ext string) (string, error) {
	if err := ValidateFilename(stem); err != nil {
		return "", err
	}
	ext = strings.TrimPrefix(ext, ".")
	stamp := time.Now().Format("2006-01-02-15-04-05")
	base := fmt.Sprintf("%s-%s", SanitizeFilename(stem), stamp)
	path := filepath.Join(w.OutputDir(), fmt.Sprintf("%s.%s", base, ext))
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		}
		path = filepath.Join(w.OutputDir(), fmt.Sprintf("%s-%d.%s", base, i, ext))
	}
}
