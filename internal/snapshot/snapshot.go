// Package snapshot materializes one version of a design file into a
// self-consistent temporary tree the renderer can consume.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
	"github.com/motty-mio2/kicad-diff-visualizer/internal/kicad"
)

// Target names the design file being diffed, relative to the project
// directory (forward slashes). Sch targets pull in referenced sub-sheets.
type Target struct {
	RelPath string
	Sch     bool
}

// Snapshot is an exclusively-owned materialized tree. Close removes it;
// Close is a no-op for the working state, which is served in place.
type Snapshot struct {
	Dir  string // temp root, "" for the working state
	Path string // absolute path of the target design file
}

func (s *Snapshot) Close() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	dir := s.Dir
	s.Dir = ""
	return os.RemoveAll(dir)
}

// Source reads a project-relative file at a version.
type Source interface {
	FileAt(ctx context.Context, id catalog.ID, relPath string) ([]byte, error)
}

type Materializer struct {
	Source     Source
	ProjectDir string
}

// Materialize produces a snapshot of target at the given version. The
// temporary directory is removed on every error path; on success the caller
// owns it and must Close.
func (m *Materializer) Materialize(ctx context.Context, target Target, id catalog.ID) (snap *Snapshot, err error) {
	if id.IsWorking() {
		// The working state renders straight from the project directory.
		abs := filepath.Join(m.ProjectDir, filepath.FromSlash(target.RelPath))
		if _, statErr := os.Stat(abs); errors.Is(statErr, os.ErrNotExist) {
			return nil, &catalog.FileNotFoundError{Version: id, Path: target.RelPath}
		}
		return &Snapshot{Path: abs}, nil
	}

	dir, err := os.MkdirTemp("", "kicad-diff-*")
	if err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	data, err := m.extract(ctx, dir, id, target.RelPath)
	if err != nil {
		return nil, err
	}
	if target.Sch {
		seen := map[string]bool{target.RelPath: true}
		if err := m.extractSubsheets(ctx, dir, id, target.RelPath, data, seen); err != nil {
			return nil, err
		}
	}
	slog.Debug("snapshot materialized",
		slog.String("target", target.RelPath),
		slog.String("version", id.String()),
		slog.String("dir", dir),
	)
	return &Snapshot{Dir: dir, Path: filepath.Join(dir, filepath.FromSlash(target.RelPath))}, nil
}

func (m *Materializer) extract(ctx context.Context, dir string, id catalog.ID, relPath string) ([]byte, error) {
	data, err := m.Source.FileAt(ctx, id, relPath)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(dir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot subdirectory: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return nil, fmt.Errorf("write snapshot file: %w", err)
	}
	return data, nil
}

// extractSubsheets walks the sheet hierarchy at the same version. A sheet
// missing at this version is skipped with a warning so the remaining sheets
// still render; the exporter then emits an empty page for it.
func (m *Materializer) extractSubsheets(ctx context.Context, dir string, id catalog.ID, relPath string, data []byte, seen map[string]bool) error {
	sheets, err := kicad.Subsheets(data)
	if err != nil {
		return fmt.Errorf("parse %s at %s: %w", relPath, id, err)
	}
	base := path.Dir(relPath)
	for _, sheet := range sheets {
		sheetRel := path.Clean(path.Join(base, filepath.ToSlash(sheet.File)))
		if seen[sheetRel] {
			continue
		}
		seen[sheetRel] = true
		sheetData, err := m.extract(ctx, dir, id, sheetRel)
		if err != nil {
			var notFound *catalog.FileNotFoundError
			if errors.As(err, &notFound) {
				slog.Warn("sub-sheet missing at version",
					slog.String("sheet", sheetRel),
					slog.String("version", id.String()),
				)
				continue
			}
			return err
		}
		if err := m.extractSubsheets(ctx, dir, id, sheetRel, sheetData, seen); err != nil {
			return err
		}
	}
	return nil
}
