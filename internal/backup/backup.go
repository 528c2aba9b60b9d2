// Package backup reads KiCad auto-backup snapshots from the sibling
// <proj>-backups directory. Two on-disk shapes are recognized: a plain
// <YYYY-MM-DD>/ directory mirroring the project layout, and the
// <proj>-<YYYY-MM-DD>.zip archives KiCad itself writes.
package backup

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
)

var datePat = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// Store enumerates and reads backup snapshots for one project.
type Store struct {
	dir      string // the <proj>-backups directory
	projStem string // project name, used by the zip naming convention
}

// Open locates the backups directory for a project. Returns (nil, nil) when
// the directory does not exist; the catalog then runs git-only.
func Open(projectDir, projStem string) (*Store, error) {
	dir := filepath.Join(projectDir, projStem+"-backups")
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat backups directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	slog.Debug("backups directory found", slog.String("dir", dir))
	return &Store{dir: dir, projStem: projStem}, nil
}

// Dir returns the backups directory path.
func (s *Store) Dir() string { return s.dir }

// Dates lists available backup dates, newest first, without duplicates.
func (s *Store) Dates() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read backups directory: %w", err)
	}
	seen := map[string]bool{}
	for _, entry := range entries {
		date := entryDate(entry)
		if date != "" {
			seen[date] = true
		}
	}
	dates := make([]string, 0, len(seen))
	for date := range seen {
		dates = append(dates, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

func entryDate(entry fs.DirEntry) string {
	name := entry.Name()
	if entry.IsDir() {
		if datePat.MatchString(name) && len(name) == 10 {
			return name
		}
		return ""
	}
	if strings.EqualFold(filepath.Ext(name), ".zip") {
		return datePat.FindString(strings.TrimSuffix(name, filepath.Ext(name)))
	}
	return ""
}

// File reads a project-relative file out of the snapshot for a date.
// A date directory wins over a zip of the same date.
func (s *Store) File(date, relPath string) ([]byte, error) {
	dirPath := filepath.Join(s.dir, date)
	if info, err := os.Stat(dirPath); err == nil && info.IsDir() {
		data, err := os.ReadFile(filepath.Join(dirPath, filepath.FromSlash(relPath)))
		if errors.Is(err, os.ErrNotExist) {
			return nil, &catalog.FileNotFoundError{Version: catalog.Backup(date), Path: relPath}
		}
		if err != nil {
			return nil, fmt.Errorf("read backup file: %w", err)
		}
		return data, nil
	}
	return s.fileFromZip(date, relPath)
}

func (s *Store) fileFromZip(date, relPath string) ([]byte, error) {
	zipPath, err := s.zipForDate(date)
	if err != nil {
		return nil, err
	}
	if zipPath == "" {
		return nil, &catalog.FileNotFoundError{Version: catalog.Backup(date), Path: relPath}
	}
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open backup archive %s: %w", filepath.Base(zipPath), err)
	}
	defer zr.Close()
	want := path.Clean(relPath)
	for _, file := range zr.File {
		if path.Clean(file.Name) != want {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in %s: %w", relPath, filepath.Base(zipPath), err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, &catalog.FileNotFoundError{Version: catalog.Backup(date), Path: relPath}
}

// zipForDate picks the lexically last archive matching the date, so when
// KiCad wrote several backups the same day the newest timestamp wins.
func (s *Store) zipForDate(date string) (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("read backups directory: %w", err)
	}
	var best string
	for _, entry := range entries {
		if entry.IsDir() || entryDate(entry) != date {
			continue
		}
		if entry.Name() > best {
			best = entry.Name()
		}
	}
	if best == "" {
		return "", nil
	}
	return filepath.Join(s.dir, best), nil
}
