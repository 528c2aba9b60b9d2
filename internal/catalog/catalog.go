package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrRepositoryUnavailable means neither a git repository nor a backups
	// directory could be found for the project.
	ErrRepositoryUnavailable = errors.New("no git repository or backups directory")

	// ErrUnknownVersion means a name did not resolve to any catalog entry.
	ErrUnknownVersion = errors.New("unknown version")
)

// FileNotFoundError reports that a file did not exist at a given version.
// It is a valid outcome (file added later, or never backed up), not a fault.
type FileNotFoundError struct {
	Version ID
	Path    string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("%s does not exist at version %s", e.Path, e.Version)
}

// GitSource lists HEAD-reachable commits and reads blobs without touching the
// working tree.
type GitSource interface {
	Log(ctx context.Context) ([]Commit, error)
	// ResolveHash expands a full or abbreviated hash to a full one, or
	// returns "" when no commit matches.
	ResolveHash(ctx context.Context, name string) (string, error)
	FileAt(ctx context.Context, hash, relPath string) ([]byte, error)
}

// BackupSource lists dated backup snapshots and reads files out of them.
type BackupSource interface {
	Dates() ([]string, error)
	File(date, relPath string) ([]byte, error)
}

// Catalog merges the two version namespaces over one project directory.
// Either source may be nil when absent on disk; both nil is an error.
// List rebuilds from the sources on every call, so new commits and backups
// show up without any invalidation protocol.
type Catalog struct {
	Git        GitSource
	Backups    BackupSource
	ProjectDir string
}

// List returns the catalog in display order: working state first, then
// commits as git log reports them, then backup dates newest first.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	if c.Git == nil && c.Backups == nil {
		return nil, ErrRepositoryUnavailable
	}
	entries := []Entry{{ID: Working(), Label: "Working copy", When: time.Now()}}
	if c.Git != nil {
		commits, err := c.Git.Log(ctx)
		if err != nil {
			return nil, fmt.Errorf("list commits: %w", err)
		}
		for _, commit := range commits {
			entries = append(entries, Entry{
				ID:    CommitID(commit.Hash),
				Label: fmt.Sprintf("%s  %s", commit.Hash[:7], commit.Summary),
				When:  commit.When,
			})
		}
	}
	if c.Backups != nil {
		dates, err := c.Backups.Dates()
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		for _, date := range dates {
			entries = append(entries, Entry{
				ID:    Backup(date),
				Label: fmt.Sprintf("backup %s", date),
			})
		}
	}
	slog.Debug("catalog listed", slog.Int("entries", len(entries)))
	return entries, nil
}

// Resolve turns a user-supplied name into an ID. Accepted forms: the working
// sentinel, a literal backup date, or a full or abbreviated commit hash
// (plus "HEAD" as a convenience for the current head commit).
func (c *Catalog) Resolve(ctx context.Context, name string) (ID, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, WorkingName) {
		return Working(), nil
	}
	if datePat.MatchString(name) {
		if c.Backups == nil {
			return ID{}, fmt.Errorf("%w: %s (no backups directory)", ErrUnknownVersion, name)
		}
		dates, err := c.Backups.Dates()
		if err != nil {
			return ID{}, fmt.Errorf("list backups: %w", err)
		}
		for _, date := range dates {
			if date == name {
				return Backup(date), nil
			}
		}
		return ID{}, fmt.Errorf("%w: no backup dated %s", ErrUnknownVersion, name)
	}
	if c.Git == nil {
		return ID{}, fmt.Errorf("%w: %s (not a git repository)", ErrUnknownVersion, name)
	}
	if name == "HEAD" || hashPat.MatchString(strings.ToLower(name)) {
		hash, err := c.Git.ResolveHash(ctx, name)
		if err != nil {
			return ID{}, fmt.Errorf("resolve %s: %w", name, err)
		}
		if hash != "" {
			return CommitID(hash), nil
		}
	}
	return ID{}, fmt.Errorf("%w: %s", ErrUnknownVersion, name)
}

// FileAt reads a project-relative file as it existed at the given version.
// Returns *FileNotFoundError when the file was absent at that version.
func (c *Catalog) FileAt(ctx context.Context, id ID, relPath string) ([]byte, error) {
	switch id.Kind {
	case KindGitCommit:
		if c.Git == nil {
			return nil, ErrRepositoryUnavailable
		}
		data, err := c.Git.FileAt(ctx, id.Hash, relPath)
		if err != nil {
			var notFound *FileNotFoundError
			if errors.As(err, &notFound) {
				return nil, err
			}
			return nil, fmt.Errorf("git file %s@%s: %w", relPath, id.Hash[:7], err)
		}
		return data, nil
	case KindBackup:
		if c.Backups == nil {
			return nil, ErrRepositoryUnavailable
		}
		return c.Backups.File(id.Date, relPath)
	}
	data, err := os.ReadFile(filepath.Join(c.ProjectDir, filepath.FromSlash(relPath)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &FileNotFoundError{Version: id, Path: relPath}
	}
	if err != nil {
		return nil, fmt.Errorf("read working file %s: %w", relPath, err)
	}
	return data, nil
}
