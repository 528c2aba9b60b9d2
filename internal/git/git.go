// Package git reads project history for the version catalog. Access goes
// through a Backend interface with two implementations: a go-git one and one
// that shells out to the git executable. Neither ever mutates the working
// tree or the index.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
)

// Backend abstracts access to repository data.
//
// The native implementation uses go-git; the cli implementation shells out to
// the git executable. Paths handed to FileAt are relative to RootDir, with
// forward slashes.
type Backend interface {
	RootDir() string
	Log(ctx context.Context) ([]catalog.Commit, error)
	ResolveHash(ctx context.Context, name string) (string, error)
	FileAt(ctx context.Context, hash, relPath string) ([]byte, error)
}

// Service adapts a Backend to the catalog's view of the repository: it
// translates project-relative paths (the project may live in a subdirectory
// of the repository) into repository-relative ones.
type Service struct {
	backend    Backend
	projectDir string
}

// Open locates the repository enclosing projectDir. backendName selects
// "native" (go-git, the default) or "cli" (git executable).
func Open(projectDir, backendName string) (*Service, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, err
	}
	var backend Backend
	switch backendName {
	case "", "native":
		backend, err = openNative(abs)
	case "cli":
		backend, err = openCLI(abs)
	default:
		return nil, fmt.Errorf("unknown git backend %q", backendName)
	}
	if err != nil {
		return nil, err
	}
	slog.Debug("git repository opened",
		slog.String("root", backend.RootDir()),
		slog.String("backend", backendName),
	)
	return &Service{backend: backend, projectDir: abs}, nil
}

// NewWithBackend wires an explicit backend, mainly for tests.
func NewWithBackend(backend Backend, projectDir string) *Service {
	return &Service{backend: backend, projectDir: projectDir}
}

func (s *Service) RootDir() string { return s.backend.RootDir() }

func (s *Service) Log(ctx context.Context) ([]catalog.Commit, error) {
	return s.backend.Log(ctx)
}

func (s *Service) ResolveHash(ctx context.Context, name string) (string, error) {
	return s.backend.ResolveHash(ctx, name)
}

// FileAt reads a project-relative file at the given commit.
func (s *Service) FileAt(ctx context.Context, hash, relPath string) ([]byte, error) {
	rootRel, err := s.rootRel(relPath)
	if err != nil {
		return nil, err
	}
	return s.backend.FileAt(ctx, hash, rootRel)
}

func (s *Service) rootRel(relPath string) (string, error) {
	abs := filepath.Join(s.projectDir, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(s.backend.RootDir(), abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the repository at %s", relPath, s.backend.RootDir())
	}
	return filepath.ToSlash(rel), nil
}

func summaryLine(message string) string {
	firstLine := strings.SplitN(strings.TrimSpace(message), "\n", 2)[0]
	if len(firstLine) > 80 {
		firstLine = firstLine[:77] + "..."
	}
	return firstLine
}
