package git

import (
	"context"
	"errors"
	"fmt"
	"io"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
)

// nativeBackend reads the repository through go-git, so listing history and
// extracting blobs never spawns a process or touches the worktree.
type nativeBackend struct {
	repo *gitlib.Repository
	root string
}

func openNative(dir string) (*nativeBackend, error) {
	repo, err := gitlib.PlainOpenWithOptions(dir, &gitlib.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("resolve worktree root: %w", err)
	}
	return &nativeBackend{repo: repo, root: wt.Filesystem.Root()}, nil
}

func (b *nativeBackend) RootDir() string { return b.root }

func (b *nativeBackend) Log(ctx context.Context) ([]catalog.Commit, error) {
	ref, err := b.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			// Repository without commits yet.
			return nil, nil
		}
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	iter, err := b.repo.Log(&gitlib.LogOptions{From: ref.Hash(), Order: gitlib.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("read commits: %w", err)
	}
	defer iter.Close()

	var commits []catalog.Commit
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		commit, err := iter.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("iterate commits: %w", err)
		}
		commits = append(commits, catalog.Commit{
			Hash:    commit.Hash.String(),
			Summary: summaryLine(commit.Message),
			When:    commit.Committer.When,
		})
	}
	return commits, nil
}

func (b *nativeBackend) ResolveHash(ctx context.Context, name string) (string, error) {
	hash, err := b.repo.ResolveRevision(plumbing.Revision(name))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		// go-git reports unresolvable abbreviations as generic errors;
		// treat any resolution failure as "no match".
		return "", nil
	}
	if _, err := b.repo.CommitObject(*hash); err != nil {
		return "", nil
	}
	return hash.String(), nil
}

func (b *nativeBackend) FileAt(ctx context.Context, hash, relPath string) ([]byte, error) {
	commit, err := b.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", hash, err)
	}
	file, err := commit.File(relPath)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, &catalog.FileNotFoundError{Version: catalog.CommitID(hash), Path: relPath}
		}
		return nil, fmt.Errorf("lookup %s at %s: %w", relPath, hash, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("read blob %s at %s: %w", relPath, hash, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
