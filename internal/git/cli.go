package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/catalog"
)

// cliBackend shells out to the git executable. It exists for setups where
// go-git cannot read the repository (exotic extensions, partial clones).
type cliBackend struct {
	root string
}

func openCLI(dir string) (*cliBackend, error) {
	tmp := &cliBackend{root: dir}
	root, err := tmp.runGit(context.Background(), []string{"rev-parse", "--show-toplevel"}, "git rev-parse")
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("open repository: git rev-parse returned empty root")
	}
	return &cliBackend{root: root}, nil
}

func (b *cliBackend) RootDir() string { return b.root }

func (b *cliBackend) runGit(ctx context.Context, args []string, what string) (string, error) {
	cmdArgs := append([]string{"-C", b.root}, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return "", fmt.Errorf("%s: %v: %s", what, err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%s: %w", what, err)
	}
	return stdout.String(), nil
}

// logFormat uses the ASCII unit separator, which cannot appear in hashes,
// timestamps or (sanitized) subject lines.
const logFormat = "%H%x1f%ct%x1f%s"

func (b *cliBackend) Log(ctx context.Context) ([]catalog.Commit, error) {
	out, err := b.runGit(ctx, []string{"log", "--pretty=format:" + logFormat}, "git log")
	if err != nil {
		if strings.Contains(err.Error(), "does not have any commits yet") {
			return nil, nil
		}
		return nil, err
	}
	return parseLog(out)
}

func parseLog(out string) ([]catalog.Commit, error) {
	var commits []catalog.Commit
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\x1f", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed git log line: %q", line)
		}
		if len(fields[0]) != 40 {
			return nil, fmt.Errorf("malformed commit hash: %q", fields[0])
		}
		epoch, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed commit timestamp %q: %w", fields[1], err)
		}
		commits = append(commits, catalog.Commit{
			Hash:    fields[0],
			Summary: summaryLine(fields[2]),
			When:    time.Unix(epoch, 0),
		})
	}
	return commits, nil
}

func (b *cliBackend) ResolveHash(ctx context.Context, name string) (string, error) {
	out, err := b.runGit(ctx, []string{"rev-parse", "--verify", "--quiet", name + "^{commit}"}, "git rev-parse")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// No object matches the name.
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (b *cliBackend) FileAt(ctx context.Context, hash, relPath string) ([]byte, error) {
	spec := hash + ":" + relPath
	cmd := exec.CommandContext(ctx, "git", "-C", b.root, "show", spec)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if strings.Contains(msg, "does not exist in") ||
			strings.Contains(msg, "exists on disk, but not in") {
			return nil, &catalog.FileNotFoundError{Version: catalog.CommitID(hash), Path: relPath}
		}
		if msg != "" {
			return nil, fmt.Errorf("git show %s: %v: %s", spec, err, strings.TrimSpace(msg))
		}
		return nil, fmt.Errorf("git show %s: %w", spec, err)
	}
	return stdout.Bytes(), nil
}
