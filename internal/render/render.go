// Package render drives the external kicad-cli exporter. It is the only
// place that knows the renderer's invocation contract; everything upstream
// sees bytes in, image bytes out, plus a small error taxonomy.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/snapshot"
)

var (
	// ErrRendererUnavailable means the renderer binary could not be located
	// or started at all; retrying without a config change is pointless.
	ErrRendererUnavailable = errors.New("renderer unavailable")

	// ErrRenderTimeout means one invocation exceeded the configured bound.
	ErrRenderTimeout = errors.New("render timed out")
)

// Error carries the renderer's own diagnostics for a failed invocation.
type Error struct {
	Args   []string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("renderer failed: %v", e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

const (
	ModePCB = "pcb"
	ModeSch = "sch"
)

// Options selects what to export from a snapshot. One invocation yields one
// image: a single PCB layer, or a single schematic sheet.
type Options struct {
	Mode     string // ModePCB or ModeSch
	Layer    string // PCB layer name, ModePCB only
	Sheet    string // sheet stem, ModeSch only; "" is the root sheet
	Format   string // export format, default "png"
	FitBoard bool   // fit the exported page to the board outline
}

func (o Options) format() string {
	if o.Format == "" {
		return "png"
	}
	return o.Format
}

// Key is the options part of a render cache key.
func (o Options) Key() string {
	fit := "nofit"
	if o.FitBoard {
		fit = "fit"
	}
	return strings.Join([]string{o.Mode, o.Layer, o.Sheet, o.format(), fit}, "|")
}

type Renderer struct {
	Bin     string
	Timeout time.Duration
}

// Render exports one image from the snapshot. The subprocess runs with no
// lock held and is bounded by the configured timeout.
func (r *Renderer) Render(ctx context.Context, snap *snapshot.Snapshot, opts Options) ([]byte, error) {
	outDir, err := os.MkdirTemp("", "kicad-render-*")
	if err != nil {
		return nil, fmt.Errorf("create render output directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	var args []string
	var outPath string
	switch opts.Mode {
	case ModePCB:
		outPath = filepath.Join(outDir, "board."+opts.format())
		args = []string{"pcb", "export", opts.format(),
			"--black-and-white", "--output", outPath,
			"--layers", opts.Layer,
		}
		if opts.FitBoard {
			args = append(args, "--fit-page-to-board")
		}
	case ModeSch:
		// The schematic exporter only takes an output directory and emits
		// one file per sheet; the requested sheet is picked out afterwards.
		outPath = "" // resolved below
		args = []string{"sch", "export", opts.format(),
			"--no-background-color", "--output", outDir,
		}
	default:
		return nil, fmt.Errorf("unknown render mode %q", opts.Mode)
	}
	args = append(args, snap.Path)

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	started := time.Now()
	err = cmd.Run()
	slog.Debug("renderer invoked",
		slog.String("bin", r.Bin),
		slog.Any("args", args),
		slog.Duration("took", time.Since(started)),
		slog.Any("error", err),
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrRenderTimeout, r.Timeout)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", ErrRendererUnavailable, r.Bin, err)
		}
		return nil, &Error{Args: args, Output: strings.TrimSpace(output.String()), Err: err}
	}

	if opts.Mode == ModeSch {
		outPath, err = r.schOutputPath(outDir, snap.Path, opts)
		if err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(outPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &Error{Args: args, Output: strings.TrimSpace(output.String()),
			Err: fmt.Errorf("renderer produced no output file")}
	}
	if err != nil {
		return nil, fmt.Errorf("read rendered image: %w", err)
	}
	if len(data) == 0 {
		return nil, &Error{Args: args, Output: strings.TrimSpace(output.String()),
			Err: fmt.Errorf("renderer produced an empty image")}
	}
	return data, nil
}

// schOutputPath maps a sheet stem to the exporter's file naming: the root
// sheet exports as <stem>.<ext>, sub-sheets as <stem>-<sheet>.<ext>.
func (r *Renderer) schOutputPath(outDir, schPath string, opts Options) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(schPath), ".kicad_sch")
	name := stem + "." + opts.format()
	if opts.Sheet != "" && opts.Sheet != stem {
		name = stem + "-" + opts.Sheet + "." + opts.format()
	}
	path := filepath.Join(outDir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", &Error{Err: fmt.Errorf("exporter did not produce sheet %q (expected %s)", opts.Sheet, name)}
	}
	return path, nil
}
